// Package server accepts attendance events over a line-based TCP protocol,
// for badge readers and kiosks that cannot speak HTTP.
//
// Each request is one line; each reply is one line starting with OK, ERR or
// PONG:
//
//	SIGNIN <name...>          OK {"day":...,"changed":...,"records":[...]}
//	SIGNOUT <name...>         OK {...}
//	EVENT <type> <name...>    OK {...}
//	TODAY                     OK {"day":...,"records":[...]}
//	DAY <year> <month> <day>  OK {"day":...,"records":[...]}
//	PING                      PONG
//	QUIT
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/celerix-dev/celerix-ledger/internal/backup"
	"github.com/celerix-dev/celerix-ledger/internal/engine"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/celerix-dev/celerix-ledger/pkg/sdk"
	"go.uber.org/zap"
)

const (
	maxConns    = 100
	connTimeout = 5 * time.Minute
	idleTimeout = 30 * time.Second
)

// Submitter queues a day file for backup.
type Submitter interface {
	Submit(path string) (backup.Task, error)
}

type Router struct {
	book    *engine.Book
	backups Submitter
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewRouter creates a router over book. backups may be nil.
func NewRouter(book *engine.Book, backups Submitter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{book: book, backups: backups, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Listen starts the TCP server on addr and blocks until Stop.
func (r *Router) Listen(addr string) error {
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(l)
}

// Serve accepts connections on l until Stop.
func (r *Router) Serve(l net.Listener) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return l.Close()
	}
	r.listener = l
	r.mu.Unlock()
	defer l.Close()

	semaphore := make(chan struct{}, maxConns)

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		conn.SetDeadline(time.Now().Add(connTimeout))

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			conn.Close()
			return nil
		}
		r.conns[conn] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()

		go func(c net.Conn) {
			defer r.wg.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
				r.mu.Lock()
				delete(r.conns, c)
				r.mu.Unlock()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.listener != nil {
		r.listener.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])

		switch command {
		case "SIGNIN", "SIGNOUT":
			if len(parts) < 2 {
				fmt.Fprintln(conn, "ERR usage:", command, "<name>")
				continue
			}
			r.apply(conn, afterFields(line, 1), strings.ToLower(command))

		case "EVENT":
			if len(parts) < 3 {
				fmt.Fprintln(conn, "ERR usage: EVENT <type> <name>")
				continue
			}
			r.apply(conn, afterFields(line, 2), parts[1])

		case "TODAY":
			d, records := r.book.Today()
			reply(conn, sdk.DayLog{Day: d.Key(), Records: records})

		case "DAY":
			if len(parts) < 4 {
				fmt.Fprintln(conn, "ERR usage: DAY <year> <month> <day>")
				continue
			}
			y, err1 := strconv.Atoi(parts[1])
			m, err2 := strconv.Atoi(parts[2])
			d, err3 := strconv.Atoi(parts[3])
			if errors.Join(err1, err2, err3) != nil {
				fmt.Fprintln(conn, "ERR invalid date")
				continue
			}
			records, err := r.book.Store().Load(y, m, d)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			reply(conn, sdk.DayLog{Day: fmt.Sprintf("%02d/%02d/%04d", d, m, y), Records: records})

		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "QUIT":
			return

		default:
			fmt.Fprintln(conn, "ERR unknown command", command)
		}
	}
}

func (r *Router) apply(conn net.Conn, person, eventType string) {
	applied, err := r.book.Apply(person, eventType)
	if err != nil {
		if errors.Is(err, errs.ErrValidation) {
			fmt.Fprintln(conn, "ERR", err)
			return
		}
		r.logger.Error("failed to record event",
			zap.String("person", person),
			zap.String("type", eventType),
			zap.Error(err))
		fmt.Fprintln(conn, "ERR", err)
		return
	}
	if r.backups != nil && applied.Path != "" {
		if _, err := r.backups.Submit(applied.Path); err != nil {
			r.logger.Warn("backup not queued", zap.String("file", applied.Path), zap.Error(err))
		}
	}
	changed := applied.Changed
	reply(conn, sdk.DayLog{Day: applied.Day.Key(), Changed: &changed, Records: applied.Records})
}

func reply(conn net.Conn, v any) {
	res, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(conn, "ERR internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

// afterFields returns line with its first n fields cut off. Whitespace
// inside the remainder is kept, so a name reads the same as over HTTP.
func afterFields(line string, n int) string {
	for i := 0; i < n; i++ {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)
		end := strings.IndexFunc(line, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		line = line[end:]
	}
	return strings.TrimSpace(line)
}
