// Package sdk is the client library for the ledger daemon's TCP line
// protocol, with an embedded fallback that writes day files directly.
package sdk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Client is a remote client for the ledger daemon.
// It implements the Ledger interface.
type Client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Connect dials the daemon's line protocol at addr.
func Connect(addr string) (*Client, error) {
	c := &Client{addr: addr}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// RemoteError is an ERR reply from the daemon. It is not retried.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Internal helper for TCP communication
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	// Try up to 3 times with exponential backoff
	for i := 0; i < 3; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(30 * time.Second))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				resp = strings.TrimSpace(resp)
				if strings.HasPrefix(resp, "ERR") {
					return "", &RemoteError{Msg: strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))}
				}
				return resp, nil
			}
		}

		fmt.Fprintf(os.Stderr, "[Ledger SDK] Attempt %d failed: %v. Reconnecting...\n", i+1, err)

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "[Ledger SDK] Reconnect attempt failed: %v\n", closeErr)
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after 3 attempts. last error: %v", err)
}

func (c *Client) dayLog(cmd string) (DayLog, error) {
	resp, err := c.sendAndReceive(cmd)
	if err != nil {
		return DayLog{}, err
	}
	var out DayLog
	err = json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &out)
	return out, err
}

// A name spans the rest of the line, so it only has to be free of newlines.
func checkName(name string) error {
	if strings.ContainsAny(name, "\r\n") || strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func (c *Client) SignIn(name string) (DayLog, error) {
	if err := checkName(name); err != nil {
		return DayLog{}, err
	}
	return c.dayLog("SIGNIN " + name)
}

func (c *Client) SignOut(name string) (DayLog, error) {
	if err := checkName(name); err != nil {
		return DayLog{}, err
	}
	return c.dayLog("SIGNOUT " + name)
}

func (c *Client) Event(eventType, name string) (DayLog, error) {
	if err := checkName(name); err != nil {
		return DayLog{}, err
	}
	if strings.TrimSpace(eventType) == "" || len(strings.Fields(eventType)) != 1 {
		return DayLog{}, fmt.Errorf("invalid event type %q", eventType)
	}
	return c.dayLog(fmt.Sprintf("EVENT %s %s", eventType, name))
}

func (c *Client) Today() (DayLog, error) {
	return c.dayLog("TODAY")
}

func (c *Client) Day(year, month, day int) (DayLog, error) {
	return c.dayLog(fmt.Sprintf("DAY %d %d %d", year, month, day))
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected reply %q", resp)
	}
	return nil
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprint(c.conn, "QUIT\n")
	err := c.conn.Close()
	c.conn = nil
	return err
}
