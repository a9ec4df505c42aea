package sdk

import (
	"context"
	"os"

	"github.com/celerix-dev/celerix-ledger/internal/backup"
	"github.com/celerix-dev/celerix-ledger/internal/engine"
	"go.uber.org/zap"
)

// BackupRunner backs up one flushed day file. *backup.Pipeline implements it.
type BackupRunner interface {
	Backup(ctx context.Context, plainPath string) (*backup.Result, error)
}

type options struct {
	book   []engine.BookOption
	backup BackupRunner
	logger *zap.Logger
}

// Option configures New and NewEmbedded.
type Option func(*options)

// WithBookOptions applies opts to the embedded book.
func WithBookOptions(opts ...engine.BookOption) Option {
	return func(o *options) { o.book = append(o.book, opts...) }
}

// WithBackup runs r after every embedded event that changed a day file.
// A remote daemon queues its own backups, so r is unused there.
func WithBackup(r BackupRunner) Option {
	return func(o *options) { o.backup = r }
}

// WithLogger sets the logger for fallback and backup messages.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// New returns a Ledger for the environment. When LEDGER_TCP_ADDR names a
// reachable daemon the client talks to it; otherwise the day files under
// dataDir are written in-process.
func New(dataDir string, opts ...Option) (Ledger, error) {
	o := buildOptions(opts)
	if remoteAddr := os.Getenv("LEDGER_TCP_ADDR"); remoteAddr != "" {
		client, err := Connect(remoteAddr)
		if err == nil {
			return client, nil
		}
		o.logger.Warn("daemon unreachable, writing day files directly",
			zap.String("addr", remoteAddr),
			zap.Error(err))
	}

	// Embedded mode runs the same book the daemon runs. It must not be used
	// while a daemon writes the same directory.
	p, err := engine.NewPersistence(dataDir, o.logger)
	if err != nil {
		return nil, err
	}
	return NewEmbedded(engine.NewBook(p, o.logger, o.book...), opts...), nil
}

// Embedded is a Ledger backed by an in-process Book.
type Embedded struct {
	book   *engine.Book
	backup BackupRunner
	logger *zap.Logger
}

// NewEmbedded wraps book. Book options in opts are ignored.
func NewEmbedded(book *engine.Book, opts ...Option) *Embedded {
	o := buildOptions(opts)
	return &Embedded{book: book, backup: o.backup, logger: o.logger}
}

func (e *Embedded) SignIn(name string) (DayLog, error) {
	return e.Event(engine.EventSignIn, name)
}

func (e *Embedded) SignOut(name string) (DayLog, error) {
	return e.Event(engine.EventSignOut, name)
}

func (e *Embedded) Event(eventType, name string) (DayLog, error) {
	applied, err := e.book.Apply(name, eventType)
	if err != nil {
		return DayLog{}, err
	}
	if e.backup != nil && applied.Path != "" {
		// A failed backup leaves the flushed day file in place.
		if _, err := e.backup.Backup(context.Background(), applied.Path); err != nil {
			e.logger.Warn("backup failed", zap.String("file", applied.Path), zap.Error(err))
		}
	}
	changed := applied.Changed
	return DayLog{Day: applied.Day.Key(), Changed: &changed, Records: applied.Records}, nil
}

func (e *Embedded) Today() (DayLog, error) {
	d, records := e.book.Today()
	return DayLog{Day: d.Key(), Records: records}, nil
}

func (e *Embedded) Day(year, month, day int) (DayLog, error) {
	d, err := engine.NewDay(year, month, day)
	if err != nil {
		return DayLog{}, err
	}
	records, err := e.book.Store().LoadDay(d)
	if err != nil {
		return DayLog{}, err
	}
	return DayLog{Day: d.Key(), Records: records}, nil
}

func (e *Embedded) Close() error { return nil }
