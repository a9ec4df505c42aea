package engine

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"go.uber.org/zap"
)

// Applied is the outcome of Book.Apply.
type Applied struct {
	Day     Day
	Records []Record
	// Path is the file the records were flushed to. Empty when the flush failed.
	Path string
	// Changed is false when the event did not match any record.
	Changed bool
}

// Book owns the current day's ledger.
//
// The ledger for day D stays current while the clock, read in the book's
// location, says D. The first Apply or Today call on a later day starts a
// new ledger, seeded from that day's file when one exists.
type Book struct {
	mu     sync.Mutex
	store  *Persistence
	ledger *Ledger
	now    func() time.Time
	loc    *time.Location
	logger *zap.Logger
}

// BookOption configures a Book.
type BookOption func(*Book)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) BookOption {
	return func(b *Book) { b.now = now }
}

// WithLocation sets the timezone that decides where a day starts.
func WithLocation(loc *time.Location) BookOption {
	return func(b *Book) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// NewBook creates a book backed by store.
func NewBook(store *Persistence, logger *zap.Logger, opts ...BookOption) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Book{
		store:  store,
		now:    time.Now,
		loc:    time.Local,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Location returns the timezone days are computed in.
func (b *Book) Location() *time.Location {
	return b.loc
}

// Store returns the underlying persistence.
func (b *Book) Store() *Persistence {
	return b.store
}

// Apply records an event for person now and flushes the day to disk.
// An ignored event flushes nothing and leaves Path empty.
//
// The mutex is held across the mutation and the flush, so flushes for a
// day are written in the order their events were applied. A flush error is
// returned together with the Applied result: the in-memory change stands.
func (b *Book) Apply(person, eventType string) (Applied, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().In(b.loc)
	l := b.current(now)

	_, existed := l.Get(person)
	records, err := l.Apply(person, eventType, now)
	if err != nil {
		return Applied{Day: l.Date()}, err
	}

	res := Applied{
		Day:     l.Date(),
		Records: records,
		Changed: existed || strings.TrimSpace(eventType) == EventSignIn,
	}
	if !res.Changed {
		b.logger.Debug("event ignored, no record for person today",
			zap.String("person", strings.TrimSpace(person)),
			zap.String("type", eventType),
			zap.String("day", l.Date().Key()))
		return res, nil
	}

	path, err := b.store.Flush(l)
	if err != nil {
		return res, err
	}
	res.Path = path
	return res, nil
}

// Today returns the current day and a copy of its records.
func (b *Book) Today() (Day, []Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.current(b.now().In(b.loc))
	return l.Date(), l.Records()
}

// current returns the ledger for now's date, rolling over when needed.
// It MUST be called while holding b.mu.
func (b *Book) current(now time.Time) *Ledger {
	day := DayOf(now)
	if b.ledger != nil && b.ledger.Date() == day {
		return b.ledger
	}

	if b.ledger != nil {
		b.logger.Info("day rollover",
			zap.String("from", b.ledger.Date().Key()),
			zap.String("to", day.Key()))
	}
	b.ledger = b.seed(day, now)
	return b.ledger
}

func (b *Book) seed(day Day, now time.Time) *Ledger {
	records, err := b.store.LoadDay(day)
	switch {
	case err == nil:
		l, merged := Restore(day, records)
		b.logger.Info("resumed ledger from disk",
			zap.String("day", day.Key()),
			zap.Int("records", l.Len()),
			zap.Int("merged_duplicates", merged))
		return l
	case errors.Is(err, errs.ErrNotFound):
		return NewLedger(day)
	case errors.Is(err, errs.ErrParse):
		moved, qerr := b.store.Quarantine(day, now)
		if qerr != nil {
			b.logger.Error("could not move unreadable day file aside", zap.String("day", day.Key()), zap.Error(qerr))
		} else {
			b.logger.Error("unreadable day file moved aside", zap.String("day", day.Key()), zap.String("moved_to", moved), zap.Error(err))
		}
		return NewLedger(day)
	default:
		b.logger.Error("could not read day file, starting empty", zap.String("day", day.Key()), zap.Error(err))
		return NewLedger(day)
	}
}
