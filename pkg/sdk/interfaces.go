package sdk

import "github.com/celerix-dev/celerix-ledger/internal/engine"

// DayLog is a day's records as returned by every ledger call.
type DayLog struct {
	// Day is DD/MM/YYYY.
	Day string `json:"day"`
	// Changed is set by event calls: false means the event was ignored.
	Changed *bool           `json:"changed,omitempty"`
	Records []engine.Record `json:"records"`
}

// Recorder submits attendance events.
type Recorder interface {
	SignIn(name string) (DayLog, error)
	SignOut(name string) (DayLog, error)
	Event(eventType, name string) (DayLog, error)
}

// Reader reads ledgers.
type Reader interface {
	Today() (DayLog, error)
	Day(year, month, day int) (DayLog, error)
}

// Ledger is the full client surface, remote or embedded.
type Ledger interface {
	Recorder
	Reader
	Close() error
}
