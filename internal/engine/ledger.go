package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/errs"
)

// Record is one person's attendance for a day. Fields maps an event type to
// the epoch-millisecond timestamp at which it was last applied.
type Record struct {
	Name   string
	Fields map[string]string
}

// SignInAt returns the sign-in time, if any.
func (r Record) SignInAt() (time.Time, bool) {
	return r.At(EventSignIn)
}

// SignOutAt returns the sign-out time, if any.
func (r Record) SignOutAt() (time.Time, bool) {
	return r.At(EventSignOut)
}

// At parses the timestamp stored under field.
func (r Record) At(field string) (time.Time, bool) {
	raw, ok := r.Fields[field]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r Record) clone() Record {
	fields := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{Name: r.Name, Fields: fields}
}

// MarshalJSON writes "name" first and the remaining fields in key order, so
// the same record always serialises to the same bytes.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"name":`)
	name, err := json.Marshal(r.Name)
	if err != nil {
		return nil, err
	}
	buf.Write(name)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if k != nameField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(r.Fields[k])
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts timestamps written either as strings or as numbers.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	name, ok := raw[nameField].(string)
	if !ok {
		return fmt.Errorf("record: missing or non-string %q", nameField)
	}

	fields := make(map[string]string, len(raw)-1)
	for k, v := range raw {
		if k == nameField {
			continue
		}
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case nil:
		default:
			return fmt.Errorf("record %q: field %q has unsupported type %T", name, k, v)
		}
	}

	r.Name = name
	r.Fields = fields
	return nil
}

// Ledger is the ordered set of records for one day. Order is the order in
// which each person was first seen. It is not safe for concurrent use; Book
// serialises access.
type Ledger struct {
	date    Day
	records []Record
	// index maps a name to its position in records.
	index map[string]int
}

// NewLedger returns an empty ledger for d.
func NewLedger(d Day) *Ledger {
	return &Ledger{
		date:  d,
		index: make(map[string]int),
	}
}

// Date returns the day this ledger belongs to.
func (l *Ledger) Date() Day {
	return l.date
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Get returns a copy of person's record.
func (l *Ledger) Get(person string) (Record, bool) {
	i, ok := l.index[strings.TrimSpace(person)]
	if !ok {
		return Record{}, false
	}
	return l.records[i].clone(), true
}

// Apply records eventType for person at the given time and returns the
// updated records.
//
// A signin creates the person's record when it does not exist yet. Any other
// event type only updates an existing record; for an unknown person the
// ledger is left unchanged.
func (l *Ledger) Apply(person, eventType string, at time.Time) ([]Record, error) {
	person = strings.TrimSpace(person)
	eventType = strings.TrimSpace(eventType)
	if person == "" {
		return nil, errs.New(errs.KindValidation, "apply: empty person", nil)
	}
	if eventType == "" || eventType == nameField {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("apply: invalid event type %q", eventType), nil)
	}

	stamp := strconv.FormatInt(at.UnixMilli(), 10)

	if i, ok := l.index[person]; ok {
		l.records[i].Fields[eventType] = stamp
		return l.Records(), nil
	}

	if eventType == EventSignIn {
		l.index[person] = len(l.records)
		l.records = append(l.records, Record{
			Name:   person,
			Fields: map[string]string{eventType: stamp},
		})
	}
	return l.Records(), nil
}

// Records returns a deep copy of the ordered records. It is never nil.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = r.clone()
	}
	return out
}
