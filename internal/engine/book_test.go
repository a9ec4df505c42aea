package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestBook(t *testing.T, start time.Time) (*Book, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: start}
	return NewBook(newTestPersistence(t), nil, WithClock(clock.Now), WithLocation(time.UTC)), clock
}

func TestBook_ApplyFlushes(t *testing.T) {
	b, clock := newTestBook(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))

	res, err := b.Apply("Alice", EventSignIn)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Changed || res.Path == "" {
		t.Fatalf("Unexpected result %+v", res)
	}
	if res.Day != testDay {
		t.Errorf("Expected %v, got %v", testDay, res.Day)
	}

	clock.Set(time.Date(2026, 10, 14, 17, 0, 0, 0, time.UTC))
	b.Apply("Alice", EventSignOut)

	got, err := b.Store().LoadDay(testDay)
	if err != nil {
		t.Fatalf("LoadDay failed: %v", err)
	}
	if len(got) != 1 || got[0].Fields[EventSignOut] != ms(clock.Now()) {
		t.Errorf("Unexpected persisted records %+v", got)
	}
}

func TestBook_UnmatchedSignOut(t *testing.T) {
	b, _ := newTestBook(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))

	res, err := b.Apply("Bob", EventSignOut)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Changed {
		t.Error("Sign-out without a record should not count as a change")
	}
	if len(res.Records) != 0 {
		t.Errorf("Expected no records, got %d", len(res.Records))
	}
	if res.Path != "" {
		t.Errorf("Expected no flush, got path %q", res.Path)
	}
	if _, err := os.Stat(b.Store().PathFor(testDay)); !os.IsNotExist(err) {
		t.Errorf("Expected no day file, stat err: %v", err)
	}
}

func TestBook_Rollover(t *testing.T) {
	b, clock := newTestBook(t, time.Date(2026, 10, 14, 23, 59, 0, 0, time.UTC))
	b.Apply("Alice", EventSignIn)

	clock.Set(time.Date(2026, 10, 15, 0, 1, 0, 0, time.UTC))
	day, records := b.Today()
	if day != (Day{2026, time.October, 15}) {
		t.Errorf("Expected rollover to 15/10/2026, got %v", day)
	}
	if len(records) != 0 {
		t.Errorf("New day should start empty, got %d records", len(records))
	}

	// Alice signing out after midnight has no record on the new day.
	res, _ := b.Apply("Alice", EventSignOut)
	if res.Changed {
		t.Error("Sign-out on a new day should not touch yesterday's record")
	}
	yesterday, _ := b.Store().LoadDay(testDay)
	if len(yesterday) != 1 {
		t.Errorf("Yesterday's file should keep its record, got %d", len(yesterday))
	}
}

func TestBook_ResumesFromDisk(t *testing.T) {
	start := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	b, _ := newTestBook(t, start)
	b.Apply("Alice", EventSignIn)

	// A second book over the same directory, as after a restart.
	restarted := NewBook(b.Store(), nil, WithClock(func() time.Time { return start.Add(time.Hour) }), WithLocation(time.UTC))
	res, err := restarted.Apply("Alice", EventSignOut)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Changed || len(res.Records) != 1 {
		t.Fatalf("Expected Alice's record to be resumed, got %+v", res)
	}
}

func TestBook_QuarantinesUnreadableFile(t *testing.T) {
	b, _ := newTestBook(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	path := b.Store().PathFor(testDay)
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("garbage"), 0644)

	_, records := b.Today()
	if len(records) != 0 {
		t.Errorf("Expected empty ledger, got %d", len(records))
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("Expected unreadable file to be moved aside, found %v", matches)
	}
}

func TestBook_ConcurrentApply(t *testing.T) {
	b, _ := newTestBook(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			b.Apply(name, EventSignIn)
		}(n)
	}
	wg.Wait()

	got, err := b.Store().LoadDay(testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(names) {
		t.Errorf("Expected the last flush to hold %d records, got %d", len(names), len(got))
	}
}
