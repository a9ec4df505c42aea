package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls atomic.Int32
	// fail makes the first n calls fail with err.
	fail int32
	err  error
	// gate, when set, blocks each run until it is closed.
	gate chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, path string, observe Observer) (*Result, error) {
	n := f.calls.Add(1)
	observe(StateListing)
	if f.gate != nil {
		<-f.gate
	}
	if n <= f.fail {
		observe(StateFailed)
		return &Result{CleanupErr: errs.New(errs.KindCleanup, "remove", errors.New("busy"))}, f.err
	}
	observe(StateDone)
	return &Result{File: &bucket.File{ID: "f-" + path}}, nil
}

func waitFor(t *testing.T, q *Queue, id string) Task {
	t.Helper()
	var task Task
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = q.Task(id)
		return ok && task.State.Terminal() && task.FinishedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestQueue_Success(t *testing.T) {
	r := &fakeRunner{}
	q := NewQueue(r, QueueConfig{}, nil)
	defer q.Close()

	task, err := q.Submit("14.json")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, task.State)
	assert.NotEmpty(t, task.ID)

	done := waitFor(t, q, task.ID)
	assert.Equal(t, StateDone, done.State)
	assert.Equal(t, "f-14.json", done.File.ID)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, done.Error)
}

func TestQueue_FailureIsObservable(t *testing.T) {
	r := &fakeRunner{fail: 1, err: errs.New(errs.KindUpload, "store", errors.New("reset"))}
	q := NewQueue(r, QueueConfig{}, nil)
	defer q.Close()

	task, _ := q.Submit("14.json")
	done := waitFor(t, q, task.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, errs.KindUpload, done.ErrorKind)
	assert.Contains(t, done.Error, "reset")
	assert.Contains(t, done.CleanupError, "busy")
}

func TestQueue_Retries(t *testing.T) {
	r := &fakeRunner{fail: 2, err: errs.New(errs.KindToken, "token", nil)}
	q := NewQueue(r, QueueConfig{Attempts: 3, Backoff: time.Millisecond}, nil)
	defer q.Close()

	task, _ := q.Submit("14.json")
	done := waitFor(t, q, task.ID)

	assert.Equal(t, StateDone, done.State)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestQueue_NoRetryWithoutCredentials(t *testing.T) {
	r := &fakeRunner{fail: 5, err: errs.New(errs.KindMissingCredentials, "backup", nil)}
	q := NewQueue(r, QueueConfig{Attempts: 3, Backoff: time.Millisecond}, nil)
	defer q.Close()

	task, _ := q.Submit("14.json")
	done := waitFor(t, q, task.ID)

	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestQueue_FullAndClosed(t *testing.T) {
	r := &fakeRunner{gate: make(chan struct{})}
	q := NewQueue(r, QueueConfig{Workers: 1, Size: 1}, nil)

	_, err := q.Submit("a")
	require.NoError(t, err)
	// Wait until the worker has taken "a" so the buffer is free again.
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err = q.Submit("b")
	require.NoError(t, err)
	_, err = q.Submit("c")
	assert.ErrorIs(t, err, ErrQueueFull)

	close(r.gate)
	q.Close()

	_, err = q.Submit("d")
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Close drained everything that was accepted.
	for _, task := range q.Tasks() {
		assert.Equal(t, StateDone, task.State, task.Path)
	}
	assert.Len(t, q.Tasks(), 2)
}

func TestQueue_HistoryLimit(t *testing.T) {
	r := &fakeRunner{}
	q := NewQueue(r, QueueConfig{History: 2}, nil)

	var ids []string
	for _, p := range []string{"a", "b", "c"} {
		task, err := q.Submit(p)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	q.Close()

	_, ok := q.Task(ids[0])
	assert.False(t, ok, "oldest task should be dropped")
	for _, id := range ids[1:] {
		_, ok := q.Task(id)
		assert.True(t, ok)
	}
}

func TestQueue_ConcurrentSubmit(t *testing.T) {
	r := &fakeRunner{}
	q := NewQueue(r, QueueConfig{Workers: 4, Size: 100}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit("x")
		}()
	}
	wg.Wait()
	q.Close()

	assert.Equal(t, int32(50), r.calls.Load())
	assert.Len(t, q.Tasks(), 50)
}
