package backup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/bucket"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the job buffer is full.
	ErrQueueFull = errors.New("backup: queue full")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("backup: queue closed")
)

// Runner runs one backup attempt. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, plainPath string, observe Observer) (*Result, error)
}

// Task is a snapshot of a queued backup.
type Task struct {
	ID           string       `json:"id"`
	Path         string       `json:"path"`
	State        State        `json:"state"`
	Attempts     int          `json:"attempts"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    errs.Kind    `json:"error_kind,omitempty"`
	CleanupError string       `json:"cleanup_error,omitempty"`
	File         *bucket.File `json:"file,omitempty"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Workers is the number of concurrent backups. Defaults to 1.
	Workers int
	// Size is the job buffer. Defaults to 64.
	Size int
	// Attempts is how many times a task is run before it is marked failed.
	// Defaults to 1.
	Attempts int
	// Backoff is the wait before the second attempt; it doubles afterwards.
	Backoff time.Duration
	// History is how many finished tasks are kept for status queries.
	// Defaults to 100.
	History int
}

// Queue runs backups in the background and keeps their status observable.
type Queue struct {
	runner Runner
	cfg    QueueConfig
	logger *zap.Logger

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	tasks    map[string]*Task
	finished []string
}

// NewQueue creates a queue and starts its workers.
func NewQueue(runner Runner, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Size <= 0 {
		cfg.Size = 64
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.History <= 0 {
		cfg.History = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, cfg.Size),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.loop()
	}
	return q
}

// Submit enqueues a backup of path and returns its task.
func (q *Queue) Submit(path string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Task{}, ErrQueueClosed
	}

	t := &Task{
		ID:          uuid.NewString(),
		Path:        path,
		State:       StateQueued,
		SubmittedAt: time.Now().UTC(),
	}

	select {
	case q.jobs <- t.ID:
	default:
		return Task{}, ErrQueueFull
	}
	q.tasks[t.ID] = t
	return *t, nil
}

// Task returns the current snapshot of task id.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns snapshots of all known tasks, newest first.
func (q *Queue) Tasks() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Close stops accepting tasks and waits for queued ones to finish. Retry
// waits are cut short.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for id := range q.jobs {
		q.process(id)
	}
}

func (q *Queue) process(id string) {
	q.mu.RLock()
	path := q.tasks[id].Path
	q.mu.RUnlock()

	log := q.logger.With(zap.String("task", id), zap.String("file", path))
	backoff := q.cfg.Backoff

	var (
		res *Result
		err error
	)
	for attempt := 1; attempt <= q.cfg.Attempts; attempt++ {
		q.update(id, func(t *Task) { t.Attempts = attempt })

		// Runs are not tied to q.ctx so a Close lets an in-flight upload finish;
		// the pipeline's own timeouts bound it.
		res, err = q.runner.Run(context.Background(), path, func(s State) {
			q.update(id, func(t *Task) { t.State = s })
		})
		if err == nil || attempt == q.cfg.Attempts || errors.Is(err, errs.ErrMissingCredentials) {
			break
		}

		log.Warn("backup attempt failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		if !q.wait(backoff) {
			break
		}
		backoff *= 2
	}

	now := time.Now().UTC()
	q.update(id, func(t *Task) {
		t.FinishedAt = &now
		if res != nil {
			t.File = res.File
			if res.CleanupErr != nil {
				t.CleanupError = res.CleanupErr.Error()
			}
		}
		if err != nil {
			t.State = StateFailed
			t.Error = err.Error()
			t.ErrorKind = errs.KindOf(err)
		} else {
			t.State = StateDone
		}
	})

	if err != nil {
		log.Error("backup failed", zap.Error(err))
	}
	q.retire(id)
}

func (q *Queue) update(id string, fn func(*Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		fn(t)
	}
}

// retire records id as finished and drops the oldest finished tasks beyond
// the history limit.
func (q *Queue) retire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.finished = append(q.finished, id)
	for len(q.finished) > q.cfg.History {
		delete(q.tasks, q.finished[0])
		q.finished = q.finished[1:]
	}
}

// wait sleeps for d and reports false if the queue closed first.
func (q *Queue) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}
