// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// Publishers use it to hand broker messages to subscribers: messages of one
// aggregation are delivered in arrival order, while a slow subscriber of one
// aggregation does not hold back the others.
package perkey

import (
	"errors"
	"sync"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that for any given key K, tasks are executed
// sequentially, in submission order. Tasks for different keys can proceed
// in parallel.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	bufferSize int
}

type worker struct {
	tasks   chan task
	senders int  // guarded by Scheduler.mu
	retired bool // guarded by Scheduler.mu
}

type task func()

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Go enqueues fn for the given key without waiting for it to run.
// Submission order per key is preserved. Go blocks only while the key's
// buffer is full.
func (s *Scheduler[K]) Go(key K, fn func()) error {
	w, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(w)

	w.tasks <- fn
	return nil
}

// Forget retires the worker of key once its queued tasks are done.
// A later submission for the same key starts a fresh worker.
func (s *Scheduler[K]) Forget(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[key]
	if !ok {
		return
	}
	delete(s.workers, key)
	s.retireLocked(w)
}

// Close stops accepting new tasks and shuts down all workers.
// Tasks already queued are still processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, w := range s.workers {
		s.retireLocked(w)
	}
	s.workers = nil
}

func (s *Scheduler[K]) acquire(key K) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}

	w, ok := s.workers[key]
	if !ok {
		w = &worker{tasks: make(chan task, s.bufferSize)}
		s.workers[key] = w
		go runWorker(w)
	}
	w.senders++
	return w, nil
}

func (s *Scheduler[K]) release(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.senders--
	if w.retired && w.senders == 0 {
		close(w.tasks)
	}
}

// retireLocked closes the task channel now, or lets the last sender do it.
func (s *Scheduler[K]) retireLocked(w *worker) {
	if w.retired {
		return
	}
	w.retired = true
	if w.senders == 0 {
		close(w.tasks)
	}
}

// runWorker processes tasks sequentially for a single key.
func runWorker(w *worker) {
	for fn := range w.tasks {
		fn()
	}
}

// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")
