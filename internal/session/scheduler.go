package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrSessionQueueFull = errors.New("session queue full")

var ErrSchedulerClosed = errors.New("scheduler closed")

var canceledContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// Job is one unit of per-session work, usually a facilitation reply. A job
// dropped by CancelPending is still invoked, with an already canceled
// context, so whoever waits on its result is released.
type Job func(context.Context)

// Scheduler runs jobs for the same key one at a time in submission order.
// Different keys run in parallel.
type Scheduler struct {
	logger    zerolog.Logger
	queueSize int
	idle      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

type worker struct {
	ch         chan queuedJob
	generation uint64
}

type queuedJob struct {
	fn         Job
	generation uint64
}

func NewScheduler(logger zerolog.Logger, queueSize int, idle time.Duration) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	if idle <= 0 {
		idle = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		queueSize: queueSize,
		idle:      idle,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

func (s *Scheduler) Enqueue(key string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	w := s.workerForLocked(key)
	select {
	case w.ch <- queuedJob{fn: fn, generation: w.generation}:
		return nil
	default:
		s.logger.Warn().Str("session_id", key).Msg("session queue full")
		return ErrSessionQueueFull
	}
}

// CancelPending cancels every job queued for key that has not started yet.
// A running job is left to finish.
func (s *Scheduler) CancelPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[key]; ok {
		w.generation++
	}
}

// Pending reports how many jobs are queued for key.
func (s *Scheduler) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[key]; ok {
		return len(w.ch)
	}
	return 0
}

// Close stops accepting jobs, cancels the context handed to running jobs and
// waits for workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, w := range s.workers {
		w.generation++
		close(w.ch)
		delete(s.workers, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) workerForLocked(key string) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}

	w := &worker{ch: make(chan queuedJob, s.queueSize)}
	s.workers[key] = w
	s.wg.Add(1)
	go s.run(key, w)
	return w
}

func (s *Scheduler) run(key string, w *worker) {
	defer s.wg.Done()
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case job, ok := <-w.ch:
			if !ok {
				return
			}
			ctx := s.ctx
			if s.current(w) != job.generation {
				ctx = canceledContext
			}
			s.runJob(ctx, key, job.fn)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.idle)
		case <-timer.C:
			if s.reap(key, w) {
				return
			}
			timer.Reset(s.idle)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, key string, fn Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("session_id", key).Interface("panic", r).Msg("session job panicked")
		}
	}()
	fn(ctx)
}

func (s *Scheduler) current(w *worker) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.generation
}

// reap removes an idle worker. Enqueue sends under the same lock, so an empty
// channel here stays empty.
func (s *Scheduler) reap(key string, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w.ch) > 0 {
		return false
	}
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	return true
}
