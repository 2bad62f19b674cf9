// Package supervisor keeps the long-running pipeline workers alive.
//
// Each worker runs in its own goroutine. When a worker returns or panics
// while the supervisor context is still live, it is restarted after a
// short delay so a transient failure in one pipeline never takes the
// process down with it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sazuyakun/Project-Aegis/internal/metrics"
)

// DefaultRestartDelay is the pause between a worker exit and its restart.
const DefaultRestartDelay = 5 * time.Second

// Worker is a long-running unit of work. Run is expected to block until
// ctx is cancelled; returning earlier, with or without an error, counts
// as a failure and triggers a restart.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

type workerFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (w workerFunc) Name() string                  { return w.name }
func (w workerFunc) Run(ctx context.Context) error { return w.run(ctx) }

// WorkerFunc adapts a plain function into a named Worker.
func WorkerFunc(name string, run func(ctx context.Context) error) Worker {
	return workerFunc{name: name, run: run}
}

// Supervisor runs a fixed set of workers and restarts any that exit early.
type Supervisor struct {
	workers      []Worker
	restartDelay time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
	started bool
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithRestartDelay overrides the pause between worker restarts.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.restartDelay = d }
}

// New creates a Supervisor managing the given workers.
func New(logger *slog.Logger, workers []Worker, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		workers:      workers,
		restartDelay: DefaultRestartDelay,
		logger:       logger,
		running:      make(map[string]bool, len(workers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches every worker. It returns immediately; use Wait to block
// until all workers have stopped after ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for _, w := range s.workers {
		s.wg.Add(1)
		go s.supervise(ctx, w)
	}
}

// Wait blocks until every worker goroutine has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Running reports, per worker, whether its goroutine is currently inside
// Run. Used by the health endpoint.
func (s *Supervisor) Running() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]bool, len(s.running))
	for name, up := range s.running {
		snapshot[name] = up
	}
	return snapshot
}

func (s *Supervisor) supervise(ctx context.Context, w Worker) {
	defer s.wg.Done()

	for {
		s.setRunning(w.Name(), true)
		err := s.safeRun(ctx, w)
		s.setRunning(w.Name(), false)

		if ctx.Err() != nil {
			s.logger.Info("worker stopped", "worker", w.Name())
			return
		}

		if err != nil {
			s.logger.Error("worker exited, restarting",
				"worker", w.Name(),
				"error", err,
				"restart_delay", s.restartDelay)
		} else {
			s.logger.Warn("worker returned early, restarting",
				"worker", w.Name(),
				"restart_delay", s.restartDelay)
		}
		metrics.WorkerRestartsTotal.WithLabelValues(w.Name()).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// safeRun invokes the worker and converts a panic into an error so one
// bad message cannot kill the whole process.
func (s *Supervisor) safeRun(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker %s: %v", w.Name(), r)
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) setRunning(name string, up bool) {
	s.mu.Lock()
	s.running[name] = up
	s.mu.Unlock()
}
