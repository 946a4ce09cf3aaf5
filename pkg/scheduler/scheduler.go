// Package scheduler runs named tasks at fixed intervals for the lifetime of
// the supervisor process.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// MinInterval is the smallest interval a task may be registered with.
const MinInterval = time.Second

type task struct {
	name     string
	fn       TaskFunc
	interval time.Duration
}

// Scheduler fires every registered task on its own interval timer. A timer
// is re-armed only after the previous invocation of the same task returned,
// so a task never overlaps with itself. Tasks never affect each other: an
// error or a panic is logged and captured, and the task keeps its schedule.
type Scheduler struct {
	// lifecycle stops all firing once it reaches a terminal state
	lifecycle *engine.Lifecycle

	// clock drives the interval timers
	clock Clock

	// tel receives captured task failures, metrics and spans
	tel *telemetry.Telemetry

	logger *telemetry.Logger

	// mu protects tasks and the running state
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithTelemetry attaches logging, metrics, tracing and exception capture.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.tel = tel
	}
}

// New creates a scheduler bound to lifecycle.
func New(lifecycle *engine.Lifecycle, opts ...Option) *Scheduler {
	s := &Scheduler{
		lifecycle: lifecycle,
		clock:     RealClock(),
		tasks:     make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}
	s.logger = s.tel.Logger.NewComponentLogger("scheduler")
	return s
}

// RegisterTask adds a task fired every interval. Registering a name twice
// keeps the first registration. Tasks added after Start are armed at once.
func (s *Scheduler) RegisterTask(name string, fn TaskFunc, interval time.Duration) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %s has no function", name)
	}
	if interval < MinInterval {
		return fmt.Errorf("task %s interval %s is below %s", name, interval, MinInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		s.logger.Debugf("Task %s already registered", name)
		return nil
	}

	t := &task{name: name, fn: fn, interval: interval}
	s.tasks[name] = t
	s.order = append(s.order, name)
	s.logger.Debugf("Registered task %s every %s", name, interval)

	if s.started {
		s.launch(t)
	}
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Interval returns the interval of a registered task.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return 0, false
	}
	return t.interval, true
}

// Start arms every registered task. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, name := range s.order {
		s.launch(s.tasks[name])
	}
	s.logger.Infof("Scheduler started with %d tasks", len(s.order))
}

// Shutdown stops all timers and waits for running invocations to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// launch must be called with mu held.
func (s *Scheduler) launch(t *task) {
	s.wg.Add(1)
	go s.loop(s.ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lifecycle.Terminated():
			return
		case <-s.clock.After(t.interval):
		}

		if s.lifecycle.State().IsTerminal() || ctx.Err() != nil {
			return
		}
		s.invoke(ctx, t)
	}
}

func (s *Scheduler) invoke(ctx context.Context, t *task) {
	timer := telemetry.NewTimer()
	spanCtx, span := s.tel.Tracer.StartTaskSpan(ctx, t.name)
	defer span.End()

	err := s.safeCall(spanCtx, t)

	status := "succeeded"
	switch {
	case err == nil:
	case engine.IsRetryable(err):
		status = "skipped"
		s.logger.WithField("task", t.name).Debugf("Scheduled task skipped: %v", err)
	default:
		status = "failed"
		telemetry.RecordError(span, err)
		s.logger.WithField("task", t.name).WithError(err).Error("Scheduled task failed")
		s.tel.CaptureException(spanCtx, err)
	}
	s.tel.Metrics.RecordTaskRun(t.name, status, timer.Duration())
}

func (s *Scheduler) safeCall(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}
