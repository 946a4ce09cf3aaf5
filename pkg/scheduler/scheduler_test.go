package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
)

// fakeClock fires waiters only when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil waits until n timers are armed.
func (c *fakeClock) BlockUntil(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d timers, have %d", n, c.pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func newRunningScheduler(t *testing.T) (*Scheduler, *fakeClock, *engine.Lifecycle) {
	t.Helper()
	lc := engine.NewLifecycle(nil)
	lc.SetState(engine.StateRunning)
	clock := newFakeClock()
	s := New(lc, WithClock(clock))
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s, clock, lc
}

func TestRegisterTaskValidation(t *testing.T) {
	s, _, _ := newRunningScheduler(t)
	noop := func(context.Context) error { return nil }

	if err := s.RegisterTask("", noop, time.Second); err == nil {
		t.Error("expected error for empty name")
	}
	if err := s.RegisterTask("a", nil, time.Second); err == nil {
		t.Error("expected error for nil function")
	}
	if err := s.RegisterTask("a", noop, 500*time.Millisecond); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestRegisterTaskIdempotent(t *testing.T) {
	s, _, _ := newRunningScheduler(t)
	noop := func(context.Context) error { return nil }

	if err := s.RegisterTask("watchdog_core", noop, 15*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterTask("watchdog_core", noop, 30*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := s.Tasks(); len(got) != 1 {
		t.Fatalf("expected 1 task, got %v", got)
	}
	if interval, _ := s.Interval("watchdog_core"); interval != 15*time.Second {
		t.Errorf("expected first interval kept, got %s", interval)
	}
}

func TestFailingTaskDoesNotAffectOthers(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)

	var aCalls, bCalls atomic.Int32
	_ = s.RegisterTask("a", func(context.Context) error {
		n := aCalls.Add(1)
		if n == 1 {
			return errors.New("first call fails")
		}
		return nil
	}, time.Second)
	_ = s.RegisterTask("b", func(context.Context) error {
		bCalls.Add(1)
		return nil
	}, 2*time.Second)

	s.Start(context.Background())
	clock.BlockUntil(t, 2)

	clock.Advance(time.Second) // t=1: a
	clock.BlockUntil(t, 2)
	clock.Advance(time.Second) // t=2: a, b
	clock.BlockUntil(t, 2)

	if got := aCalls.Load(); got != 2 {
		t.Errorf("expected a called twice, got %d", got)
	}
	if got := bCalls.Load(); got != 1 {
		t.Errorf("expected b called once, got %d", got)
	}
}

func TestPanickingTaskKeepsSchedule(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)

	var calls atomic.Int32
	_ = s.RegisterTask("flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, time.Second)

	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		clock.BlockUntil(t, 1)
		clock.Advance(time.Second)
	}
	clock.BlockUntil(t, 1)

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestTaskNeverOverlapsItself(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 10)
	var calls atomic.Int32
	_ = s.RegisterTask("slow", func(context.Context) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	}, time.Second)

	s.Start(context.Background())
	clock.BlockUntil(t, 1)
	clock.Advance(time.Second)
	<-entered

	// While the first invocation blocks no timer is armed for it.
	clock.Advance(5 * time.Second)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single invocation, got %d", got)
	}
	close(release)
	clock.BlockUntil(t, 1)
}

func TestTerminalStateStopsFiring(t *testing.T) {
	s, clock, lc := newRunningScheduler(t)

	var calls atomic.Int32
	_ = s.RegisterTask("a", func(context.Context) error {
		calls.Add(1)
		return nil
	}, time.Second)

	s.Start(context.Background())
	clock.BlockUntil(t, 1)
	lc.SetState(engine.StateClose)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task loops did not exit on close")
	}

	clock.Advance(10 * time.Second)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no calls after close, got %d", got)
	}
}

func TestRegisterAfterStartIsArmed(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)
	s.Start(context.Background())

	called := make(chan struct{}, 1)
	_ = s.RegisterTask("late", func(context.Context) error {
		called <- struct{}{}
		return nil
	}, time.Second)

	clock.BlockUntil(t, 1)
	clock.Advance(time.Second)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("late task never ran")
	}
}

func TestShutdownWaitsForTasks(t *testing.T) {
	s, clock, _ := newRunningScheduler(t)

	entered := make(chan struct{})
	var finished atomic.Bool
	_ = s.RegisterTask("a", func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		finished.Store(true)
		return ctx.Err()
	}, time.Second)

	s.Start(context.Background())
	clock.BlockUntil(t, 1)
	clock.Advance(time.Second)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !finished.Load() {
		t.Error("shutdown returned before the task finished")
	}
}
