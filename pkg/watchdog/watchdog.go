// Package watchdog keeps managed components alive. It checks containers and
// their applications on a schedule, escalates recovery actions, corrects
// stale recorded state and applies pending automatic updates.
//
// Checks work on the engine.Component capability set and optional
// capabilities discovered by type assertion, so the same algorithm serves
// the core, the plugins and every add-on.
package watchdog

import (
	"context"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Action is what a check did to a component.
type Action string

const (
	ActionNone    Action = "none"
	ActionMiss    Action = "miss"
	ActionStart   Action = "start"
	ActionRestart Action = "restart"
	ActionRebuild Action = "rebuild"
	ActionStop    Action = "deactivate"
	ActionUpdate  Action = "update"
)

// Escalation recovers a component whose application check failed twice.
type Escalation func(ctx context.Context, c engine.Component) (Action, error)

// EscalateRestart restarts the component.
func EscalateRestart(ctx context.Context, c engine.Component) (Action, error) {
	return ActionRestart, c.Restart(ctx)
}

// EscalateRebuild recreates the component container.
func EscalateRebuild(ctx context.Context, c engine.Component) (Action, error) {
	return ActionRebuild, c.Rebuild(ctx)
}

// EscalateRestartThenRebuild restarts and rebuilds when the restart fails.
func EscalateRestartThenRebuild(ctx context.Context, c engine.Component) (Action, error) {
	err := c.Restart(ctx)
	if err == nil || engine.IsInProgress(err) {
		return ActionRestart, err
	}
	return ActionRebuild, c.Rebuild(ctx)
}

// Watchdog runs checks and owns the per-component retry counters.
type Watchdog struct {
	checker *jobs.Checker
	issues  engine.IssueReporter
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	mu      sync.Mutex
	retries map[string]int
}

// New creates a watchdog. checker gates update maintenance on free space;
// issues may be nil.
func New(checker *jobs.Checker, issues engine.IssueReporter, tel *telemetry.Telemetry) *Watchdog {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Watchdog{
		checker: checker,
		issues:  issues,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("watchdog"),
		retries: make(map[string]int),
	}
}

// RetryCount returns the consecutive application check misses of slug.
func (w *Watchdog) RetryCount(slug string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retries[slug]
}

func (w *Watchdog) resetRetry(slug string) {
	w.mu.Lock()
	delete(w.retries, slug)
	w.mu.Unlock()
}

func (w *Watchdog) miss(slug string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retries[slug]++
	return w.retries[slug]
}

func recordedStarted(c engine.Component) bool {
	rec, ok := c.(engine.StateRecorder)
	return !ok || rec.RecordedState() == engine.ComponentStarted
}

func (w *Watchdog) report(ctx context.Context, c engine.Component, action Action, err error) {
	w.tel.Metrics.RecordWatchdogAction(c.Slug(), string(action), err)
	if err != nil {
		w.logger.WithSlug(c.Slug()).WithError(err).Errorf("Watchdog %s failed", action)
		w.tel.CaptureException(ctx, err)
	}
}

// Liveness starts a component whose container is not running. Components
// in progress, without watchdog or recorded as stopped are left alone.
// Components able to detect a networking loop run that check first. When
// fallback is set it runs after a failed start. Errors are logged and
// captured, never returned; the next tick retries.
func (w *Watchdog) Liveness(ctx context.Context, c engine.Component, fallback Escalation) Action {
	if !c.Watchdog() || c.InProgress() || !recordedStarted(c) {
		return ActionNone
	}
	running, err := c.IsRunning(ctx)
	if err != nil {
		w.logger.WithSlug(c.Slug()).WithError(err).Warn("Can't read container state")
		return ActionNone
	}
	if running {
		return ActionNone
	}

	logger := w.logger.WithSlug(c.Slug())
	logger.Warn("Watchdog found a stopped container")

	if ld, ok := c.(engine.LoopDetector); ok {
		if err := ld.LoopDetection(ctx); err != nil {
			logger.WithError(err).Warn("Loop detection failed")
		}
	}

	err = c.Start(ctx)
	w.report(ctx, c, ActionStart, err)
	if err == nil || fallback == nil || engine.IsInProgress(err) {
		return ActionStart
	}

	logger.Info("Start failed, trying harder")
	action, err := fallback(ctx, c)
	w.report(ctx, c, action, err)
	return action
}

// Application checks the service behind a running container. The first
// failed check only counts a miss. The second consecutive one runs
// escalate and resets the counter whatever the outcome. A passing check, a
// stopped container or an operation in progress resets the counter.
func (w *Watchdog) Application(ctx context.Context, c engine.Component, escalate Escalation) Action {
	app, ok := c.(engine.ApplicationChecker)
	if !ok || !c.Watchdog() || !recordedStarted(c) {
		return ActionNone
	}
	slug := c.Slug()
	if c.InProgress() {
		w.resetRetry(slug)
		return ActionNone
	}
	running, err := c.IsRunning(ctx)
	if err != nil {
		return ActionNone
	}
	if !running {
		// Stopped containers belong to the liveness check. A miss seen
		// before the stop does not count towards the next escalation.
		w.resetRetry(slug)
		return ActionNone
	}

	healthy, err := app.CheckApplication(ctx)
	if err == nil && healthy {
		w.resetRetry(slug)
		return ActionNone
	}

	logger := w.logger.WithSlug(slug)
	if w.miss(slug) == 1 {
		logger.Warn("Watchdog missed an application response")
		w.tel.Metrics.RecordWatchdogAction(slug, string(ActionMiss), nil)
		return ActionMiss
	}

	logger.Error("Watchdog found an application problem")
	defer w.resetRetry(slug)
	if escalate == nil {
		escalate = EscalateRestart
	}
	action, err := escalate(ctx, c)
	w.report(ctx, c, action, err)
	return action
}

// Refresh corrects the recorded state of components without watchdog that
// are recorded started but not running. It returns how many were changed.
func (w *Watchdog) Refresh(ctx context.Context, components []engine.Component) int {
	changed := 0
	for _, c := range components {
		rec, ok := c.(engine.StateRecorder)
		if !ok || c.Watchdog() || c.InProgress() || rec.RecordedState() != engine.ComponentStarted {
			continue
		}
		running, err := c.IsRunning(ctx)
		if err != nil || running {
			continue
		}
		w.logger.WithSlug(c.Slug()).Info("Component stopped, adjusting recorded state")
		rec.SetRecordedState(engine.ComponentStopped)
		w.tel.Metrics.RecordWatchdogAction(c.Slug(), string(ActionStop), nil)
		changed++
	}
	return changed
}

// Update applies pending automatic updates one component at a time. Low
// free space raises an issue and pauses the pass. Failed updates are
// logged and the pass continues.
func (w *Watchdog) Update(ctx context.Context, components []engine.Component) {
	for _, c := range components {
		u, ok := c.(engine.Updatable)
		if !ok || !u.AutoUpdate() || !u.NeedUpdate() {
			continue
		}
		if w.checker != nil && !w.checker.Check(jobs.ConditionFreeSpace) {
			w.logger.Warn("Not enough free space, pausing updates")
			if w.issues != nil {
				w.issues.CreateIssue(ctx, engine.IssueFreeSpace, engine.ContextSystem, "")
			}
			return
		}

		w.logger.WithSlug(c.Slug()).Infof("Found new version %s, updating", u.LatestVersion())
		err := u.Update(ctx, "")
		w.report(ctx, c, ActionUpdate, err)
	}
}
