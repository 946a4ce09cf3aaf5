package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/scheduler"
)

// Intervals are the periods of the supervisor's recurring tasks.
type Intervals struct {
	CoreDocker       time.Duration
	CoreAPI          time.Duration
	AddonDocker      time.Duration
	AddonApplication time.Duration
	AddonRefresh     time.Duration
	UpdateSupervisor time.Duration
	UpdatePlugins    time.Duration
	UpdateAddons     time.Duration
}

// DefaultIntervals returns the production intervals.
func DefaultIntervals() Intervals {
	return Intervals{
		CoreDocker:       15 * time.Second,
		CoreAPI:          120 * time.Second,
		AddonDocker:      30 * time.Second,
		AddonApplication: 120 * time.Second,
		AddonRefresh:     15 * time.Second,
		UpdateSupervisor: 29100 * time.Second,
		UpdatePlugins:    28800 * time.Second,
		UpdateAddons:     57600 * time.Second,
	}
}

// PluginTarget is a plugin with its own check intervals. A zero
// Application interval disables the application check.
type PluginTarget struct {
	Component   engine.Component
	Docker      time.Duration
	Application time.Duration
}

// Maintenance is an extra recurring task run under the same guard as the
// checks, such as reloading the snapshot catalog.
type Maintenance struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Tasks binds watchdog checks to components and registers them with a
// scheduler.
type Tasks struct {
	Watchdog  *Watchdog
	Checker   *jobs.Checker
	Intervals Intervals

	// Self is the supervisor's own updatable container. Nil skips the
	// self-update task.
	Self engine.Component

	Core    engine.Component
	Plugins []PluginTarget

	// Addons returns the installed add-ons at call time.
	Addons func() []engine.Component

	Maintenance []Maintenance
}

func (t *Tasks) guard(name string, fn func(ctx context.Context)) scheduler.TaskFunc {
	job := jobs.NewJob(name, t.Checker,
		jobs.WithConditions(jobs.ConditionRunning),
		jobs.WithTelemetry(t.Watchdog.tel),
	)
	return func(ctx context.Context) error {
		return job.Run(ctx, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
	}
}

func (t *Tasks) guardErr(name string, fn func(ctx context.Context) error) scheduler.TaskFunc {
	job := jobs.NewJob(name, t.Checker,
		jobs.WithConditions(jobs.ConditionRunning),
		jobs.WithTelemetry(t.Watchdog.tel),
	)
	return func(ctx context.Context) error {
		return job.Run(ctx, fn)
	}
}

func (t *Tasks) addons() []engine.Component {
	if t.Addons == nil {
		return nil
	}
	return t.Addons()
}

// Register adds every task to s.
func (t *Tasks) Register(s *scheduler.Scheduler) error {
	w := t.Watchdog
	type entry struct {
		name     string
		fn       scheduler.TaskFunc
		interval time.Duration
	}
	var entries []entry

	if t.Self != nil {
		self := t.Self
		entries = append(entries, entry{"update_supervisor", t.guard("update_supervisor", func(ctx context.Context) {
			w.Update(ctx, []engine.Component{self})
		}), t.Intervals.UpdateSupervisor})
	}

	if t.Core != nil {
		core := t.Core
		entries = append(entries,
			entry{"watchdog_core_docker", t.guard("watchdog_core_docker", func(ctx context.Context) {
				w.Liveness(ctx, core, EscalateRebuild)
			}), t.Intervals.CoreDocker},
			entry{"watchdog_core_api", t.guard("watchdog_core_api", func(ctx context.Context) {
				w.Application(ctx, core, EscalateRestartThenRebuild)
			}), t.Intervals.CoreAPI},
		)
	}

	for _, p := range t.Plugins {
		plugin := p.Component
		name := "watchdog_" + plugin.Slug() + "_docker"
		entries = append(entries, entry{name, t.guard(name, func(ctx context.Context) {
			w.Liveness(ctx, plugin, nil)
		}), p.Docker})

		if p.Application > 0 {
			name := "watchdog_" + plugin.Slug() + "_application"
			entries = append(entries, entry{name, t.guard(name, func(ctx context.Context) {
				w.Application(ctx, plugin, EscalateRebuild)
			}), p.Application})
		}

		name = "update_" + plugin.Slug()
		entries = append(entries, entry{name, t.guard(name, func(ctx context.Context) {
			w.Update(ctx, []engine.Component{plugin})
		}), t.Intervals.UpdatePlugins})
	}

	entries = append(entries,
		entry{"watchdog_addon_docker", t.guard("watchdog_addon_docker", func(ctx context.Context) {
			for _, a := range t.addons() {
				w.Liveness(ctx, a, nil)
			}
		}), t.Intervals.AddonDocker},
		entry{"watchdog_addon_application", t.guard("watchdog_addon_application", func(ctx context.Context) {
			for _, a := range t.addons() {
				w.Application(ctx, a, EscalateRestart)
			}
		}), t.Intervals.AddonApplication},
		entry{"refresh_addon", t.guard("refresh_addon", func(ctx context.Context) {
			w.Refresh(ctx, t.addons())
		}), t.Intervals.AddonRefresh},
		entry{"update_addons", t.guard("update_addons", func(ctx context.Context) {
			w.Update(ctx, t.addons())
		}), t.Intervals.UpdateAddons},
	)

	for _, m := range t.Maintenance {
		entries = append(entries, entry{m.Name, t.guardErr(m.Name, m.Run), m.Interval})
	}

	for _, e := range entries {
		if err := s.RegisterTask(e.name, e.fn, e.interval); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	w.logger.Infof("All watchdog tasks are scheduled (%d)", len(entries))
	return nil
}
