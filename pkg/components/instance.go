// Package components implements the control objects for the containers the
// supervisor manages: the primary application, the system plugins and the
// add-ons.
package components

import (
	"context"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// instance is the container-backed part shared by every component. Mutating
// operations run as jobs on the component lock, so a second operation while
// one is running fails fast and InProgress reports the lock.
type instance struct {
	slug      string
	container string
	runtime   Runtime
	lock      *jobs.Lock
	checker   *jobs.Checker
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

func newInstance(slug, container string, runtime Runtime, tel *telemetry.Telemetry) instance {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return instance{
		slug:      slug,
		container: container,
		runtime:   runtime,
		lock:      jobs.NewLock(slug),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger(slug),
	}
}

// Slug implements engine.Component.
func (i *instance) Slug() string {
	return i.slug
}

// ContainerName returns the runtime name of the container.
func (i *instance) ContainerName() string {
	return i.container
}

// IsRunning implements engine.Component.
func (i *instance) IsRunning(ctx context.Context) (bool, error) {
	return i.runtime.IsRunning(ctx, i.container)
}

// InProgress implements engine.Component.
func (i *instance) InProgress() bool {
	return i.lock.Locked()
}

// Stats samples container resource usage.
func (i *instance) Stats(ctx context.Context) (*Stats, error) {
	return i.runtime.Stats(ctx, i.container)
}

// guard runs fn as a job holding the component lock.
func (i *instance) guard(ctx context.Context, operation string, fn func(context.Context) error) error {
	return i.guardWhen(ctx, operation, nil, fn)
}

// guardWhen is guard with conditions evaluated by the instance checker
// before the lock is taken.
func (i *instance) guardWhen(ctx context.Context, operation string, conditions []jobs.Condition, fn func(context.Context) error) error {
	job := jobs.NewJob(i.slug+"_"+operation, i.checker,
		jobs.WithConditions(conditions...),
		jobs.WithLock(i.lock),
		jobs.WithTelemetry(i.tel),
	)
	err := job.Run(ctx, fn)
	if err != nil && !engine.IsInProgress(err) && !engine.IsConditionFailed(err) {
		i.logger.WithError(err).Errorf("%s failed", operation)
	}
	return err
}
