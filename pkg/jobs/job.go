package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Outcome is the result class of one job run.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeCondition  Outcome = "condition"
	OutcomeInProgress Outcome = "in_progress"
)

// Run describes one finished job invocation.
type Run struct {
	ID          string
	Name        string
	Outcome     Outcome
	Condition   string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Recorder persists job history.
type Recorder interface {
	RecordJob(ctx context.Context, run Run) error
}

// Job is a named operation guarded by conditions and an optional lock.
type Job struct {
	name       string
	conditions []Condition
	lock       *Lock
	checker    *Checker
	recorder   Recorder
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
}

// Option configures a Job.
type Option func(*Job)

// WithConditions sets the conditions checked, in order, before the body runs.
func WithConditions(conditions ...Condition) Option {
	return func(j *Job) {
		j.conditions = append(j.conditions, conditions...)
	}
}

// WithLock makes the job mutually exclusive with every other job sharing l.
func WithLock(l *Lock) Option {
	return func(j *Job) {
		j.lock = l
	}
}

// WithRecorder stores every run outcome through r.
func WithRecorder(r Recorder) Option {
	return func(j *Job) {
		j.recorder = r
	}
}

// WithTelemetry attaches logging, tracing and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(j *Job) {
		if tel != nil {
			j.tel = tel
			j.logger = tel.Logger.NewComponentLogger("jobs")
		}
	}
}

// NewJob creates a job. checker may be nil when no conditions are set.
func NewJob(name string, checker *Checker, opts ...Option) *Job {
	j := &Job{
		name:    name,
		checker: checker,
		logger:  telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.WithJob(name)
	return j
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Lock returns the job lock, or nil.
func (j *Job) Lock() *Lock {
	return j.lock
}

// Run executes fn if the lock is free and every condition holds.
//
// A held lock yields an in-progress error without checking conditions. The
// first failing condition yields a condition error. Errors returned by fn
// propagate unchanged. The lock is released on every exit path, including
// panics and context cancellation.
func (j *Job) Run(ctx context.Context, fn func(context.Context) error) error {
	started := time.Now()

	if j.lock != nil && j.lock.Locked() {
		err := engine.NewInProgressError(j.name, j.lock.Name())
		j.logger.Warnf("Can't run %s, %s is in progress", j.name, j.lock.Name())
		j.finish(ctx, started, OutcomeInProgress, "", err)
		return err
	}

	for _, cond := range j.conditions {
		if j.checker == nil || !j.checker.Check(cond) {
			err := engine.NewConditionError(j.name, string(cond))
			j.logger.Warnf("Can't run %s, condition %s not met", j.name, cond)
			j.finish(ctx, started, OutcomeCondition, string(cond), err)
			return err
		}
	}

	if j.lock != nil {
		if !j.lock.TryAcquire() {
			err := engine.NewInProgressError(j.name, j.lock.Name())
			j.finish(ctx, started, OutcomeInProgress, "", err)
			return err
		}
		defer j.lock.Release()
	}

	var tracer *telemetry.Tracer
	if j.tel != nil {
		tracer = j.tel.Tracer
	}
	spanCtx, span := tracer.StartJobSpan(ctx, j.name)
	defer span.End()

	err := fn(spanCtx)
	if err != nil {
		telemetry.RecordError(span, err)
		j.finish(ctx, started, OutcomeFailed, "", err)
		return err
	}
	telemetry.RecordSuccess(span)
	j.finish(ctx, started, OutcomeSucceeded, "", nil)
	return nil
}

func (j *Job) finish(ctx context.Context, started time.Time, outcome Outcome, condition string, err error) {
	if j.tel != nil {
		j.tel.Metrics.RecordJobOutcome(j.name, string(outcome))
	}
	if j.recorder == nil {
		return
	}

	run := Run{
		ID:          uuid.New().String(),
		Name:        j.name,
		Outcome:     outcome,
		Condition:   condition,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err != nil {
		run.Error = err.Error()
	}
	if recErr := j.recorder.RecordJob(context.WithoutCancel(ctx), run); recErr != nil {
		j.logger.WithError(recErr).Debug("Failed to record job run")
	}
}
