package jobs

import (
	"github.com/dustin/go-humanize"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Condition is a named precondition evaluated right before a job runs.
type Condition string

const (
	ConditionFreeSpace      Condition = "free_space"
	ConditionHealthy        Condition = "healthy"
	ConditionRunning        Condition = "running"
	ConditionInternetHost   Condition = "internet_host"
	ConditionInternetSystem Condition = "internet_system"
)

// SystemStatus exposes the live facts conditions are evaluated against.
type SystemStatus interface {
	// FreeSpace returns the free bytes on the data partition.
	FreeSpace() uint64

	// Healthy reports whether no unhealthy reason is set.
	Healthy() bool

	// ConnectivityHost reports host level connectivity. Unknown counts as connected.
	ConnectivityHost() bool

	// ConnectivitySystem reports the supervisor's own connectivity check.
	ConnectivitySystem() bool
}

// Checker evaluates conditions. It is safe for concurrent use.
type Checker struct {
	lifecycle    *engine.Lifecycle
	status       SystemStatus
	minFreeSpace uint64
	ignored      map[Condition]bool
	logger       *telemetry.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithIgnoredConditions makes the listed conditions always pass.
func WithIgnoredConditions(conditions ...Condition) CheckerOption {
	return func(c *Checker) {
		for _, cond := range conditions {
			c.ignored[cond] = true
		}
	}
}

// WithCheckerLogger sets the logger used for condition warnings.
func WithCheckerLogger(logger *telemetry.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger.NewComponentLogger("jobs")
	}
}

// NewChecker creates a checker. minFreeSpace is the threshold in bytes for
// the free_space condition.
func NewChecker(lifecycle *engine.Lifecycle, status SystemStatus, minFreeSpace uint64, opts ...CheckerOption) *Checker {
	c := &Checker{
		lifecycle:    lifecycle,
		status:       status,
		minFreeSpace: minFreeSpace,
		ignored:      make(map[Condition]bool),
		logger:       telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check evaluates cond against the current system status.
func (c *Checker) Check(cond Condition) bool {
	if c.ignored[cond] {
		return true
	}

	switch cond {
	case ConditionRunning:
		if state := c.lifecycle.State(); state != engine.StateRunning {
			c.logger.Warnf("Supervisor is %s, not running", state)
			return false
		}
	case ConditionHealthy:
		if !c.status.Healthy() {
			c.logger.Warn("System is not healthy")
			return false
		}
	case ConditionFreeSpace:
		if free := c.status.FreeSpace(); free < c.minFreeSpace {
			c.logger.Warnf("Not enough free space, %s left, %s required",
				humanize.Bytes(free), humanize.Bytes(c.minFreeSpace))
			return false
		}
	case ConditionInternetHost:
		if !c.status.ConnectivityHost() {
			c.logger.Warn("Host has no internet connection")
			return false
		}
	case ConditionInternetSystem:
		if !c.status.ConnectivitySystem() {
			c.logger.Warn("Supervisor has no internet connection")
			return false
		}
	default:
		c.logger.Warnf("Unknown job condition %q", cond)
		return false
	}
	return true
}
