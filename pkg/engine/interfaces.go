package engine

import (
	"context"
)

// Component is the capability set every managed container exposes to the
// watchdog and the snapshot manager. Core, plugins and add-ons implement it.
type Component interface {
	// Slug returns the stable identifier of the component.
	Slug() string

	// IsRunning queries the container runtime for the live state.
	IsRunning(ctx context.Context) (bool, error)

	// InProgress reports whether a mutating operation holds the component lock.
	InProgress() bool

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	// Rebuild recreates the container from its image.
	Rebuild(ctx context.Context) error

	// Watchdog reports whether automatic recovery is enabled.
	Watchdog() bool
}

// ApplicationChecker is implemented by components with a service-level
// readiness check beyond the container being up.
type ApplicationChecker interface {
	CheckApplication(ctx context.Context) (bool, error)
}

// LoopDetector is implemented by networking components that can detect
// forwarding loops before being restarted.
type LoopDetector interface {
	LoopDetection(ctx context.Context) error
}

// ComponentState is the recorded desired state of a component.
type ComponentState string

const (
	ComponentStarted ComponentState = "started"
	ComponentStopped ComponentState = "stopped"
	ComponentUnknown ComponentState = "unknown"
	ComponentError   ComponentState = "error"
)

// StateRecorder is implemented by components that keep a recorded
// started/stopped state in addition to the live container state.
type StateRecorder interface {
	RecordedState() ComponentState
	SetRecordedState(state ComponentState)
}

// Updatable is implemented by components that can be updated to a newer version.
type Updatable interface {
	Version() string
	LatestVersion() string
	NeedUpdate() bool
	AutoUpdate() bool
	Update(ctx context.Context, version string) error
}

// ExceptionCapturer receives errors that were handled locally but should be
// reported to error tracking.
type ExceptionCapturer interface {
	CaptureException(ctx context.Context, err error)
}

// IssueKind identifies a class of problem reported to the resolution center.
type IssueKind string

const (
	IssueFreeSpace       IssueKind = "free_space"
	IssueUpdateFailed    IssueKind = "update_failed"
	IssueUpdateRollback  IssueKind = "update_rollback"
	IssueDNSLoop         IssueKind = "dns_loop"
	IssueCorruptSnapshot IssueKind = "corrupt_snapshot"
)

// IssueContext names the area an issue belongs to.
type IssueContext string

const (
	ContextSystem     IssueContext = "system"
	ContextSupervisor IssueContext = "supervisor"
	ContextCore       IssueContext = "core"
	ContextPlugin     IssueContext = "plugin"
	ContextAddon      IssueContext = "addon"
)

// IssueReporter records issues for the operator.
type IssueReporter interface {
	CreateIssue(ctx context.Context, kind IssueKind, area IssueContext, reference string)
}

// NopCapturer discards captured errors.
type NopCapturer struct{}

// CaptureException implements ExceptionCapturer.
func (NopCapturer) CaptureException(context.Context, error) {}

// AddonInfo is the snapshot-relevant description of an installed add-on.
type AddonInfo struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version"`
}
