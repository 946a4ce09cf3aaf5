package stores

import (
	"context"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/jobs"
)

// Issue is a problem reported to the resolution center.
type Issue struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Context     string     `json:"context"`
	Reference   string     `json:"reference,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// SnapshotEventStatus is the result of a snapshot operation.
type SnapshotEventStatus string

const (
	SnapshotEventSucceeded SnapshotEventStatus = "succeeded"
	SnapshotEventFailed    SnapshotEventStatus = "failed"
	SnapshotEventRejected  SnapshotEventStatus = "rejected"
)

// SnapshotEvent is an append-only record of a snapshot operation.
type SnapshotEvent struct {
	ID        int64               `json:"id"`
	Slug      string              `json:"slug"`
	Operation string              `json:"operation"` // e.g., "create_full", "restore_partial", "remove", "import"
	Status    SnapshotEventStatus `json:"status"`
	Message   *string             `json:"message,omitempty"`
	Size      int64               `json:"size"`
	Timestamp time.Time           `json:"timestamp"`
}

// Replication records that a snapshot was uploaded to an off-site target.
type Replication struct {
	Slug       string    `json:"slug"`
	Target     string    `json:"target"`
	RemotePath string    `json:"remote_path"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Issue operations
	CreateIssue(ctx context.Context, issue *Issue) error
	ListIssues(ctx context.Context, includeDismissed bool) ([]*Issue, error)
	DismissIssue(ctx context.Context, id string) error

	// Job history
	RecordJob(ctx context.Context, run jobs.Run) error
	ListJobRuns(ctx context.Context, name *string, limit, offset int) ([]*jobs.Run, error)
	PruneJobRuns(ctx context.Context, before time.Time) (int64, error)

	// Snapshot events
	AppendSnapshotEvent(ctx context.Context, event *SnapshotEvent) error
	ListSnapshotEvents(ctx context.Context, slug *string, limit, offset int) ([]*SnapshotEvent, error)

	// Replication state
	MarkReplicated(ctx context.Context, rep *Replication) error
	IsReplicated(ctx context.Context, slug, target string) (bool, error)
	ListReplications(ctx context.Context, target string) ([]*Replication, error)
	DeleteReplication(ctx context.Context, slug, target string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
