package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/jobs"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "supervisor.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"issues", "job_runs", "snapshot_events", "replications"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestIssueLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	issue := &Issue{ID: "i-1", Kind: "free_space", Context: "system", CreatedAt: now}
	if err := store.CreateIssue(ctx, issue); err != nil {
		t.Fatalf("failed to create issue: %v", err)
	}

	dup := &Issue{ID: "i-2", Kind: "free_space", Context: "system", CreatedAt: now}
	if err := store.CreateIssue(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	other := &Issue{ID: "i-3", Kind: "update_failed", Context: "core", Reference: "core", CreatedAt: now.Add(time.Second)}
	if err := store.CreateIssue(ctx, other); err != nil {
		t.Fatalf("failed to create issue: %v", err)
	}

	open, err := store.ListIssues(ctx, false)
	if err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(open) != 2 || open[0].ID != "i-3" {
		t.Fatalf("expected 2 open issues newest first, got %+v", open)
	}

	if err := store.DismissIssue(ctx, "i-1"); err != nil {
		t.Fatalf("failed to dismiss: %v", err)
	}
	if err := store.DismissIssue(ctx, "i-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second dismiss = %v, want ErrNotFound", err)
	}

	// A dismissed issue no longer blocks a new one of the same kind.
	if err := store.CreateIssue(ctx, dup); err != nil {
		t.Fatalf("failed to recreate issue after dismiss: %v", err)
	}

	all, err := store.ListIssues(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 issues including dismissed, got %d", len(all))
	}
}

func TestJobRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	runs := []jobs.Run{
		{ID: "r1", Name: "snapshot_full", Outcome: jobs.OutcomeSucceeded, StartedAt: base, CompletedAt: base.Add(time.Second)},
		{ID: "r2", Name: "snapshot_full", Outcome: jobs.OutcomeCondition, Condition: "free_space", Error: "condition not met", StartedAt: base.Add(time.Minute), CompletedAt: base.Add(time.Minute)},
		{ID: "r3", Name: "watchdog_core_docker", Outcome: jobs.OutcomeFailed, Error: "boom", StartedAt: base.Add(2 * time.Minute), CompletedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := store.RecordJob(ctx, r); err != nil {
			t.Fatalf("failed to record %s: %v", r.ID, err)
		}
	}

	name := "snapshot_full"
	got, err := store.ListJobRuns(ctx, &name, 10, 0)
	if err != nil {
		t.Fatalf("failed to list job runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].ID != "r2" || got[0].Condition != "free_space" || got[0].Outcome != jobs.OutcomeCondition {
		t.Errorf("unexpected newest run %+v", got[0])
	}
	if got[1].Error != "" {
		t.Errorf("expected empty error, got %q", got[1].Error)
	}

	all, err := store.ListJobRuns(ctx, nil, 10, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d (%v)", len(all), err)
	}

	pruned, err := store.PruneJobRuns(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned, got %d", pruned)
	}
}

func TestSnapshotEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	msg := "invalid password"
	events := []*SnapshotEvent{
		{Slug: "a1b2c3d4", Operation: "create_full", Status: SnapshotEventSucceeded, Size: 4096, Timestamp: now},
		{Slug: "a1b2c3d4", Operation: "restore_full", Status: SnapshotEventRejected, Message: &msg, Timestamp: now.Add(time.Second)},
		{Slug: "ffff0000", Operation: "create_partial", Status: SnapshotEventFailed, Timestamp: now.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := store.AppendSnapshotEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	slug := "a1b2c3d4"
	got, err := store.ListSnapshotEvents(ctx, &slug, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Operation != "restore_full" || got[0].Message == nil || *got[0].Message != msg {
		t.Errorf("unexpected newest event %+v", got[0])
	}

	page, err := store.ListSnapshotEvents(ctx, nil, 1, 1)
	if err != nil || len(page) != 1 || page[0].Operation != "restore_full" {
		t.Fatalf("pagination returned %+v, %v", page, err)
	}
}

func TestReplications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	ok, err := store.IsReplicated(ctx, "a1b2c3d4", "nas")
	if err != nil || ok {
		t.Fatalf("IsReplicated before upload = %v, %v", ok, err)
	}

	rep := &Replication{Slug: "a1b2c3d4", Target: "nas", RemotePath: "/backup/a1b2c3d4.tar", Size: 10, UploadedAt: now}
	if err := store.MarkReplicated(ctx, rep); err != nil {
		t.Fatalf("failed to mark: %v", err)
	}
	rep.Size = 20
	if err := store.MarkReplicated(ctx, rep); err != nil {
		t.Fatalf("failed to re-mark: %v", err)
	}

	ok, err = store.IsReplicated(ctx, "a1b2c3d4", "nas")
	if err != nil || !ok {
		t.Fatalf("IsReplicated after upload = %v, %v", ok, err)
	}

	reps, err := store.ListReplications(ctx, "nas")
	if err != nil {
		t.Fatal(err)
	}
	if len(reps) != 1 || reps[0].Size != 20 {
		t.Fatalf("expected one refreshed replication, got %+v", reps)
	}

	if err := store.DeleteReplication(ctx, "a1b2c3d4", "nas"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := store.DeleteReplication(ctx, "a1b2c3d4", "nas"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}
