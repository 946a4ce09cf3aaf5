package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/OpenPeerPower/supervisor/pkg/jobs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an equal open issue already exists.
var ErrDuplicate = errors.New("duplicate")

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !s.cfg.inMemory() {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateIssue stores a new open issue. An open issue with the same kind,
// context and reference yields ErrDuplicate.
func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *Issue) error {
	query := `
		INSERT INTO issues (id, kind, context, reference, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		issue.ID,
		issue.Kind,
		issue.Context,
		issue.Reference,
		issue.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("issue %s/%s: %w", issue.Kind, issue.Context, ErrDuplicate)
		}
		return fmt.Errorf("failed to create issue: %w", err)
	}

	return nil
}

// ListIssues lists issues, newest first.
func (s *SQLiteStore) ListIssues(ctx context.Context, includeDismissed bool) ([]*Issue, error) {
	query := `
		SELECT id, kind, context, reference, created_at, dismissed_at
		FROM issues
		WHERE (? OR dismissed_at IS NULL)
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, includeDismissed)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	issues := []*Issue{}
	for rows.Next() {
		issue := &Issue{}
		err := rows.Scan(
			&issue.ID,
			&issue.Kind,
			&issue.Context,
			&issue.Reference,
			&issue.CreatedAt,
			&issue.DismissedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}

	return issues, nil
}

// DismissIssue marks an open issue as dismissed.
func (s *SQLiteStore) DismissIssue(ctx context.Context, id string) error {
	query := `UPDATE issues SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to dismiss issue: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}

	return nil
}

// RecordJob implements jobs.Recorder.
func (s *SQLiteStore) RecordJob(ctx context.Context, run jobs.Run) error {
	query := `
		INSERT INTO job_runs (id, name, outcome, condition, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if run.Error != "" {
		errMsg = &run.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		string(run.Outcome),
		run.Condition,
		errMsg,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}

	return nil
}

// ListJobRuns lists job runs, newest first, optionally filtered by job name.
func (s *SQLiteStore) ListJobRuns(ctx context.Context, name *string, limit, offset int) ([]*jobs.Run, error) {
	query := `
		SELECT id, name, outcome, condition, error, started_at, completed_at
		FROM job_runs
		WHERE (? IS NULL OR name = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, name, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	runs := []*jobs.Run{}
	for rows.Next() {
		run := &jobs.Run{}
		var outcome string
		var errMsg sql.NullString
		err := rows.Scan(
			&run.ID,
			&run.Name,
			&outcome,
			&run.Condition,
			&errMsg,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.Outcome = jobs.Outcome(outcome)
		run.Error = errMsg.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job runs: %w", err)
	}

	return runs, nil
}

// PruneJobRuns deletes job runs started before the cutoff.
func (s *SQLiteStore) PruneJobRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AppendSnapshotEvent appends a snapshot event
func (s *SQLiteStore) AppendSnapshotEvent(ctx context.Context, event *SnapshotEvent) error {
	query := `
		INSERT INTO snapshot_events (slug, operation, status, message, size, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.Slug,
		event.Operation,
		event.Status,
		event.Message,
		event.Size,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append snapshot event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListSnapshotEvents lists snapshot events, newest first.
func (s *SQLiteStore) ListSnapshotEvents(ctx context.Context, slug *string, limit, offset int) ([]*SnapshotEvent, error) {
	query := `
		SELECT id, slug, operation, status, message, size, timestamp
		FROM snapshot_events
		WHERE (? IS NULL OR slug = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, slug, slug, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot events: %w", err)
	}
	defer rows.Close()

	events := []*SnapshotEvent{}
	for rows.Next() {
		event := &SnapshotEvent{}
		err := rows.Scan(
			&event.ID,
			&event.Slug,
			&event.Operation,
			&event.Status,
			&event.Message,
			&event.Size,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot events: %w", err)
	}

	return events, nil
}

// MarkReplicated records or refreshes an upload of slug to target.
func (s *SQLiteStore) MarkReplicated(ctx context.Context, rep *Replication) error {
	query := `
		INSERT INTO replications (slug, target, remote_path, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (slug, target) DO UPDATE SET
			remote_path = excluded.remote_path,
			size = excluded.size,
			uploaded_at = excluded.uploaded_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rep.Slug,
		rep.Target,
		rep.RemotePath,
		rep.Size,
		rep.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark replication: %w", err)
	}

	return nil
}

// IsReplicated reports whether slug was uploaded to target.
func (s *SQLiteStore) IsReplicated(ctx context.Context, slug, target string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM replications WHERE slug = ? AND target = ?`, slug, target,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query replication: %w", err)
	}
	return count > 0, nil
}

// ListReplications lists uploads to target ordered by slug.
func (s *SQLiteStore) ListReplications(ctx context.Context, target string) ([]*Replication, error) {
	query := `
		SELECT slug, target, remote_path, size, uploaded_at
		FROM replications
		WHERE target = ?
		ORDER BY slug
	`

	rows, err := s.db.QueryContext(ctx, query, target)
	if err != nil {
		return nil, fmt.Errorf("failed to list replications: %w", err)
	}
	defer rows.Close()

	reps := []*Replication{}
	for rows.Next() {
		rep := &Replication{}
		if err := rows.Scan(&rep.Slug, &rep.Target, &rep.RemotePath, &rep.Size, &rep.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan replication: %w", err)
		}
		reps = append(reps, rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating replications: %w", err)
	}

	return reps, nil
}

// DeleteReplication forgets the upload of slug to target.
func (s *SQLiteStore) DeleteReplication(ctx context.Context, slug, target string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM replications WHERE slug = ? AND target = ?`, slug, target)
	if err != nil {
		return fmt.Errorf("failed to delete replication: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("replication %s/%s: %w", slug, target, ErrNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
