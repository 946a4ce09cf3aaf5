package snapshots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/stores"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Core is the primary application as seen by snapshots.
type Core interface {
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Version() string
	Settings() components.CoreSettings
	ApplySettings(settings components.CoreSettings) error
	Update(ctx context.Context, version string) error
	CheckAPIState(ctx context.Context) bool
}

// Addons is the installed add-on set as seen by snapshots.
type Addons interface {
	InstalledAddons() []engine.AddonInfo
	BackupAddon(ctx context.Context, slug string, w io.Writer) error
	RestoreAddon(ctx context.Context, slug string, r io.Reader) error
	UninstallAddon(ctx context.Context, slug string) error
}

// Coordinator stops the core and every add-on before a full restore.
type Coordinator interface {
	Shutdown(ctx context.Context) error
}

// RepositoryStore holds the add-on store repository list.
type RepositoryStore interface {
	List() []string
	Update(urls []string) error
}

// RegistryStore holds container registry credentials.
type RegistryStore interface {
	All() map[string]components.Credential
	Set(server string, cred components.Credential) error
}

// EventStore receives the history of snapshot operations.
type EventStore interface {
	AppendSnapshotEvent(ctx context.Context, event *stores.SnapshotEvent) error
}

// Config locates snapshot data.
type Config struct {
	// BackupDir holds the archives, one <slug>.tar each.
	BackupDir string

	// TmpDir holds staging and extraction directories. It should live on
	// the same filesystem as BackupDir.
	TmpDir string

	// Folders maps folder names to host directories.
	Folders map[string]string

	Compression fsutil.CompressionLevel

	// ReloadConcurrency bounds parallel archive reads.
	ReloadConcurrency int
}

// Dependencies are the collaborators of the manager.
type Dependencies struct {
	Lifecycle    *engine.Lifecycle
	Checker      *jobs.Checker
	Core         Core
	Addons       Addons
	Coordinator  Coordinator
	Repositories RepositoryStore
	Registries   RegistryStore
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents records every operation outcome in events.
func WithEvents(events EventStore) Option {
	return func(m *Manager) {
		m.events = events
	}
}

// WithRecorder stores job runs through r.
func WithRecorder(r jobs.Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithIssues reports unreadable archives to issues.
func WithIssues(issues engine.IssueReporter) Option {
	return func(m *Manager) {
		m.issues = issues
	}
}

// WithTelemetry attaches logging, metrics, tracing and exception capture.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) {
		if tel != nil {
			m.tel = tel
		}
	}
}

// WithLock shares lock with other holders of the snapshot operation class.
func WithLock(lock *jobs.Lock) Option {
	return func(m *Manager) {
		m.lock = lock
	}
}

// WithClock replaces the wall clock used for snapshot dates.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

var (
	createConditions = []jobs.Condition{
		jobs.ConditionFreeSpace,
		jobs.ConditionRunning,
	}
	restoreConditions = []jobs.Condition{
		jobs.ConditionFreeSpace,
		jobs.ConditionHealthy,
		jobs.ConditionInternetHost,
		jobs.ConditionInternetSystem,
		jobs.ConditionRunning,
	}
)

// Manager owns the snapshot catalog and runs snapshot operations.
type Manager struct {
	cfg  Config
	deps Dependencies

	lock     *jobs.Lock
	events   EventStore
	recorder jobs.Recorder
	issues   engine.IssueReporter
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	now      func() time.Time

	mu      sync.RWMutex
	catalog map[string]*Snapshot
}

// New creates a snapshot manager. Call Load before use.
func New(cfg Config, deps Dependencies, opts ...Option) *Manager {
	if cfg.ReloadConcurrency < 1 {
		cfg.ReloadConcurrency = 4
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(cfg.BackupDir, ".tmp")
	}
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		tel:     telemetry.Nop(),
		now:     time.Now,
		catalog: make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lock == nil {
		m.lock = jobs.NewLock("snapshot")
	}
	m.logger = m.tel.Logger.NewComponentLogger("snapshots")
	return m
}

// Lock returns the global snapshot lock.
func (m *Manager) Lock() *jobs.Lock {
	return m.lock
}

// List returns all snapshots, oldest first.
func (m *Manager) List() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, 0, len(m.catalog))
	for _, s := range m.catalog {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date == out[j].Date {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Date < out[j].Date
	})
	return out
}

// Get returns the snapshot with slug.
func (m *Manager) Get(slug string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.catalog[slug]
	return s, ok
}

func (m *Manager) register(s *Snapshot) {
	m.mu.Lock()
	m.catalog[s.Slug] = s
	m.mu.Unlock()
	m.updateMetrics()
}

func (m *Manager) updateMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.catalog {
		total += s.Size
	}
	m.tel.Metrics.SetSnapshotCount(len(m.catalog))
	m.tel.Metrics.SetSnapshotSize(total)
}

// Load reads the catalog from the backup directory.
func (m *Manager) Load(ctx context.Context) error {
	return m.Reload(ctx)
}

// Reload rebuilds the catalog from the archives in the backup directory.
// Archives are read concurrently. Unreadable archives are skipped and
// reported.
func (m *Manager) Reload(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(m.cfg.BackupDir, "*.tar"))
	if err != nil {
		return err
	}
	m.logger.Infof("Found %d snapshot files", len(paths))

	var mu sync.Mutex
	catalog := make(map[string]*Snapshot, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ReloadConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap, err := readMetadata(path)
			if err != nil {
				m.logger.WithError(err).Warn("Skipping unreadable snapshot")
				if m.issues != nil {
					m.issues.CreateIssue(ctx, engine.IssueCorruptSnapshot, engine.ContextSystem, filepath.Base(path))
				}
				return nil
			}
			mu.Lock()
			catalog[snap.Slug] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	m.updateMetrics()
	return nil
}

// Remove deletes the archive of slug and drops it from the catalog. It
// fails with an in-progress error while another snapshot operation holds
// the lock.
func (m *Manager) Remove(ctx context.Context, slug string) error {
	return m.locked(ctx, "remove", func(ctx context.Context) error {
		return m.remove(ctx, slug)
	})
}

func (m *Manager) remove(ctx context.Context, slug string) error {
	snap, ok := m.Get(slug)
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(snap.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.WithSlug(slug).WithError(err).Error("Can't remove snapshot")
		m.recordEvent(ctx, slug, "remove", stores.SnapshotEventFailed, err, snap.Size)
		return fmt.Errorf("remove snapshot %s: %w", slug, err)
	}

	m.mu.Lock()
	delete(m.catalog, slug)
	m.mu.Unlock()
	m.updateMetrics()
	m.logger.WithSlug(slug).Info("Removed snapshot file")
	m.recordEvent(ctx, slug, "remove", stores.SnapshotEventSucceeded, nil, snap.Size)
	return nil
}

// Import validates the archive at path and moves it into the backup
// directory. An existing snapshot with the same slug is replaced. Like
// Remove it does not wait for a running snapshot operation.
func (m *Manager) Import(ctx context.Context, path string) (*Snapshot, error) {
	var snap *Snapshot
	err := m.locked(ctx, "import", func(ctx context.Context) (err error) {
		snap, err = m.importFile(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *Manager) importFile(ctx context.Context, path string) (*Snapshot, error) {
	snap, err := readMetadata(path)
	if err != nil {
		m.recordEvent(ctx, filepath.Base(path), "import", stores.SnapshotEventRejected, err, 0)
		return nil, engine.NewPermanentError("invalid snapshot archive", err).WithOperation("import")
	}
	logger := m.logger.WithSlug(snap.Slug)

	if _, exists := m.Get(snap.Slug); exists {
		logger.Warn("Snapshot already exists, overwriting")
		if err := m.remove(ctx, snap.Slug); err != nil {
			return nil, err
		}
	}

	dest := filepath.Join(m.cfg.BackupDir, snap.Slug+".tar")
	if err := moveFile(path, dest); err != nil {
		logger.WithError(err).Error("Can't move snapshot file to storage")
		m.recordEvent(ctx, snap.Slug, "import", stores.SnapshotEventFailed, err, 0)
		return nil, fmt.Errorf("import %s: %w", snap.Slug, err)
	}

	snap, err = readMetadata(dest)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", filepath.Base(dest), err)
	}
	m.register(snap)
	logger.Info("Successfully imported snapshot")
	m.recordEvent(ctx, snap.Slug, "import", stores.SnapshotEventSucceeded, nil, snap.Size)
	return snap, nil
}

func moveFile(src, dest string) error {
	if err := fsutil.RenameAndSync(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".import"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsutil.RenameAndSync(tmp, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

// busy reports whether a snapshot operation holds the lock or the
// supervisor is not in its running state.
func (m *Manager) busy() bool {
	return m.lock.Locked() || m.deps.Lifecycle.State() != engine.StateRunning
}

// locked runs fn as a job holding the snapshot lock, without conditions
// and without freezing.
func (m *Manager) locked(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	job := jobs.NewJob("snapshot_"+op, m.deps.Checker,
		jobs.WithLock(m.lock),
		jobs.WithRecorder(m.recorder),
		jobs.WithTelemetry(m.tel),
	)
	return job.Run(ctx, fn)
}

// execute runs one snapshot operation as a job holding the snapshot lock.
// prepare runs with the lock held but before the freeze and must not change
// anything. body runs frozen. The supervisor is back to running and the
// lock released whatever the outcome.
func (m *Manager) execute(ctx context.Context, op, slug string, conditions []jobs.Condition,
	prepare, body func(ctx context.Context) error) (err error) {
	timer := telemetry.NewTimer()
	job := jobs.NewJob("snapshot_"+op, m.deps.Checker,
		jobs.WithConditions(conditions...),
		jobs.WithLock(m.lock),
		jobs.WithRecorder(m.recorder),
		jobs.WithTelemetry(m.tel),
	)

	frozen := false
	defer func() {
		if frozen {
			m.deps.Lifecycle.SetState(engine.StateRunning)
		}
	}()

	err = job.Run(ctx, func(ctx context.Context) (err error) {
		if prepare != nil {
			if err := prepare(ctx); err != nil {
				return err
			}
		}

		m.deps.Lifecycle.SetState(engine.StateFreeze)
		frozen = true

		ctx, span := m.tel.Tracer.StartSnapshotSpan(ctx, op, slug)
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			if err != nil {
				telemetry.RecordError(span, err)
				m.logger.WithSlug(slug).WithError(err).Errorf("Snapshot %s failed", op)
				m.tel.CaptureException(ctx, err)
				err = engine.NewWorkflowError("snapshot "+op+" failed", err).
					WithResource(slug).WithOperation(op)
			}
		}()
		return body(ctx)
	})

	status := stores.SnapshotEventSucceeded
	switch {
	case err == nil:
	case engine.IsWorkflowError(err):
		status = stores.SnapshotEventFailed
	default:
		status = stores.SnapshotEventRejected
	}
	m.tel.Metrics.RecordSnapshotOperation(op, string(status), timer.Duration())

	var bytes int64
	if s, ok := m.Get(slug); ok && err == nil {
		bytes = s.Size
	}
	m.recordEvent(ctx, slug, op, status, err, bytes)
	return err
}

func (m *Manager) recordEvent(ctx context.Context, slug, op string, status stores.SnapshotEventStatus, cause error, size int64) {
	if m.events == nil {
		return
	}
	event := &stores.SnapshotEvent{
		Slug:      slug,
		Operation: op,
		Status:    status,
		Size:      size,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		msg := cause.Error()
		event.Message = &msg
	}
	if err := m.events.AppendSnapshotEvent(context.WithoutCancel(ctx), event); err != nil {
		m.logger.WithError(err).Debug("Failed to record snapshot event")
	}
}
