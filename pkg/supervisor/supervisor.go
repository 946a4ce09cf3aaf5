// Package supervisor assembles the components, the job framework, the
// watchdog and the snapshot manager into one process and drives its
// lifecycle from setup to close.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/components"
	"github.com/OpenPeerPower/supervisor/pkg/config"
	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/host"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/resolution"
	"github.com/OpenPeerPower/supervisor/pkg/scheduler"
	"github.com/OpenPeerPower/supervisor/pkg/snapshots"
	"github.com/OpenPeerPower/supervisor/pkg/stores"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
	"github.com/OpenPeerPower/supervisor/pkg/transports/ssh"
	"github.com/OpenPeerPower/supervisor/pkg/watchdog"
)

// ObserverURL is the status endpoint of the observer plugin.
const ObserverURL = "http://127.0.0.1:4357/ping"

// plugin is a system plugin as loaded by the supervisor.
type plugin interface {
	engine.Component
	Load(ctx context.Context) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRuntime replaces the Docker Engine API runtime.
func WithRuntime(rt components.Runtime) Option {
	return func(s *Supervisor) {
		s.runtime = rt
	}
}

// WithStatus replaces the host status used by job conditions.
func WithStatus(status jobs.SystemStatus) Option {
	return func(s *Supervisor) {
		s.status = status
	}
}

// WithVersion sets the version of the running supervisor. Without it the
// process counts as a development build and never updates itself.
func WithVersion(version string) Option {
	return func(s *Supervisor) {
		s.version = version
	}
}

// WithTransport replaces the SFTP transport used for replication.
func WithTransport(t ssh.Transport) Option {
	return func(s *Supervisor) {
		s.transport = t
	}
}

// Supervisor owns every long-lived object of the process.
type Supervisor struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	lifecycle  *engine.Lifecycle
	locks      *jobs.Registry
	store      *stores.SQLiteStore
	resolution *resolution.Center
	host       *host.Info
	status     jobs.SystemStatus
	checker    *jobs.Checker
	scheduler  *scheduler.Scheduler
	watchdog   *watchdog.Watchdog

	runtime      components.Runtime
	updater      *components.Updater
	self         *components.Self
	core         *components.Core
	plugins      []plugin
	addons       *components.AddonManager
	registries   *components.Registries
	repositories *components.Repositories

	snapshots  *snapshots.Manager
	importer   *snapshots.Importer
	transport  ssh.Transport
	replicator *snapshots.Replicator

	version     string
	restart     chan struct{}
	restartOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the store and builds every component. Nothing is started.
func New(cfg *config.Config, tel *telemetry.Telemetry, opts ...Option) (*Supervisor, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	s := &Supervisor{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("supervisor"),
		version: "dev",
		restart: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	states := make([]string, len(engine.AllStates))
	for i, st := range engine.AllStates {
		states[i] = string(st)
	}
	s.locks = jobs.NewRegistry()
	s.lifecycle = engine.NewLifecycle(tel.Logger)
	s.lifecycle.Observe(func(_, state engine.CoreState) {
		tel.Metrics.SetCoreState(string(state), states)
	})

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database})
	if err != nil {
		return nil, err
	}
	s.store = store

	s.resolution = resolution.NewCenter(store, tel)
	s.host = host.New(host.Config{
		DataPath:       cfg.Paths.Data,
		HostCheckURL:   cfg.Host.HostCheckURL,
		SystemCheckURL: cfg.Host.SystemCheckURL,
		Timeout:        cfg.Host.Timeout,
	}, s.resolution, tel)
	if s.status == nil {
		s.status = s.host
	}
	s.checker = jobs.NewChecker(s.lifecycle, s.status, uint64(cfg.Jobs.MinFreeSpace),
		jobs.WithIgnoredConditions(cfg.IgnoredConditions()...),
		jobs.WithCheckerLogger(tel.Logger),
	)
	s.scheduler = scheduler.New(s.lifecycle, scheduler.WithTelemetry(tel))
	s.watchdog = watchdog.New(s.checker, s.resolution, tel)

	if s.runtime == nil {
		docker, err := components.NewDocker(cfg.DockerHost, tel.Logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		s.runtime = docker
	}
	s.updater = components.NewUpdater(cfg.UpdaterURL, cfg.Paths.Data, tel.Logger)
	s.self = components.NewSelf(components.SelfConfig{
		Image:   cfg.SupervisorImage,
		Version: s.version,
		Restart: s.requestRestart,
	}, s.runtime, s.updater, s.checker, s.resolution, tel)
	s.core = components.NewCore(components.CoreConfig{
		Image:        cfg.Core.Image,
		DataDir:      cfg.Paths.Data,
		ConfigDir:    cfg.Paths.CoreConfig,
		Port:         cfg.Core.Port,
		WaitBoot:     cfg.Core.WaitBoot,
		APITimeout:   cfg.Core.APITimeout,
		PollInterval: cfg.Core.PollInterval,
	}, s.runtime, s.updater, s.checker, s.resolution, tel)
	s.plugins = s.buildPlugins()
	s.addons = components.NewAddonManager(components.AddonManagerConfig{
		RegistryFile: filepath.Join(cfg.Paths.Data, "addons.json"),
		DataRoot:     cfg.Paths.AddonsData,
		TmpDir:       cfg.Paths.Tmp,
	}, s.runtime, s.updater, tel)
	s.registries = components.NewRegistries(filepath.Join(cfg.Paths.Data, "docker.json"))
	s.repositories = components.NewRepositories(filepath.Join(cfg.Paths.Data, "repositories.json"))

	if err := s.buildSnapshots(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) buildPlugins() []plugin {
	names := make([]string, 0, len(s.cfg.Plugins))
	for name := range s.cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]plugin, 0, len(names))
	for _, name := range names {
		pc := components.PluginConfig{
			Slug:    name,
			Image:   s.cfg.Plugins[name],
			DataDir: s.cfg.Paths.Data,
		}
		switch name {
		case components.PluginDNS:
			out = append(out, components.NewDNS(pc, s.runtime, s.updater, s.resolution, s.tel))
		case components.PluginObserver:
			out = append(out, components.NewObserver(pc, ObserverURL, s.runtime, s.updater, s.tel))
		default:
			out = append(out, components.NewPlugin(pc, s.runtime, s.updater, s.tel))
		}
	}
	return out
}

func (s *Supervisor) buildSnapshots() error {
	level, err := fsutil.ParseCompressionLevel(s.cfg.Snapshots.Compression)
	if err != nil {
		return err
	}
	folders := map[string]string{snapshots.FolderCore: s.cfg.Paths.CoreConfig}
	for name, dir := range map[string]string{
		"ssl":          s.cfg.Paths.SSL,
		"share":        s.cfg.Paths.Share,
		"addons/local": s.cfg.Paths.AddonsLocal,
		"media":        s.cfg.Paths.Media,
	} {
		if dir != "" {
			folders[name] = dir
		}
	}

	s.snapshots = snapshots.New(snapshots.Config{
		BackupDir:         s.cfg.Paths.Backup,
		TmpDir:            filepath.Join(s.cfg.Paths.Tmp, "snapshots"),
		Folders:           folders,
		Compression:       level,
		ReloadConcurrency: s.cfg.Snapshots.ReloadConcurrency,
	}, snapshots.Dependencies{
		Lifecycle:    s.lifecycle,
		Checker:      s.checker,
		Core:         s.core,
		Addons:       s.addons,
		Coordinator:  s,
		Repositories: s.repositories,
		Registries:   s.registries,
	},
		snapshots.WithLock(s.locks.Get("snapshot")),
		snapshots.WithEvents(s.store),
		snapshots.WithRecorder(s.store),
		snapshots.WithIssues(s.resolution),
		snapshots.WithTelemetry(s.tel),
	)

	if s.cfg.Snapshots.ImportWatch && s.cfg.Paths.Import != "" {
		s.importer = snapshots.NewImporter(s.snapshots, s.cfg.Paths.Import, s.cfg.Snapshots.ImportSettle)
	}

	rc := s.cfg.Replication
	if !rc.Enabled {
		return nil
	}
	if s.transport == nil {
		sc := ssh.DefaultConfig(rc.Host, rc.User)
		sc.Port = rc.Port
		if rc.Timeout > 0 {
			sc.ConnectionTimeout = rc.Timeout
		}
		if rc.KeyFile != "" {
			sc.PrivateKeyPath = rc.KeyFile
		} else {
			sc.AuthMethod = ssh.AuthMethodPassword
			sc.Password = rc.Password
		}
		if rc.KnownHosts != "" {
			sc.KnownHostsPath = rc.KnownHosts
		}
		client, err := ssh.NewSSHClient(sc)
		if err != nil {
			return fmt.Errorf("replication target %s: %w", rc.Name, err)
		}
		s.transport = client
	}
	s.replicator = snapshots.NewReplicator(s.snapshots, s.transport, s.store, rc.Name, rc.RemoteDir)
	return nil
}

// Lifecycle returns the core state machine.
func (s *Supervisor) Lifecycle() *engine.Lifecycle {
	return s.lifecycle
}

// Scheduler returns the task scheduler.
func (s *Supervisor) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Snapshots returns the snapshot manager.
func (s *Supervisor) Snapshots() *snapshots.Manager {
	return s.snapshots
}

// Addons returns the add-on manager.
func (s *Supervisor) Addons() *components.AddonManager {
	return s.addons
}

// Core returns the primary application.
func (s *Supervisor) Core() *components.Core {
	return s.core
}

// Resolution returns the resolution center.
func (s *Supervisor) Resolution() *resolution.Center {
	return s.resolution
}

// Open prepares the store and loads recorded issues. Setup calls it; the
// offline CLI commands use it on its own.
func (s *Supervisor) Open(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return err
	}
	if err := s.store.Migrate(ctx); err != nil {
		return err
	}
	if err := s.resolution.Load(ctx); err != nil {
		return fmt.Errorf("load issues: %w", err)
	}
	return nil
}

// Close releases the store without touching any component.
func (s *Supervisor) Close() error {
	return s.store.Close()
}

// Setup loads persisted state and registers the recurring tasks. Plugin
// failures are reported and do not abort setup.
func (s *Supervisor) Setup(ctx context.Context) error {
	s.lifecycle.SetState(engine.StateSetup)

	if err := s.Open(ctx); err != nil {
		return err
	}
	if err := s.updater.Load(); err != nil {
		s.logger.WithError(err).Warn("Can't read cached version data")
	}
	if err := s.registries.Load(); err != nil {
		return fmt.Errorf("load registries: %w", err)
	}
	if err := s.repositories.Load(); err != nil {
		return fmt.Errorf("load repositories: %w", err)
	}

	if err := s.core.Load(ctx); err != nil {
		return fmt.Errorf("load core: %w", err)
	}
	for _, p := range s.plugins {
		if err := p.Load(ctx); err != nil {
			s.logger.WithSlug(p.Slug()).WithError(err).Error("Can't set up plugin")
			s.tel.CaptureException(ctx, err)
		}
	}
	if err := s.addons.Load(ctx); err != nil {
		return fmt.Errorf("load add-ons: %w", err)
	}
	if err := s.snapshots.Load(ctx); err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	tasks := s.tasks()
	if err := tasks.Register(s.scheduler); err != nil {
		return err
	}
	s.logger.Infof("Supervisor set up, %d snapshots, free space %s",
		len(s.snapshots.List()), s.host.FreeSpaceHuman())
	return nil
}

func (s *Supervisor) tasks() *watchdog.Tasks {
	wc := s.cfg.Watchdog
	targets := make([]watchdog.PluginTarget, 0, len(s.plugins))
	for _, p := range s.plugins {
		t := watchdog.PluginTarget{Component: p, Docker: wc.Plugins}
		switch p.Slug() {
		case components.PluginDNS:
			t.Docker = wc.DNS
		case components.PluginObserver:
			t.Application = wc.ObserverApplication
		}
		targets = append(targets, t)
	}

	maintenance := []watchdog.Maintenance{
		{Name: "reload_updater", Interval: wc.ReloadUpdater, Run: s.updater.Reload},
		{Name: "reload_snapshots", Interval: wc.ReloadSnapshots, Run: s.snapshots.Reload},
		{Name: "refresh_connectivity", Interval: wc.Connectivity, Run: s.host.RefreshConnectivity},
	}
	if s.replicator != nil {
		maintenance = append(maintenance, watchdog.Maintenance{
			Name:     "replicate_snapshots",
			Interval: s.cfg.Replication.Interval,
			Run:      s.replicator.Run,
		})
	}

	return &watchdog.Tasks{
		Watchdog: s.watchdog,
		Checker:  s.checker,
		Self:     s.self,
		Intervals: watchdog.Intervals{
			CoreDocker:       wc.CoreDocker,
			CoreAPI:          wc.CoreAPI,
			AddonDocker:      wc.AddonDocker,
			AddonApplication: wc.AddonApplication,
			AddonRefresh:     wc.AddonRefresh,
			UpdateSupervisor: wc.UpdateSupervisor,
			UpdatePlugins:    wc.UpdatePlugins,
			UpdateAddons:     wc.UpdateAddons,
		},
		Core:        s.core,
		Plugins:     targets,
		Addons:      s.addons.Components,
		Maintenance: maintenance,
	}
}

// Start boots the core and the add-ons, enters running and starts the
// scheduler and the import watcher. Component start failures are logged;
// the watchdog takes over from there.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.core.Boot() {
		if err := s.core.Start(ctx); err != nil {
			s.logger.WithError(err).Error("Core failed to start")
			s.tel.CaptureException(ctx, err)
		}
	}
	if err := s.addons.Boot(ctx); err != nil {
		s.logger.WithError(err).Warn("Some add-ons failed to start")
	}

	s.lifecycle.SetState(engine.StateRunning)

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.scheduler.Start(bg)
	if s.importer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.importer.Run(bg); err != nil {
				s.logger.WithError(err).Error("Snapshot import watcher stopped")
			}
		}()
	}
	s.logger.Info("Supervisor is up and running")
	return nil
}

// Shutdown stops every add-on, then the core. Recorded states are kept so
// the next boot brings them back.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.addons.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	running, err := s.core.IsRunning(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if running {
		if err := s.core.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop winds the process down: stopping, scheduler drained, components
// shut down, close.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.SetState(engine.StateStopping)
	if held := s.locks.Held(); len(held) > 0 {
		s.logger.Warnf("Stopping while %s in progress", strings.Join(held, ", "))
	}

	var errs []error
	if err := s.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.lifecycle.SetState(engine.StateClose)

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("Supervisor stopped with errors")
		return err
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

// requestRestart makes Run stop the process so the host starts the newly
// tagged image.
func (s *Supervisor) requestRestart() {
	s.restartOnce.Do(func() { close(s.restart) })
}

// Self returns the control object of the supervisor's own container.
func (s *Supervisor) Self() *components.Self {
	return s.self
}

// Run sets up and starts the supervisor, then stops it when ctx is done.
// Stopping is bounded by stopTimeout.
func (s *Supervisor) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.lifecycle.Terminated():
	case <-s.restart:
		s.logger.Info("Restarting into the updated supervisor")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}
