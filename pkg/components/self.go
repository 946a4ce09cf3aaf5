package components

import (
	"context"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// SupervisorSlug identifies the supervisor's own container.
const SupervisorSlug = "supervisor"

// StartTag is the image tag the host starts the supervisor from.
const StartTag = "latest"

var selfUpdateConditions = []jobs.Condition{
	jobs.ConditionFreeSpace,
	jobs.ConditionInternetHost,
}

// SelfConfig describes the running supervisor.
type SelfConfig struct {
	Image     string
	Version   string
	Container string

	// Restart is called once a new version is tagged so the host starts it.
	Restart func()
}

// Self is the control object of the supervisor's own container. It only
// updates: the container is started and stopped by the host.
type Self struct {
	instance

	cfg      SelfConfig
	versions VersionSource
	issues   engine.IssueReporter

	mu      sync.RWMutex
	version string
}

// NewSelf creates the control object of the running supervisor.
func NewSelf(cfg SelfConfig, runtime Runtime, versions VersionSource, checker *jobs.Checker,
	issues engine.IssueReporter, tel *telemetry.Telemetry) *Self {
	if cfg.Container == "" {
		cfg.Container = "opp_supervisor"
	}
	inst := newInstance(SupervisorSlug, cfg.Container, runtime, tel)
	inst.checker = checker
	return &Self{
		instance: inst,
		cfg:      cfg,
		versions: versions,
		issues:   issues,
		version:  cfg.Version,
	}
}

// Version implements engine.Updatable.
func (s *Self) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LatestVersion implements engine.Updatable.
func (s *Self) LatestVersion() string {
	if s.versions == nil {
		return s.Version()
	}
	if latest := s.versions.Latest(SupervisorSlug); latest != "" {
		return latest
	}
	return s.Version()
}

// NeedUpdate implements engine.Updatable. Development builds never update.
func (s *Self) NeedUpdate() bool {
	if !IsValidVersion(s.Version()) {
		return false
	}
	return IsNewer(s.LatestVersion(), s.Version())
}

// AutoUpdate implements engine.Updatable.
func (s *Self) AutoUpdate() bool {
	return true
}

// Watchdog implements engine.Component. The host supervises this container.
func (s *Self) Watchdog() bool {
	return false
}

// Start implements engine.Component. The container is already running.
func (s *Self) Start(context.Context) error {
	return nil
}

// Stop implements engine.Component by handing control back to the host.
func (s *Self) Stop(context.Context) error {
	s.restart()
	return nil
}

// Restart implements engine.Component.
func (s *Self) Restart(ctx context.Context) error {
	return s.Stop(ctx)
}

// Rebuild implements engine.Component.
func (s *Self) Rebuild(ctx context.Context) error {
	return s.Stop(ctx)
}

func (s *Self) restart() {
	if s.cfg.Restart != nil {
		s.cfg.Restart()
	}
}

// Update implements engine.Updatable. The new image is pulled and tagged as
// the start tag, then the supervisor asks the host to restart it.
func (s *Self) Update(ctx context.Context, version string) error {
	return s.guardWhen(ctx, "update", selfUpdateConditions, func(ctx context.Context) error {
		if version == "" {
			version = s.LatestVersion()
		}
		old := s.Version()
		if version == old {
			s.logger.Warnf("Version %s is already installed", version)
			return nil
		}

		s.logger.Infof("Update supervisor to version %s", version)
		err := s.runtime.Pull(ctx, s.cfg.Image, version)
		if err == nil {
			err = s.runtime.Tag(ctx, s.cfg.Image, version, StartTag)
		}
		s.tel.Metrics.RecordComponentUpdate(SupervisorSlug, err)
		if err != nil {
			if s.issues != nil {
				s.issues.CreateIssue(ctx, engine.IssueUpdateFailed, engine.ContextSupervisor, SupervisorSlug)
			}
			s.tel.CaptureException(ctx, err)
			return engine.NewComponentError("supervisor update failed", err).
				WithResource(SupervisorSlug).WithCode(engine.ErrCodeUpdateFailed)
		}

		s.mu.Lock()
		s.version = version
		s.mu.Unlock()
		s.logger.Infof("Updated supervisor from %s to %s, restarting", old, version)
		s.restart()
		return nil
	})
}
