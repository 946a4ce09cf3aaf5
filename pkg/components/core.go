package components

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// CoreSlug identifies the primary application.
const CoreSlug = "core"

// EarlyStartupVersion is the first core version that serves its UI while
// still booting. Start waits for those versions without a deadline.
const EarlyStartupVersion = "0.112.0"

const (
	migrationMarker = ".migration_progress"
	pipMarker       = ".pip_progress"
)

// updateConditions gate a core update.
var updateConditions = []jobs.Condition{
	jobs.ConditionFreeSpace,
	jobs.ConditionHealthy,
	jobs.ConditionInternetHost,
}

// CoreSettings is the persisted configuration of the primary application.
// It travels with full snapshots.
type CoreSettings struct {
	Version     string `json:"version"`
	Image       string `json:"image"`
	Boot        bool   `json:"boot"`
	Watchdog    bool   `json:"watchdog"`
	WaitBoot    int    `json:"wait_boot"`
	Port        int    `json:"port"`
	SSL         bool   `json:"ssl"`
	AccessToken string `json:"access_token,omitempty"`
}

// CoreConfig holds static settings of the primary application.
type CoreConfig struct {
	Image        string
	DataDir      string
	ConfigDir    string
	Host         string
	Port         int
	WaitBoot     time.Duration
	APITimeout   time.Duration
	PollInterval time.Duration
}

// ConfigCheckResult is the outcome of validating the core configuration.
type ConfigCheckResult struct {
	Valid bool
	Log   string
}

// Core is the control object of the primary application container.
type Core struct {
	instance

	cfg      CoreConfig
	versions VersionSource
	issues   engine.IssueReporter
	client   *http.Client
	dataFile string

	mu         sync.RWMutex
	data       CoreSettings
	errorState bool
}

// NewCore creates the primary application control object. checker gates
// updates.
func NewCore(cfg CoreConfig, runtime Runtime, versions VersionSource, checker *jobs.Checker,
	issues engine.IssueReporter, tel *telemetry.Telemetry) *Core {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8123
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WaitBoot == 0 {
		cfg.WaitBoot = 600 * time.Second
	}

	inst := newInstance(CoreSlug, "openpeerpower", runtime, tel)
	inst.checker = checker
	return &Core{
		instance: inst,
		cfg:      cfg,
		versions: versions,
		issues:   issues,
		client:   &http.Client{Timeout: cfg.APITimeout},
		dataFile: filepath.Join(cfg.DataDir, "openpeerpower.json"),
		data: CoreSettings{
			Image:    cfg.Image,
			Boot:     true,
			Watchdog: true,
			WaitBoot: int(cfg.WaitBoot / time.Second),
			Port:     cfg.Port,
		},
	}
}

// Load reads persisted settings and installs the landing page when no
// version is recorded.
func (c *Core) Load(ctx context.Context) error {
	c.mu.Lock()
	err := fsutil.ReadJSON(c.dataFile, &c.data)
	version := c.data.Version
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if version == "" {
		c.logger.Info("No core installed, setting up landing page")
		c.mu.Lock()
		c.data.Version = LandingPage
		err = c.save()
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Core) save() error {
	return fsutil.WriteJSON(c.dataFile, c.data)
}

// Settings returns a copy of the persisted settings.
func (c *Core) Settings() CoreSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// ApplySettings replaces the persisted settings, keeping the installed
// version. The version is changed through Update.
func (c *Core) ApplySettings(s CoreSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Version = c.data.Version
	if s.Image == "" {
		s.Image = c.data.Image
	}
	c.data = s
	return c.save()
}

// Version implements engine.Updatable.
func (c *Core) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Version
}

// LatestVersion implements engine.Updatable.
func (c *Core) LatestVersion() string {
	if c.versions != nil {
		if latest := c.versions.Latest(CoreSlug); latest != "" {
			return latest
		}
	}
	return c.Version()
}

// NeedUpdate implements engine.Updatable.
func (c *Core) NeedUpdate() bool {
	return c.Version() != LandingPage && IsNewer(c.LatestVersion(), c.Version())
}

// AutoUpdate implements engine.Updatable. The core is updated by the user.
func (c *Core) AutoUpdate() bool {
	return false
}

// Watchdog implements engine.Component.
func (c *Core) Watchdog() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Watchdog
}

// Boot reports whether the core starts with the supervisor.
func (c *Core) Boot() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Boot
}

// ErrorState reports whether the last start attempt failed.
func (c *Core) ErrorState() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorState
}

func (c *Core) setErrorState(v bool) {
	c.mu.Lock()
	c.errorState = v
	c.mu.Unlock()
}

func (c *Core) spec() ContainerSpec {
	s := c.Settings()
	env := map[string]string{"TZ": "UTC"}
	if s.AccessToken != "" {
		env["SUPERVISOR_TOKEN"] = s.AccessToken
	}
	return ContainerSpec{
		Name:       c.container,
		Image:      s.Image,
		Version:    s.Version,
		Env:        env,
		Volumes:    []string{c.cfg.ConfigDir + ":/config:rw"},
		Network:    "host",
		Privileged: true,
		Init:       false,
	}
}

// Start implements engine.Component.
func (c *Core) Start(ctx context.Context) error {
	return c.guard(ctx, "start", c.start)
}

func (c *Core) start(ctx context.Context) error {
	if c.Version() == LandingPage {
		c.logger.Info("Starting landing page")
	}
	if err := c.runtime.Run(ctx, c.spec()); err != nil {
		c.setErrorState(true)
		return err
	}
	return c.blockTillRun(ctx)
}

// Stop implements engine.Component. The container is kept.
func (c *Core) Stop(ctx context.Context) error {
	return c.guard(ctx, "stop", func(ctx context.Context) error {
		return c.runtime.Stop(ctx, c.container, false)
	})
}

// Restart implements engine.Component.
func (c *Core) Restart(ctx context.Context) error {
	return c.guard(ctx, "restart", func(ctx context.Context) error {
		if err := c.runtime.Restart(ctx, c.container); err != nil {
			c.setErrorState(true)
			return err
		}
		return c.blockTillRun(ctx)
	})
}

// Rebuild implements engine.Component.
func (c *Core) Rebuild(ctx context.Context) error {
	return c.guard(ctx, "rebuild", func(ctx context.Context) error {
		if err := c.runtime.Stop(ctx, c.container, true); err != nil {
			return err
		}
		return c.start(ctx)
	})
}

// Update implements engine.Updatable. If the new version fails to start
// and the core was healthy before, the previous version is reinstalled.
func (c *Core) Update(ctx context.Context, version string) error {
	return c.guardWhen(ctx, "update", updateConditions, func(ctx context.Context) error {
		if version == "" {
			version = c.LatestVersion()
		}
		old := c.Version()
		if version == old {
			c.logger.Warnf("Version %s is already installed", version)
			return nil
		}

		rollback := ""
		if !c.ErrorState() && old != LandingPage {
			rollback = old
		}
		running, err := c.IsRunning(ctx)
		if err != nil {
			return err
		}

		if err := c.install(ctx, version); err != nil {
			c.reportIssue(ctx, engine.IssueUpdateFailed)
			c.tel.Metrics.RecordComponentUpdate(CoreSlug, err)
			return engine.NewComponentError("core update failed", err).
				WithResource(CoreSlug).WithCode(engine.ErrCodeUpdateFailed)
		}

		if running {
			c.setErrorState(false)
			if err := c.start(ctx); err != nil {
				c.logger.WithError(err).Errorf("Core %s failed to start", version)
			}
		}
		if !c.ErrorState() {
			c.tel.Metrics.RecordComponentUpdate(CoreSlug, nil)
			if rmErr := c.runtime.RemoveImage(ctx, c.Settings().Image, old); rmErr != nil {
				c.logger.WithError(rmErr).Debug("Old image cleanup failed")
			}
			c.logger.Infof("Updated core from %s to %s", old, version)
			return nil
		}

		updateErr := fmt.Errorf("core %s failed to start after update", version)
		c.tel.Metrics.RecordComponentUpdate(CoreSlug, updateErr)
		if rollback == "" {
			c.reportIssue(ctx, engine.IssueUpdateFailed)
			return engine.NewComponentError("core update failed", updateErr).
				WithResource(CoreSlug).WithCode(engine.ErrCodeUpdateFailed)
		}

		c.logger.Errorf("Core update to %s failed, rolling back to %s", version, rollback)
		c.reportIssue(ctx, engine.IssueUpdateRollback)
		if err := c.install(ctx, rollback); err != nil {
			return engine.NewComponentError("core rollback failed", err).WithResource(CoreSlug)
		}
		c.setErrorState(false)
		if running {
			return c.start(ctx)
		}
		return nil
	})
}

func (c *Core) install(ctx context.Context, version string) error {
	image := c.Settings().Image
	if err := c.runtime.Pull(ctx, image, version); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Version = version
	return c.save()
}

func (c *Core) reportIssue(ctx context.Context, kind engine.IssueKind) {
	if c.issues != nil {
		c.issues.CreateIssue(ctx, kind, engine.ContextCore, CoreSlug)
	}
}

func (c *Core) apiURL() string {
	scheme := "http"
	if c.Settings().SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/api/config", scheme, c.cfg.Host, c.Settings().Port)
}

// CheckAPIState reports whether the core API answers within the API timeout.
func (c *Core) CheckAPIState(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(), nil)
	if err != nil {
		return false
	}
	if token := c.Settings().AccessToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// CheckApplication implements engine.ApplicationChecker.
func (c *Core) CheckApplication(ctx context.Context) (bool, error) {
	return c.CheckAPIState(ctx), nil
}

// CheckConfig validates the core configuration inside the container.
func (c *Core) CheckConfig(ctx context.Context) (ConfigCheckResult, error) {
	res, err := c.runtime.Exec(ctx, c.container,
		"python3", "-m", "openpeerpower", "-c", "/config", "--script", "check_config")
	if err != nil {
		return ConfigCheckResult{}, err
	}
	log := strings.TrimSpace(string(res.Output))
	valid := res.ExitCode == 0 && !strings.Contains(log, "Invalid config")
	if !valid {
		c.logger.Warn("Core configuration check failed")
	}
	return ConfigCheckResult{Valid: valid, Log: log}, nil
}

// blockTillRun waits for the API to answer. It fails when the container
// crashes or, for versions without early startup, when wait_boot elapses
// without progress. Migration and dependency install markers reset the
// deadline.
func (c *Core) blockTillRun(ctx context.Context) error {
	version := c.Version()
	if version == LandingPage {
		return nil
	}

	bounded := !AtLeast(version, EarlyStartupVersion)
	waitBoot := time.Duration(c.Settings().WaitBoot) * time.Second
	if waitBoot <= 0 {
		waitBoot = c.cfg.WaitBoot
	}

	c.logger.Infof("Waiting for core %s to start", version)
	started := time.Now()
	inMigration, inPip := false, false

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		failed, err := c.runtime.IsFailed(ctx, c.container)
		if err == nil && failed {
			c.setErrorState(true)
			return engine.NewComponentError("core crashed during startup", nil).WithResource(CoreSlug)
		}

		if c.CheckAPIState(ctx) {
			c.logger.Info("Core is up and running")
			c.setErrorState(false)
			return nil
		}

		if markerExists(c.cfg.ConfigDir, migrationMarker) {
			if !inMigration {
				inMigration = true
				c.logger.Info("Core database migration in progress")
			}
			started = time.Now()
			continue
		} else if inMigration {
			inMigration = false
			c.logger.Info("Core database migration done")
			started = time.Now()
		}

		if markerExists(c.cfg.ConfigDir, pipMarker) {
			if !inPip {
				inPip = true
				c.logger.Info("Core dependency install in progress")
			}
			started = time.Now()
			continue
		} else if inPip {
			inPip = false
			c.logger.Info("Core dependency install done")
			started = time.Now()
		}

		if bounded && time.Since(started) >= waitBoot {
			c.setErrorState(true)
			return engine.NewComponentError("core did not start in time", nil).
				WithResource(CoreSlug).WithCode(engine.ErrCodeTimeout)
		}
	}
}

func markerExists(dir, name string) bool {
	if dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
