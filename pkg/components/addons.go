package components

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// AddonManagerConfig locates the add-on registry and data.
type AddonManagerConfig struct {
	// RegistryFile is the JSON file listing installed add-ons.
	RegistryFile string

	// DataRoot holds one data directory per add-on slug.
	DataRoot string

	// TmpDir is used to stage restores. It must be on the same filesystem
	// as DataRoot. Defaults to DataRoot.
	TmpDir string
}

// AddonManager owns the installed add-ons.
type AddonManager struct {
	cfg      AddonManagerConfig
	runtime  Runtime
	versions VersionSource
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	mu     sync.RWMutex
	addons map[string]*Addon
}

// NewAddonManager creates an empty manager. Call Load to read the registry.
func NewAddonManager(cfg AddonManagerConfig, runtime Runtime, versions VersionSource, tel *telemetry.Telemetry) *AddonManager {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = cfg.DataRoot
	}
	return &AddonManager{
		cfg:      cfg,
		runtime:  runtime,
		versions: versions,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("addons"),
		addons:   make(map[string]*Addon),
	}
}

// Load reads the registry.
func (m *AddonManager) Load(ctx context.Context) error {
	var records map[string]AddonData
	if err := fsutil.ReadJSON(m.cfg.RegistryFile, &records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for slug, data := range records {
		data.Slug = slug
		m.addons[slug] = m.newAddon(data)
	}
	m.logger.Infof("Loaded %d add-ons", len(m.addons))
	return nil
}

func (m *AddonManager) newAddon(data AddonData) *Addon {
	return newAddon(data, filepath.Join(m.cfg.DataRoot, data.Slug), m.runtime, m.versions, m.tel, m.persist)
}

func (m *AddonManager) persist() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.saveLocked(); err != nil {
		m.logger.WithError(err).Error("Failed to save add-on registry")
	}
}

func (m *AddonManager) saveLocked() error {
	records := make(map[string]AddonData, len(m.addons))
	for slug, a := range m.addons {
		records[slug] = a.Data()
	}
	return fsutil.WriteJSON(m.cfg.RegistryFile, records)
}

// Get returns the installed add-on with slug.
func (m *AddonManager) Get(slug string) (*Addon, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addons[slug]
	return a, ok
}

// All returns installed add-ons ordered by slug.
func (m *AddonManager) All() []*Addon {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Addon, 0, len(m.addons))
	for _, a := range m.addons {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slug < out[j].slug })
	return out
}

// Components returns installed add-ons as watchdog components.
func (m *AddonManager) Components() []engine.Component {
	all := m.All()
	out := make([]engine.Component, len(all))
	for i, a := range all {
		out[i] = a
	}
	return out
}

// InstalledAddons describes installed add-ons for snapshots.
func (m *AddonManager) InstalledAddons() []engine.AddonInfo {
	all := m.All()
	out := make([]engine.AddonInfo, len(all))
	for i, a := range all {
		out[i] = a.Info()
	}
	return out
}

// Install pulls the add-on image and registers it as stopped.
func (m *AddonManager) Install(ctx context.Context, data AddonData) error {
	if data.Slug == "" || data.Image == "" || data.Version == "" {
		return engine.NewPermanentError("add-on needs slug, image and version", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, ok := m.Get(data.Slug); ok {
		return engine.NewPermanentError("add-on already installed", nil).WithResource(data.Slug)
	}
	if err := m.runtime.Pull(ctx, data.Image, data.Version); err != nil {
		return fmt.Errorf("install %s: %w", data.Slug, err)
	}
	data.State = string(engine.ComponentStopped)

	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.newAddon(data)
	if err := os.MkdirAll(a.dataDir, 0o755); err != nil {
		return err
	}
	m.addons[data.Slug] = a
	m.logger.WithSlug(data.Slug).Infof("Installed add-on %s", data.Version)
	return m.saveLocked()
}

// Boot starts add-ons with boot mode auto. Failures are logged and do not
// stop other add-ons.
func (m *AddonManager) Boot(ctx context.Context) error {
	var errs []error
	for _, a := range m.All() {
		if a.Boot() != BootAuto {
			continue
		}
		if err := a.Start(ctx); err != nil {
			m.tel.CaptureException(ctx, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops running add-ons, keeping their recorded state so they come
// back on the next boot.
func (m *AddonManager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, a := range m.All() {
		running, err := a.IsRunning(ctx)
		if err != nil || !running {
			continue
		}
		state := a.RecordedState()
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		a.SetRecordedState(state)
	}
	return errors.Join(errs...)
}

// BackupAddon writes the backup of slug to w.
func (m *AddonManager) BackupAddon(ctx context.Context, slug string, w io.Writer) error {
	a, ok := m.Get(slug)
	if !ok {
		return engine.NewPermanentError("add-on not installed", nil).
			WithResource(slug).WithCode(engine.ErrCodeNotFound)
	}
	return a.Backup(ctx, w)
}

// RestoreAddon installs or replaces slug from a backup stream. The add-on is
// started afterwards when its backed up state was started.
func (m *AddonManager) RestoreAddon(ctx context.Context, slug string, r io.Reader) error {
	if err := os.MkdirAll(m.cfg.TmpDir, 0o755); err != nil {
		return err
	}
	data, tmp, err := readAddonBackup(r, m.cfg.TmpDir)
	if err != nil {
		return fmt.Errorf("read backup of %s: %w", slug, err)
	}
	defer os.RemoveAll(tmp)
	data.Slug = slug
	wasStarted := data.State == string(engine.ComponentStarted)
	logger := m.logger.WithSlug(slug)

	if existing, ok := m.Get(slug); ok {
		if err := existing.Stop(ctx); err != nil {
			logger.WithError(err).Warn("Stopping add-on before restore failed")
		}
	}

	exists, err := m.runtime.ImageExists(ctx, data.Image, data.Version)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.runtime.Pull(ctx, data.Image, data.Version); err != nil {
			return fmt.Errorf("restore %s: %w", slug, err)
		}
	}

	dataDir := filepath.Join(m.cfg.DataRoot, slug)
	if err := os.RemoveAll(dataDir); err != nil {
		return err
	}
	if err := os.MkdirAll(m.cfg.DataRoot, 0o755); err != nil {
		return err
	}
	restored := filepath.Join(tmp, "data")
	if _, err := os.Stat(restored); err == nil {
		if err := os.Rename(restored, dataDir); err != nil {
			return err
		}
	} else if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	data.State = string(engine.ComponentStopped)
	m.mu.Lock()
	a := m.newAddon(data)
	m.addons[slug] = a
	err = m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	logger.Infof("Restored add-on %s", data.Version)

	if wasStarted {
		return a.Start(ctx)
	}
	return nil
}

// UninstallAddon stops and removes slug with its image and data.
func (m *AddonManager) UninstallAddon(ctx context.Context, slug string) error {
	a, ok := m.Get(slug)
	if !ok {
		return engine.NewPermanentError("add-on not installed", nil).
			WithResource(slug).WithCode(engine.ErrCodeNotFound)
	}
	if err := a.Stop(ctx); err != nil {
		return err
	}
	if err := m.runtime.RemoveImage(ctx, a.Data().Image, a.Version()); err != nil {
		a.logger.WithError(err).Warn("Image removal failed")
	}
	if err := os.RemoveAll(a.dataDir); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.addons, slug)
	m.logger.WithSlug(slug).Info("Uninstalled add-on")
	return m.saveLocked()
}
