package components

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Boot modes of an add-on.
const (
	BootAuto   = "auto"
	BootManual = "manual"
)

const addonMetaFile = "addon.json"

// AddonData is the persisted record of an installed add-on.
type AddonData struct {
	Slug       string         `json:"slug"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Image      string         `json:"image"`
	State      string         `json:"state"`
	Boot       string         `json:"boot"`
	Watchdog   bool           `json:"watchdog"`
	AutoUpdate bool           `json:"auto_update"`
	Options    map[string]any `json:"options,omitempty"`

	// WatchdogURL is the application check target: http(s)://host:port/path
	// or tcp://host:port.
	WatchdogURL string `json:"watchdog_url,omitempty"`
}

// Addon is an installed add-on container.
type Addon struct {
	instance

	dataDir  string
	versions VersionSource
	onChange func()

	mu   sync.RWMutex
	data AddonData
}

func newAddon(data AddonData, dataDir string, runtime Runtime, versions VersionSource, tel *telemetry.Telemetry, onChange func()) *Addon {
	if data.Boot == "" {
		data.Boot = BootAuto
	}
	if data.State == "" {
		data.State = string(engine.ComponentStopped)
	}
	return &Addon{
		instance: newInstance(data.Slug, "addon_"+data.Slug, runtime, tel),
		dataDir:  dataDir,
		versions: versions,
		onChange: onChange,
		data:     data,
	}
}

// Data returns a copy of the persisted record.
func (a *Addon) Data() AddonData {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data
}

// Name returns the display name.
func (a *Addon) Name() string {
	return a.Data().Name
}

// DataDir is the persistent data directory mounted into the container.
func (a *Addon) DataDir() string {
	return a.dataDir
}

func (a *Addon) update(fn func(*AddonData)) {
	a.mu.Lock()
	fn(&a.data)
	a.mu.Unlock()
	if a.onChange != nil {
		a.onChange()
	}
}

// Info returns the snapshot-relevant description.
func (a *Addon) Info() engine.AddonInfo {
	d := a.Data()
	return engine.AddonInfo{Slug: d.Slug, Name: d.Name, Version: d.Version}
}

// RecordedState implements engine.StateRecorder.
func (a *Addon) RecordedState() engine.ComponentState {
	return engine.ComponentState(a.Data().State)
}

// SetRecordedState implements engine.StateRecorder.
func (a *Addon) SetRecordedState(state engine.ComponentState) {
	a.update(func(d *AddonData) { d.State = string(state) })
}

// Watchdog implements engine.Component.
func (a *Addon) Watchdog() bool {
	return a.Data().Watchdog
}

// SetWatchdog enables or disables automatic recovery.
func (a *Addon) SetWatchdog(enabled bool) {
	a.update(func(d *AddonData) { d.Watchdog = enabled })
}

// Boot returns the boot mode.
func (a *Addon) Boot() string {
	return a.Data().Boot
}

// Version implements engine.Updatable.
func (a *Addon) Version() string {
	return a.Data().Version
}

// LatestVersion implements engine.Updatable.
func (a *Addon) LatestVersion() string {
	if a.versions != nil {
		if latest := a.versions.Latest(a.slug); latest != "" {
			return latest
		}
	}
	return a.Version()
}

// NeedUpdate implements engine.Updatable.
func (a *Addon) NeedUpdate() bool {
	return IsNewer(a.LatestVersion(), a.Version())
}

// AutoUpdate implements engine.Updatable.
func (a *Addon) AutoUpdate() bool {
	return a.Data().AutoUpdate
}

func (a *Addon) spec() ContainerSpec {
	d := a.Data()
	env := map[string]string{"TZ": "UTC"}
	if len(d.Options) > 0 {
		if raw, err := json.Marshal(d.Options); err == nil {
			env["ADDON_OPTIONS"] = string(raw)
		}
	}
	return ContainerSpec{
		Name:    a.container,
		Image:   d.Image,
		Version: d.Version,
		Env:     env,
		Volumes: []string{a.dataDir + ":/data:rw"},
		Init:    true,
	}
}

// Start implements engine.Component.
func (a *Addon) Start(ctx context.Context) error {
	return a.guard(ctx, "start", a.start)
}

func (a *Addon) start(ctx context.Context) error {
	if err := os.MkdirAll(a.dataDir, 0o755); err != nil {
		return err
	}
	if err := a.runtime.Run(ctx, a.spec()); err != nil {
		a.SetRecordedState(engine.ComponentError)
		return engine.NewComponentError("start failed", err).WithResource(a.slug).WithOperation("start")
	}
	a.SetRecordedState(engine.ComponentStarted)
	return nil
}

// Stop implements engine.Component.
func (a *Addon) Stop(ctx context.Context) error {
	return a.guard(ctx, "stop", a.stop)
}

func (a *Addon) stop(ctx context.Context) error {
	if err := a.runtime.Stop(ctx, a.container, true); err != nil {
		return err
	}
	a.SetRecordedState(engine.ComponentStopped)
	return nil
}

// Restart implements engine.Component.
func (a *Addon) Restart(ctx context.Context) error {
	return a.guard(ctx, "restart", func(ctx context.Context) error {
		if err := a.stop(ctx); err != nil {
			return err
		}
		return a.start(ctx)
	})
}

// Rebuild implements engine.Component.
func (a *Addon) Rebuild(ctx context.Context) error {
	return a.guard(ctx, "rebuild", func(ctx context.Context) error {
		if err := a.runtime.Stop(ctx, a.container, true); err != nil {
			return err
		}
		if err := a.runtime.Pull(ctx, a.Data().Image, a.Version()); err != nil {
			return err
		}
		return a.start(ctx)
	})
}

// Update implements engine.Updatable. A running add-on is restarted on the
// new version.
func (a *Addon) Update(ctx context.Context, version string) error {
	return a.guard(ctx, "update", func(ctx context.Context) error {
		if version == "" {
			version = a.LatestVersion()
		}
		old := a.Version()
		if version == old {
			return nil
		}
		running, err := a.IsRunning(ctx)
		if err != nil {
			return err
		}

		if err := a.runtime.Pull(ctx, a.Data().Image, version); err != nil {
			a.tel.Metrics.RecordComponentUpdate(a.slug, err)
			return fmt.Errorf("update %s to %s: %w", a.slug, version, err)
		}
		if running {
			if err := a.stop(ctx); err != nil {
				return err
			}
		}
		a.update(func(d *AddonData) { d.Version = version })

		if running {
			err = a.start(ctx)
		}
		a.tel.Metrics.RecordComponentUpdate(a.slug, err)
		if err != nil {
			return err
		}
		if rmErr := a.runtime.RemoveImage(ctx, a.Data().Image, old); rmErr != nil {
			a.logger.WithError(rmErr).Debug("Old image cleanup failed")
		}
		a.logger.Infof("Updated from %s to %s", old, version)
		return nil
	})
}

// CheckApplication implements engine.ApplicationChecker. Add-ons without a
// watchdog URL only have the container check and always pass.
func (a *Addon) CheckApplication(ctx context.Context) (bool, error) {
	target := a.Data().WatchdogURL
	if target == "" {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if strings.HasPrefix(target, "tcp://") {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(target, "tcp://"))
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}

// Backup writes a gzip tar holding addon.json and the data directory.
func (a *Addon) Backup(ctx context.Context, w io.Writer) error {
	meta, err := json.MarshalIndent(a.Data(), "", "  ")
	if err != nil {
		return err
	}
	a.logger.Info("Backing up add-on")
	return fsutil.PackDir(w, a.dataDir, fsutil.PackOptions{
		Level:  fsutil.LevelDefault,
		Prefix: "data/",
		Files:  map[string][]byte{addonMetaFile: meta},
	})
}

// readAddonBackup extracts an add-on backup into a temporary directory and
// returns its record and the directory.
func readAddonBackup(r io.Reader, tmpRoot string) (AddonData, string, error) {
	tmp, err := os.MkdirTemp(tmpRoot, "addon-restore-*")
	if err != nil {
		return AddonData{}, "", err
	}
	if err := fsutil.UnpackDir(r, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return AddonData{}, "", err
	}
	raw, err := os.ReadFile(filepath.Join(tmp, addonMetaFile))
	if err != nil {
		_ = os.RemoveAll(tmp)
		return AddonData{}, "", fmt.Errorf("add-on backup without %s: %w", addonMetaFile, err)
	}
	var data AddonData
	if err := json.Unmarshal(raw, &data); err != nil {
		_ = os.RemoveAll(tmp)
		return AddonData{}, "", err
	}
	return data, tmp, nil
}
