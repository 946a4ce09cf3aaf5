package components

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Plugin slugs.
const (
	PluginDNS       = "dns"
	PluginAudio     = "audio"
	PluginCLI       = "cli"
	PluginObserver  = "observer"
	PluginMulticast = "multicast"
)

// PluginData is persisted per plugin.
type PluginData struct {
	Version     string `json:"version"`
	Image       string `json:"image"`
	AccessToken string `json:"access_token,omitempty"`
}

// PluginConfig describes how a plugin container is run.
type PluginConfig struct {
	Slug       string
	Image      string
	DataDir    string
	Env        map[string]string
	Volumes    []string
	Network    string
	Privileged bool
}

// Plugin is a system service container managed by the supervisor.
type Plugin struct {
	instance

	cfg      PluginConfig
	versions VersionSource
	dataFile string

	mu   sync.RWMutex
	data PluginData
}

// NewPlugin creates the control object of a plugin.
func NewPlugin(cfg PluginConfig, runtime Runtime, versions VersionSource, tel *telemetry.Telemetry) *Plugin {
	return &Plugin{
		instance: newInstance(cfg.Slug, "opp_"+cfg.Slug, runtime, tel),
		cfg:      cfg,
		versions: versions,
		dataFile: filepath.Join(cfg.DataDir, cfg.Slug+".json"),
		data:     PluginData{Image: cfg.Image},
	}
}

// Load reads persisted data, installs the plugin if needed and starts it.
func (p *Plugin) Load(ctx context.Context) error {
	p.mu.Lock()
	if err := fsutil.ReadJSON(p.dataFile, &p.data); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.data.Image == "" {
		p.data.Image = p.cfg.Image
	}
	version := p.data.Version
	p.mu.Unlock()

	if version == "" {
		p.logger.Info("No version installed, installing latest")
		if err := p.Install(ctx); err != nil {
			return err
		}
	}

	running, err := p.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return p.Start(ctx)
	}
	return nil
}

// Data returns a copy of the persisted data.
func (p *Plugin) Data() PluginData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data
}

func (p *Plugin) save() error {
	return fsutil.WriteJSON(p.dataFile, p.data)
}

// Version implements engine.Updatable.
func (p *Plugin) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data.Version
}

// LatestVersion implements engine.Updatable.
func (p *Plugin) LatestVersion() string {
	if p.versions == nil {
		return p.Version()
	}
	if latest := p.versions.Latest(p.slug); latest != "" {
		return latest
	}
	return p.Version()
}

// NeedUpdate implements engine.Updatable.
func (p *Plugin) NeedUpdate() bool {
	return IsNewer(p.LatestVersion(), p.Version())
}

// AutoUpdate implements engine.Updatable. Plugins always follow the channel.
func (p *Plugin) AutoUpdate() bool {
	return true
}

// Watchdog implements engine.Component. Plugins are always protected.
func (p *Plugin) Watchdog() bool {
	return true
}

func (p *Plugin) spec() ContainerSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	env := make(map[string]string, len(p.cfg.Env)+1)
	for k, v := range p.cfg.Env {
		env[k] = v
	}
	if p.data.AccessToken != "" {
		env["SUPERVISOR_TOKEN"] = p.data.AccessToken
	}
	return ContainerSpec{
		Name:       p.container,
		Image:      p.data.Image,
		Version:    p.data.Version,
		Env:        env,
		Volumes:    p.cfg.Volumes,
		Network:    p.cfg.Network,
		Privileged: p.cfg.Privileged,
		Init:       true,
	}
}

// Install pulls the latest image and records it.
func (p *Plugin) Install(ctx context.Context) error {
	return p.guard(ctx, "install", func(ctx context.Context) error {
		return p.install(ctx, p.LatestVersion())
	})
}

func (p *Plugin) install(ctx context.Context, version string) error {
	if version == "" {
		return engine.NewComponentError("no version available", nil).WithResource(p.slug).WithOperation("install")
	}
	image := p.Data().Image
	if err := p.runtime.Pull(ctx, image, version); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Version = version
	return p.save()
}

// Start implements engine.Component.
func (p *Plugin) Start(ctx context.Context) error {
	return p.guard(ctx, "start", func(ctx context.Context) error {
		p.logger.Info("Starting plugin")
		return p.runtime.Run(ctx, p.spec())
	})
}

// Stop implements engine.Component.
func (p *Plugin) Stop(ctx context.Context) error {
	return p.guard(ctx, "stop", func(ctx context.Context) error {
		return p.runtime.Stop(ctx, p.container, false)
	})
}

// Restart implements engine.Component.
func (p *Plugin) Restart(ctx context.Context) error {
	return p.guard(ctx, "restart", func(ctx context.Context) error {
		p.logger.Info("Restarting plugin")
		return p.runtime.Restart(ctx, p.container)
	})
}

// Rebuild implements engine.Component.
func (p *Plugin) Rebuild(ctx context.Context) error {
	return p.guard(ctx, "rebuild", func(ctx context.Context) error {
		p.logger.Info("Rebuilding plugin")
		if err := p.runtime.Stop(ctx, p.container, true); err != nil {
			return err
		}
		return p.runtime.Run(ctx, p.spec())
	})
}

// Update implements engine.Updatable. An empty version means the latest.
func (p *Plugin) Update(ctx context.Context, version string) error {
	return p.guard(ctx, "update", func(ctx context.Context) error {
		if version == "" {
			version = p.LatestVersion()
		}
		old := p.Version()
		if version == old {
			p.logger.Warnf("Version %s is already installed", version)
			return nil
		}

		if err := p.install(ctx, version); err != nil {
			p.tel.Metrics.RecordComponentUpdate(p.slug, err)
			return fmt.Errorf("update %s to %s: %w", p.slug, version, err)
		}
		err := p.runtime.Run(ctx, p.spec())
		p.tel.Metrics.RecordComponentUpdate(p.slug, err)
		if err != nil {
			return err
		}

		if rmErr := p.runtime.RemoveImage(ctx, p.Data().Image, old); rmErr != nil {
			p.logger.WithError(rmErr).Debug("Old image cleanup failed")
		}
		p.logger.Infof("Updated from %s to %s", old, version)
		return nil
	})
}
