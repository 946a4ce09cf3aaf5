package components

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

var loopPattern = regexp.MustCompile(`plugin/loop: Loop`)

type dnsSettings struct {
	Servers  []string `json:"servers"`
	Fallback bool     `json:"fallback"`
}

// DNS is the name resolution plugin. Before a watchdog restart it checks its
// own log for a forwarding loop and turns the fallback resolver off if one
// was detected.
type DNS struct {
	*Plugin

	issues       engine.IssueReporter
	settingsFile string

	mu       sync.Mutex
	settings dnsSettings
}

// NewDNS creates the DNS plugin.
func NewDNS(cfg PluginConfig, runtime Runtime, versions VersionSource, issues engine.IssueReporter, tel *telemetry.Telemetry) *DNS {
	cfg.Slug = PluginDNS
	return &DNS{
		Plugin:       NewPlugin(cfg, runtime, versions, tel),
		issues:       issues,
		settingsFile: filepath.Join(cfg.DataDir, "dns-settings.json"),
		settings:     dnsSettings{Fallback: true},
	}
}

// Load reads DNS settings and loads the plugin.
func (d *DNS) Load(ctx context.Context) error {
	d.mu.Lock()
	err := fsutil.ReadJSON(d.settingsFile, &d.settings)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.Plugin.Load(ctx)
}

// Fallback reports whether the fallback resolver is enabled.
func (d *DNS) Fallback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Fallback
}

// LoopDetection implements engine.LoopDetector.
func (d *DNS) LoopDetection(ctx context.Context) error {
	logs, err := d.runtime.Logs(ctx, d.container, 200)
	if err != nil {
		return err
	}
	if !loopPattern.Match(logs) {
		return nil
	}

	d.logger.Warn("DNS forwarding loop detected, disabling fallback")
	if d.issues != nil {
		d.issues.CreateIssue(ctx, engine.IssueDNSLoop, engine.ContextPlugin, PluginDNS)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.settings.Fallback {
		return nil
	}
	d.settings.Fallback = false
	return fsutil.WriteJSON(d.settingsFile, d.settings)
}
