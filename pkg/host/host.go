// Package host reports the live resource and connectivity status of the
// machine the supervisor runs on.
package host

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Default connectivity check targets.
const (
	DefaultHostCheckURL   = "http://version.openpeerpower.io/online.txt"
	DefaultSystemCheckURL = "https://version.openpeerpower.io/online.txt"
)

// HealthSource reports whether the system is healthy.
type HealthSource interface {
	Healthy() bool
}

// Config holds host connectivity settings.
type Config struct {
	// DataPath is the filesystem whose free space is reported.
	DataPath       string
	HostCheckURL   string
	SystemCheckURL string
	Timeout        time.Duration
}

// Info is the live status of the host. It implements jobs.SystemStatus.
type Info struct {
	cfg    Config
	health HealthSource
	client *http.Client
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	statfs func(path string, st *unix.Statfs_t) error

	mu        sync.RWMutex
	hostNet   bool
	systemNet bool
	checked   time.Time
}

// New creates host status. health may be nil, in which case the system is
// always healthy.
func New(cfg Config, health HealthSource, tel *telemetry.Telemetry) *Info {
	if cfg.HostCheckURL == "" {
		cfg.HostCheckURL = DefaultHostCheckURL
	}
	if cfg.SystemCheckURL == "" {
		cfg.SystemCheckURL = DefaultSystemCheckURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "/"
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Info{
		cfg:    cfg,
		health: health,
		client: &http.Client{Timeout: cfg.Timeout},
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("host"),
		statfs: unix.Statfs,
		// Assume connectivity until the first check says otherwise.
		hostNet:   true,
		systemNet: true,
	}
}

// FreeSpace returns the bytes available to unprivileged users on DataPath.
// An unreadable filesystem reports zero.
func (i *Info) FreeSpace() uint64 {
	var st unix.Statfs_t
	if err := i.statfs(i.cfg.DataPath, &st); err != nil {
		i.logger.WithError(err).Warn("Can't read free space")
		return 0
	}
	free := st.Bavail * uint64(st.Bsize)
	i.tel.Metrics.SetFreeSpace(free)
	return free
}

// FreeSpaceHuman formats FreeSpace for logs and the CLI.
func (i *Info) FreeSpaceHuman() string {
	return humanize.IBytes(i.FreeSpace())
}

// Healthy implements jobs.SystemStatus.
func (i *Info) Healthy() bool {
	if i.health == nil {
		return true
	}
	return i.health.Healthy()
}

// ConnectivityHost implements jobs.SystemStatus.
func (i *Info) ConnectivityHost() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hostNet
}

// ConnectivitySystem implements jobs.SystemStatus.
func (i *Info) ConnectivitySystem() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.systemNet
}

// LastChecked returns when connectivity was last checked.
func (i *Info) LastChecked() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.checked
}

// RefreshConnectivity checks both targets. It is registered as a
// scheduled task and never fails.
func (i *Info) RefreshConnectivity(ctx context.Context) error {
	hostNet := i.reachable(ctx, i.cfg.HostCheckURL)
	systemNet := i.reachable(ctx, i.cfg.SystemCheckURL)

	i.mu.Lock()
	changed := hostNet != i.hostNet || systemNet != i.systemNet
	i.hostNet = hostNet
	i.systemNet = systemNet
	i.checked = time.Now()
	i.mu.Unlock()

	if changed {
		i.logger.WithFields(map[string]interface{}{
			"host":   hostNet,
			"system": systemNet,
		}).Info("Connectivity changed")
	}
	return nil
}

func (i *Info) reachable(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Debugf("Connectivity check to %s failed: %v", url, err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}
