package components

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/fsutil"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// VersionSource tells components which version is the newest available.
type VersionSource interface {
	Latest(slug string) string
}

// versionFile is the published version document.
type versionFile struct {
	Channel    string            `json:"channel"`
	Supervisor string            `json:"supervisor"`
	Core       string            `json:"openpeerpower"`
	Plugins    map[string]string `json:"plugins"`
	Addons     map[string]string `json:"addons"`
	Images     map[string]string `json:"images,omitempty"`
}

// Updater fetches the published version document and caches it on disk so
// the latest versions survive a restart without connectivity.
type Updater struct {
	url    string
	cache  string
	client *http.Client
	logger *telemetry.Logger

	mu   sync.RWMutex
	data versionFile
}

// NewUpdater creates an updater. cacheDir holds updater.json.
func NewUpdater(url, cacheDir string, logger *telemetry.Logger) *Updater {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Updater{
		url:    url,
		cache:  filepath.Join(cacheDir, "updater.json"),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.NewComponentLogger("updater"),
	}
}

// Load reads the cached document.
func (u *Updater) Load() error {
	var data versionFile
	if err := fsutil.ReadJSON(u.cache, &data); err != nil {
		return err
	}
	u.mu.Lock()
	u.data = data
	u.mu.Unlock()
	return nil
}

// Reload fetches the document from the network and updates the cache.
func (u *Updater) Reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch version data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch version data: unexpected status %d", resp.StatusCode)
	}

	var data versionFile
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("parse version data: %w", err)
	}

	u.mu.Lock()
	u.data = data
	u.mu.Unlock()

	u.logger.Infof("Fetched version data, core %s", data.Core)
	return fsutil.WriteJSON(u.cache, data)
}

// Latest implements VersionSource. "core" names the primary application,
// "supervisor" this process, plugins are looked up by slug, everything else
// as an add-on.
func (u *Updater) Latest(slug string) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	switch slug {
	case CoreSlug:
		return u.data.Core
	case SupervisorSlug:
		return u.data.Supervisor
	}
	if v, ok := u.data.Plugins[slug]; ok {
		return v
	}
	return u.data.Addons[slug]
}

// Image returns the published image for slug, if any.
func (u *Updater) Image(slug string) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.data.Images[slug]
}

// StaticVersions is a fixed VersionSource.
type StaticVersions map[string]string

// Latest implements VersionSource.
func (s StaticVersions) Latest(slug string) string {
	return s[slug]
}
