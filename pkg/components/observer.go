package components

import (
	"context"
	"net/http"
	"time"

	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// Observer is the plugin that reports supervisor status when the supervisor
// itself is unreachable. It exposes an HTTP endpoint used as its
// application check.
type Observer struct {
	*Plugin

	url    string
	client *http.Client
}

// NewObserver creates the observer plugin. url is its status endpoint.
func NewObserver(cfg PluginConfig, url string, runtime Runtime, versions VersionSource, tel *telemetry.Telemetry) *Observer {
	cfg.Slug = PluginObserver
	return &Observer{
		Plugin: NewPlugin(cfg, runtime, versions, tel),
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// CheckApplication implements engine.ApplicationChecker.
func (o *Observer) CheckApplication(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debugf("Observer not reachable: %v", err)
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
