package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/OpenPeerPower/supervisor/pkg/jobs"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// DefaultPath is where the supervisor looks for its configuration.
const DefaultPath = "/data/supervisor.yaml"

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	// Path is the dotted field path (e.g., "watchdog.core_api").
	Path string `json:"path"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is returned by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// DefaultConfig returns the configuration used when no file exists. Data
// lives under dataDir.
func DefaultConfig(dataDir string) *Config {
	if dataDir == "" {
		dataDir = "/data"
	}
	return &Config{
		Paths: PathsConfig{
			Data:        dataDir,
			Backup:      filepath.Join(dataDir, "backup"),
			Import:      filepath.Join(dataDir, "backup", "import"),
			Tmp:         filepath.Join(dataDir, "tmp"),
			CoreConfig:  filepath.Join(dataDir, "openpeerpower"),
			AddonsData:  filepath.Join(dataDir, "addons", "data"),
			AddonsLocal: filepath.Join(dataDir, "addons", "local"),
			Share:       filepath.Join(dataDir, "share"),
			SSL:         filepath.Join(dataDir, "ssl"),
			Media:       filepath.Join(dataDir, "media"),
		},
		Database:        filepath.Join(dataDir, "supervisor.db"),
		UpdaterURL:      "https://version.openpeerpower.io/stable.json",
		SupervisorImage: "openpeerpower/amd64-opp-supervisor",
		Core: CoreConfig{
			Image:        "openpeerpower/qemux86-64-openpeerpower",
			Port:         8123,
			WaitBoot:     600 * time.Second,
			APITimeout:   5 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Plugins: map[string]string{
			"dns":       "openpeerpower/amd64-opp-dns",
			"audio":     "openpeerpower/amd64-opp-audio",
			"cli":       "openpeerpower/amd64-opp-cli",
			"observer":  "openpeerpower/amd64-opp-observer",
			"multicast": "openpeerpower/amd64-opp-multicast",
		},
		Jobs: JobsConfig{
			MinFreeSpace: 1 << 30,
		},
		Watchdog: WatchdogConfig{
			CoreDocker:          15 * time.Second,
			CoreAPI:             120 * time.Second,
			DNS:                 30 * time.Second,
			Plugins:             60 * time.Second,
			AddonDocker:         30 * time.Second,
			AddonApplication:    120 * time.Second,
			ObserverApplication: 180 * time.Second,
			AddonRefresh:        15 * time.Second,
			UpdateSupervisor:    29100 * time.Second,
			UpdatePlugins:       28800 * time.Second,
			UpdateAddons:        57600 * time.Second,
			ReloadSnapshots:     72000 * time.Second,
			ReloadUpdater:       7200 * time.Second,
			Connectivity:        120 * time.Second,
		},
		Snapshots: SnapshotsConfig{
			Compression:       "default",
			ReloadConcurrency: 4,
			ImportWatch:       true,
			ImportSettle:      5 * time.Second,
		},
		Replication: ReplicationConfig{
			Port:     22,
			Interval: 6 * time.Hour,
			Timeout:  30 * time.Second,
		},
		Host: HostConfig{
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Environment:     "production",
			LogLevel:        "info",
			LogFormat:       "console",
			LogOutput:       "stdout",
			TracingExporter: "none",
			SamplingRate:    1.0,
			MetricsEnabled:  true,
			MetricsAddress:  "127.0.0.1:9090",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig("")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Paths not
// set explicitly follow paths.data.
func Parse(data []byte) (*Config, error) {
	var head struct {
		Paths struct {
			Data string `yaml:"data"`
		} `yaml:"paths"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig(head.Paths.Data)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		out = append(out, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return out
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// IgnoredConditions returns the configured job conditions to skip.
func (c *Config) IgnoredConditions() []jobs.Condition {
	out := make([]jobs.Condition, len(c.Jobs.IgnoreConditions))
	for i, name := range c.Jobs.IgnoreConditions {
		out[i] = jobs.Condition(name)
	}
	return out
}

// TelemetryConfig maps the file settings onto a telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	t := c.Telemetry
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	if t.LogLevel != "" {
		tc.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		tc.Logging.Format = t.LogFormat
	}
	if t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}
	tc.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		tc.Tracing.Exporter = t.TracingExporter
	}
	tc.Tracing.Endpoint = t.TracingEndpoint
	tc.Tracing.SamplingRate = t.SamplingRate
	tc.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsAddress != "" {
		tc.Metrics.ListenAddress = t.MetricsAddress
	}
	return tc
}
