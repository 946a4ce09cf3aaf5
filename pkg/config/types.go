package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes written in YAML as "1GB", "500 MiB" or a plain
// number.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String formats the size for humans.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config is the supervisor configuration file.
type Config struct {
	// Paths locates persistent data on the host.
	Paths PathsConfig `yaml:"paths" validate:"required"`

	// Database is the SQLite file holding issues and job history.
	Database string `yaml:"database" validate:"required"`

	// UpdaterURL is the published version document.
	UpdaterURL string `yaml:"updater_url" validate:"required,url"`

	// SupervisorImage is the repository the supervisor itself runs from.
	SupervisorImage string `yaml:"supervisor_image" validate:"required"`

	// DockerHost is the engine API endpoint. Empty means DOCKER_HOST or
	// the default socket.
	DockerHost string `yaml:"docker_host"`

	Core        CoreConfig        `yaml:"core"`
	Plugins     map[string]string `yaml:"plugins" validate:"dive,required"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Snapshots   SnapshotsConfig   `yaml:"snapshots"`
	Replication ReplicationConfig `yaml:"replication"`
	Host        HostConfig        `yaml:"host"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// PathsConfig locates supervisor data.
type PathsConfig struct {
	Data   string `yaml:"data" validate:"required"`
	Backup string `yaml:"backup" validate:"required"`
	Import string `yaml:"import"`
	Tmp    string `yaml:"tmp" validate:"required"`

	// CoreConfig is the configuration directory of the primary application.
	CoreConfig  string `yaml:"core_config" validate:"required"`
	AddonsData  string `yaml:"addons_data" validate:"required"`
	AddonsLocal string `yaml:"addons_local"`
	Share       string `yaml:"share"`
	SSL         string `yaml:"ssl"`
	Media       string `yaml:"media"`
}

// CoreConfig configures the primary application container.
type CoreConfig struct {
	Image        string        `yaml:"image" validate:"required"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	WaitBoot     time.Duration `yaml:"wait_boot" validate:"min=1s"`
	APITimeout   time.Duration `yaml:"api_timeout" validate:"min=100ms"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=10ms"`
}

// JobsConfig configures job conditions.
type JobsConfig struct {
	// MinFreeSpace is the free_space condition threshold.
	MinFreeSpace ByteSize `yaml:"min_free_space"`

	// IgnoreConditions disables conditions, for development hosts.
	IgnoreConditions []string `yaml:"ignore_conditions" validate:"dive,oneof=free_space healthy running internet_host internet_system"`
}

// WatchdogConfig holds watchdog and maintenance intervals.
type WatchdogConfig struct {
	CoreDocker          time.Duration `yaml:"core_docker" validate:"min=1s"`
	CoreAPI             time.Duration `yaml:"core_api" validate:"min=1s"`
	DNS                 time.Duration `yaml:"dns" validate:"min=1s"`
	Plugins             time.Duration `yaml:"plugins" validate:"min=1s"`
	AddonDocker         time.Duration `yaml:"addon_docker" validate:"min=1s"`
	AddonApplication    time.Duration `yaml:"addon_application" validate:"min=1s"`
	ObserverApplication time.Duration `yaml:"observer_application" validate:"min=1s"`
	AddonRefresh        time.Duration `yaml:"addon_refresh" validate:"min=1s"`
	UpdateSupervisor    time.Duration `yaml:"update_supervisor" validate:"min=1s"`
	UpdatePlugins       time.Duration `yaml:"update_plugins" validate:"min=1s"`
	UpdateAddons        time.Duration `yaml:"update_addons" validate:"min=1s"`
	ReloadSnapshots     time.Duration `yaml:"reload_snapshots" validate:"min=1s"`
	ReloadUpdater       time.Duration `yaml:"reload_updater" validate:"min=1s"`
	Connectivity        time.Duration `yaml:"connectivity" validate:"min=1s"`
}

// SnapshotsConfig configures the snapshot manager.
type SnapshotsConfig struct {
	Compression string `yaml:"compression" validate:"oneof=none fast default max"`

	// ReloadConcurrency bounds parallel archive reads on reload.
	ReloadConcurrency int `yaml:"reload_concurrency" validate:"min=1,max=64"`

	// ImportWatch enables the import directory watcher.
	ImportWatch bool `yaml:"import_watch"`

	// ImportSettle is how long a file must stay unchanged before import.
	ImportSettle time.Duration `yaml:"import_settle"`
}

// ReplicationConfig configures off-site snapshot copies over SFTP.
type ReplicationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Name       string        `yaml:"name" validate:"required_if=Enabled true"`
	Host       string        `yaml:"host" validate:"required_if=Enabled true"`
	Port       int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User       string        `yaml:"user" validate:"required_if=Enabled true"`
	Password   string        `yaml:"password"`
	KeyFile    string        `yaml:"key_file"`
	KnownHosts string        `yaml:"known_hosts"`
	RemoteDir  string        `yaml:"remote_dir" validate:"required_if=Enabled true"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HostConfig configures connectivity checks.
type HostConfig struct {
	HostCheckURL   string        `yaml:"host_check_url" validate:"omitempty,url"`
	SystemCheckURL string        `yaml:"system_check_url" validate:"omitempty,url"`
	Timeout        time.Duration `yaml:"timeout"`
}

// TelemetryConfig is the file form of the telemetry settings.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat   string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput   string `yaml:"log_output"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"min=0,max=1"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`
}
