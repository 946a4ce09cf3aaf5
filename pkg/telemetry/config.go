package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects where the supervisor sends logs, traces and metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is attached to every span as deployment.environment.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	EnableCaller bool

	// With sampling on, SamplingInitial messages pass per second and then
	// one in SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer. Spans cover snapshot
// workflows, watchdog checks and job runs.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, for example localhost:4317.
	Endpoint string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are in seconds. Snapshot and restore durations
	// range from seconds to tens of minutes.
	DefaultHistogramBuckets []float64
}

// DefaultConfig logs to stdout at info, keeps tracing off and serves metrics
// on the loopback interface.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "supervisor",
		ServiceVersion: "dev",
		Environment:    "production",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:9090",
			Path:          "/metrics",
			Namespace:     "supervisor",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800,
			},
		},
	}
}

// Validate checks the configuration before anything is opened.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Logging.Format))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g out of range [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required"))
	}
	return errors.Join(errs...)
}
