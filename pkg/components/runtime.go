package components

import (
	"context"
)

// ContainerSpec describes how a component container is created.
type ContainerSpec struct {
	Name       string
	Image      string
	Version    string
	Env        map[string]string
	Volumes    []string
	Network    string
	Privileged bool
	Init       bool
	Command    []string
}

// ExecResult is the output of a command executed inside a container.
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// Stats is a point-in-time resource usage sample.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	BlockRead     uint64  `json:"blk_read"`
	BlockWrite    uint64  `json:"blk_write"`
}

// Runtime controls containers on the host.
type Runtime interface {
	// IsRunning reports whether the named container is running.
	IsRunning(ctx context.Context, name string) (bool, error)

	// IsFailed reports whether the named container exited with a non-zero code.
	IsFailed(ctx context.Context, name string) (bool, error)

	// Exists reports whether a container with the name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// ImageExists reports whether image:version is available locally.
	ImageExists(ctx context.Context, image, version string) (bool, error)

	// Pull fetches image:version.
	Pull(ctx context.Context, image, version string) error

	// Tag points image:tag at image:version.
	Tag(ctx context.Context, image, version, tag string) error

	// RemoveImage deletes image:version. Missing images are not an error.
	RemoveImage(ctx context.Context, image, version string) error

	// Run creates and starts a container, replacing an existing one.
	Run(ctx context.Context, spec ContainerSpec) error

	// Stop stops a container and optionally removes it.
	Stop(ctx context.Context, name string, remove bool) error

	// Restart restarts a container in place.
	Restart(ctx context.Context, name string) error

	// Logs returns the last lines of the container log.
	Logs(ctx context.Context, name string, tail int) ([]byte, error)

	// Exec runs a command in a running container.
	Exec(ctx context.Context, name string, cmd ...string) (ExecResult, error)

	// Stats samples resource usage of a running container.
	Stats(ctx context.Context, name string) (*Stats, error)
}
