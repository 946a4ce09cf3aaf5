package components

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/OpenPeerPower/supervisor/pkg/engine"
	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// stopTimeout is the grace period, in seconds, before a container is killed.
const stopTimeout = 60

// dockerAPI is the part of the Engine API the supervisor drives.
// *client.Client satisfies it.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImageTag(ctx context.Context, source, target string) error
}

// Docker implements Runtime over the Docker Engine API.
type Docker struct {
	api    dockerAPI
	logger *telemetry.Logger
}

// NewDocker connects to the engine at host. An empty host uses DOCKER_HOST
// or the default socket. The API version is negotiated on first use.
func NewDocker(host string, logger *telemetry.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, logger), nil
}

func newDocker(api dockerAPI, logger *telemetry.Logger) *Docker {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Docker{api: api, logger: logger.NewComponentLogger("docker")}
}

func imageRef(image, version string) string {
	if version == "" {
		return image
	}
	return image + ":" + version
}

// inspect returns nil without error when the container does not exist.
func (d *Docker) inspect(ctx context.Context, name string) (*container.InspectResponse, error) {
	info, err := d.api.ContainerInspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func containerState(info *container.InspectResponse) *container.State {
	if info == nil || info.ContainerJSONBase == nil {
		return nil
	}
	return info.State
}

// IsRunning implements Runtime.
func (d *Docker) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.inspect(ctx, name)
	state := containerState(info)
	if err != nil || state == nil {
		return false, err
	}
	return state.Running, nil
}

// IsFailed implements Runtime.
func (d *Docker) IsFailed(ctx context.Context, name string) (bool, error) {
	info, err := d.inspect(ctx, name)
	state := containerState(info)
	if err != nil || state == nil {
		return false, err
	}
	return string(state.Status) == "exited" && state.ExitCode != 0, nil
}

// Exists implements Runtime.
func (d *Docker) Exists(ctx context.Context, name string) (bool, error) {
	info, err := d.inspect(ctx, name)
	return info != nil, err
}

// ImageExists implements Runtime.
func (d *Docker) ImageExists(ctx context.Context, image, version string) (bool, error) {
	_, err := d.api.ImageInspect(ctx, imageRef(image, version))
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Pull implements Runtime. The progress stream is drained so the pull
// completes before returning.
func (d *Docker) Pull(ctx context.Context, img, version string) error {
	ref := imageRef(img, version)
	d.logger.Infof("Downloading docker image %s", ref)
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err == nil {
		err = drainPull(rc)
	}
	if err != nil {
		return engine.NewComponentError("can't pull image", err).WithResource(img).WithOperation("pull")
	}
	return nil
}

// drainPull reads the JSON progress stream and returns the first error
// message the engine reported.
func drainPull(rc io.ReadCloser) error {
	defer rc.Close()
	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("pull: %s", msg.Error)
		}
	}
}

// Tag implements Runtime.
func (d *Docker) Tag(ctx context.Context, img, version, tag string) error {
	if err := d.api.ImageTag(ctx, imageRef(img, version), imageRef(img, tag)); err != nil {
		return engine.NewComponentError("can't tag image", err).WithResource(img).WithOperation("tag")
	}
	return nil
}

// RemoveImage implements Runtime.
func (d *Docker) RemoveImage(ctx context.Context, img, version string) error {
	_, err := d.api.ImageRemove(ctx, imageRef(img, version), image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return engine.NewComponentError("can't remove image", err).WithResource(img).WithOperation("remove_image")
	}
	return nil
}

func containerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}

	cfg := &container.Config{
		Image: imageRef(spec.Image, spec.Version),
		Env:   env,
		Cmd:   spec.Command,
	}
	host := &container.HostConfig{
		Binds:         spec.Volumes,
		NetworkMode:   container.NetworkMode(spec.Network),
		Privileged:    spec.Privileged,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if spec.Init {
		init := true
		host.Init = &init
	}
	return cfg, host
}

// Run implements Runtime.
func (d *Docker) Run(ctx context.Context, spec ContainerSpec) error {
	if err := d.Stop(ctx, spec.Name, true); err != nil {
		return err
	}

	cfg, host := containerConfig(spec)
	created, err := d.api.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return engine.NewComponentError("can't create container", err).WithResource(spec.Name).WithOperation("run")
	}
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return engine.NewComponentError("can't start container", err).WithResource(spec.Name).WithOperation("run")
	}
	d.logger.Infof("Started %s with version %s", spec.Name, spec.Version)
	return nil
}

// Stop implements Runtime.
func (d *Docker) Stop(ctx context.Context, name string, remove bool) error {
	info, err := d.inspect(ctx, name)
	if err != nil {
		return engine.NewComponentError("can't inspect container", err).WithResource(name).WithOperation("stop")
	}
	if info == nil {
		return nil
	}

	timeout := stopTimeout
	if state := containerState(info); state != nil && state.Running {
		d.logger.Debugf("Stopping %s", name)
		err := d.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return engine.NewComponentError("can't stop container", err).WithResource(name).WithOperation("stop")
		}
	}
	if remove {
		err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return engine.NewComponentError("can't remove container", err).WithResource(name).WithOperation("stop")
		}
	}
	return nil
}

// Restart implements Runtime.
func (d *Docker) Restart(ctx context.Context, name string) error {
	timeout := stopTimeout
	if err := d.api.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return engine.NewComponentError("can't restart container", err).WithResource(name).WithOperation("restart")
	}
	return nil
}

// Logs implements Runtime. Stdout and stderr are merged.
func (d *Docker) Logs(ctx context.Context, name string, tail int) ([]byte, error) {
	rc, err := d.api.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, engine.NewComponentError("can't read logs", err).WithResource(name).WithOperation("logs")
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return nil, engine.NewComponentError("can't read logs", err).WithResource(name).WithOperation("logs")
	}
	return out.Bytes(), nil
}

// Exec implements Runtime. A non-zero exit code is reported in the result,
// not as an error.
func (d *Docker) Exec(ctx context.Context, name string, command ...string) (ExecResult, error) {
	fail := func(err error) (ExecResult, error) {
		return ExecResult{}, engine.NewComponentError("can't exec in container", err).WithResource(name).WithOperation("exec")
	}

	created, err := d.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fail(err)
	}
	attached, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fail(err)
	}
	defer attached.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attached.Reader); err != nil {
		return fail(err)
	}
	state, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fail(err)
	}
	return ExecResult{ExitCode: state.ExitCode, Output: out.Bytes()}, nil
}

// Stats implements Runtime.
func (d *Docker) Stats(ctx context.Context, name string) (*Stats, error) {
	resp, err := d.api.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, engine.NewComponentError("can't read stats", err).WithResource(name).WithOperation("stats")
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats of %s: %w", name, err)
	}
	return statsFrom(&raw), nil
}

// statsFrom computes usage the way the docker CLI does: CPU relative to the
// previous sample, memory without page cache.
func statsFrom(raw *container.StatsResponse) *Stats {
	s := &Stats{MemoryLimit: raw.MemoryStats.Limit}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		s.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	s.MemoryUsage = raw.MemoryStats.Usage
	if cache, ok := raw.MemoryStats.Stats["cache"]; ok && cache < s.MemoryUsage {
		s.MemoryUsage -= cache
	}
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}

	for _, n := range raw.Networks {
		s.NetworkRx += n.RxBytes
		s.NetworkTx += n.TxBytes
	}
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch e.Op {
		case "read", "Read":
			s.BlockRead += e.Value
		case "write", "Write":
			s.BlockWrite += e.Value
		}
	}
	return s
}
