// Package docker implements container.Runtime using the Docker SDK.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/HyphaGroup/palisade/internal/container"
	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Runtime implements container.Runtime against a Docker daemon.
type Runtime struct {
	client *client.Client
}

// NewRuntime creates a new Docker runtime from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Name returns the runtime name.
func (r *Runtime) Name() string {
	return "docker"
}

// IsAvailable checks if the Docker daemon is reachable.
func (r *Runtime) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r.client.Ping(ctx)
	return err == nil
}

// Ping verifies connectivity to the Docker daemon.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Create creates a new container.
func (r *Runtime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	containerConfig := &dockercontainer.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Entrypoint: cfg.Entrypoint,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		Tty:        false,
		OpenStdin:  cfg.OpenStdin,
		StdinOnce:  false,
	}

	hostConfig := &dockercontainer.HostConfig{
		AutoRemove:  cfg.AutoRemove,
		NetworkMode: dockercontainer.NetworkMode(cfg.NetworkMode),
		Resources:   buildResourceConstraints(cfg.Memory, cfg.CPUs),
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// Start starts a container.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Stop stops a container.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	return r.client.ContainerStop(ctx, containerID, dockercontainer.StopOptions{})
}

// Remove removes a container.
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	return r.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: force})
}

// Attach attaches to a container's stdio before it starts. The
// multiplexed hijacked stream is demuxed into separate stdout and
// stderr pipes.
func (r *Runtime) Attach(ctx context.Context, containerID string) (*container.AttachedStreams, error) {
	attachResp, err := r.client.ContainerAttach(ctx, containerID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
		_ = stdoutWriter.CloseWithError(err)
		_ = stderrWriter.CloseWithError(err)
	}()

	return &container.AttachedStreams{
		Stdin:  &hijackedWriteCloser{conn: attachResp},
		Stdout: stdoutReader,
		Stderr: stderrReader,
	}, nil
}

// hijackedWriteCloser wraps a HijackedResponse as an io.WriteCloser.
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (n int, err error) {
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	h.conn.Close()
	return nil
}

// Wait blocks until the container is no longer running and returns
// its exit code.
func (r *Runtime) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Inspect returns container information.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*container.Info, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	info := &container.Info{
		ID:     inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		Image:  inspect.Config.Image,
		Status: mapStatus(inspect.State.Status),
		Labels: inspect.Config.Labels,
	}
	if inspect.State != nil {
		info.ExitCode = inspect.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = t
	}
	return info, nil
}

// List returns containers matching every given label.
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]container.Info, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	list, err := r.client.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]container.Info, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, container.Info{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Status:    mapStatus(c.State),
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

// ImageExists checks whether an image is present locally.
func (r *Runtime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

// Pull pulls an image from a registry, draining progress output.
func (r *Runtime) Pull(ctx context.Context, imageName string) error {
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull output: %w", err)
	}
	return nil
}

// EnsureNetwork returns the id of the named network, creating it if
// needed.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) (string, error) {
	list, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range list {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := r.client.NetworkCreate(ctx, name, network.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes the named network.
func (r *Runtime) RemoveNetwork(ctx context.Context, name string) error {
	return r.client.NetworkRemove(ctx, name)
}

func mapStatus(s string) container.Status {
	switch s {
	case "created":
		return container.StatusCreated
	case "running":
		return container.StatusRunning
	case "paused":
		return container.StatusPaused
	case "exited":
		return container.StatusExited
	case "dead":
		return container.StatusDead
	default:
		return container.StatusUnknown
	}
}

// buildResourceConstraints creates Docker resource constraints.
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}

	if memory != "" {
		if memBytes := parseMemoryString(memory); memBytes > 0 {
			resources.Memory = memBytes
		}
	}
	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}
	return resources
}

// parseMemoryString converts strings like "4G" or "2048M" to bytes.
func parseMemoryString(mem string) int64 {
	mem = strings.TrimSpace(strings.ToUpper(mem))
	if mem == "" {
		return 0
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(mem, "G"):
		multiplier = 1024 * 1024 * 1024
		mem = strings.TrimSuffix(mem, "G")
	case strings.HasSuffix(mem, "M"):
		multiplier = 1024 * 1024
		mem = strings.TrimSuffix(mem, "M")
	case strings.HasSuffix(mem, "K"):
		multiplier = 1024
		mem = strings.TrimSuffix(mem, "K")
	}

	n, err := strconv.ParseInt(mem, 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}
