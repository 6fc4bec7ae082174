package reload

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// dockerAPI is the subset of the Docker client used for reloads
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	Close() error
}

// DockerReloader signals or restarts the proxy container through the Docker API
type DockerReloader struct {
	api         dockerAPI
	container   string
	signal      string
	restart     bool
	stopTimeout int
}

// NewDockerReloader connects to the Docker daemon from the environment
func NewDockerReloader(cfg Config) (*DockerReloader, error) {
	if cfg.Container == "" {
		return nil, errors.New("docker reload requires a container name")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerReloader(cli, cfg), nil
}

func newDockerReloader(api dockerAPI, cfg Config) *DockerReloader {
	signal := cfg.Signal
	if signal == "" {
		signal = DefaultSignal
	}
	return &DockerReloader{
		api:         api,
		container:   cfg.Container,
		signal:      signal,
		restart:     cfg.Mode == ModeDockerRestart,
		stopTimeout: int(cfg.StopTimeout.Seconds()),
	}
}

// Reload sends the reload signal, or restarts the container in restart mode.
// A stopped container is restarted in either mode.
func (d *DockerReloader) Reload(ctx context.Context) error {
	info, err := d.api.ContainerInspect(ctx, d.container)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", d.container, err)
	}

	running := info.ContainerJSONBase != nil && info.State != nil && info.State.Running
	if d.restart || !running {
		opts := container.StopOptions{}
		if d.stopTimeout > 0 {
			timeout := d.stopTimeout
			opts.Timeout = &timeout
		}
		if err := d.api.ContainerRestart(ctx, d.container, opts); err != nil {
			return fmt.Errorf("failed to restart container %s: %w", d.container, err)
		}
		return nil
	}

	if err := d.api.ContainerKill(ctx, d.container, d.signal); err != nil {
		return fmt.Errorf("failed to send %s to container %s: %w", d.signal, d.container, err)
	}
	return nil
}

func (d *DockerReloader) Name() string {
	if d.restart {
		return string(ModeDockerRestart)
	}
	return string(ModeDockerSignal)
}

// Close closes the Docker client
func (d *DockerReloader) Close() error {
	return d.api.Close()
}
