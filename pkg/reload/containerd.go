package reload

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/moby/sys/signal"
)

const (
	// DefaultContainerdSocket is the default containerd socket
	DefaultContainerdSocket = "/run/containerd/containerd.sock"

	// DefaultContainerdNamespace is the namespace nerdctl uses
	DefaultContainerdNamespace = "default"
)

// taskSignaler delivers a signal to a container's running task
type taskSignaler interface {
	SignalTask(ctx context.Context, containerID string, sig syscall.Signal) error
	Close() error
}

// ContainerdReloader signals the proxy's task for hosts running it under
// containerd (nerdctl) instead of Docker
type ContainerdReloader struct {
	signaler  taskSignaler
	container string
	signal    syscall.Signal
}

// NewContainerdReloader connects to containerd
func NewContainerdReloader(cfg Config) (*ContainerdReloader, error) {
	if cfg.Container == "" {
		return nil, errors.New("containerd reload requires a container id")
	}
	sig, err := parseSignal(cfg.Signal)
	if err != nil {
		return nil, err
	}

	socket := cfg.ContainerdSocket
	if socket == "" {
		socket = DefaultContainerdSocket
	}
	ns := cfg.ContainerdNamespace
	if ns == "" {
		ns = DefaultContainerdNamespace
	}

	client, err := containerd.New(socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdReloader{
		signaler:  &containerdSignaler{client: client, namespace: ns},
		container: cfg.Container,
		signal:    sig,
	}, nil
}

// Reload signals the container's task
func (c *ContainerdReloader) Reload(ctx context.Context) error {
	return c.signaler.SignalTask(ctx, c.container, c.signal)
}

func (c *ContainerdReloader) Name() string {
	return string(ModeContainerd)
}

// Close closes the containerd client connection
func (c *ContainerdReloader) Close() error {
	return c.signaler.Close()
}

type containerdSignaler struct {
	client    *containerd.Client
	namespace string
}

func (s *containerdSignaler) SignalTask(ctx context.Context, containerID string, sig syscall.Signal) error {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("container %s has no running task: %w", containerID, err)
	}

	if err := task.Kill(ctx, sig); err != nil {
		return fmt.Errorf("failed to signal task %s: %w", containerID, err)
	}
	return nil
}

func (s *containerdSignaler) Close() error {
	return s.client.Close()
}

func parseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		name = DefaultSignal
	}
	sig, err := signal.ParseSignal(name)
	if err != nil {
		return 0, fmt.Errorf("invalid reload signal %q: %w", name, err)
	}
	return sig, nil
}
