package reload

import (
	"context"
	"fmt"
	"time"
)

// Mode selects how the reverse proxy is told to re-read its files
type Mode string

const (
	ModeDockerSignal  Mode = "docker-signal"
	ModeDockerRestart Mode = "docker-restart"
	ModeContainerd    Mode = "containerd"
	ModeExec          Mode = "exec"
	ModeNone          Mode = "none"

	DefaultSignal  = "HUP"
	DefaultTimeout = 10 * time.Second
)

// Reloader signals the external reverse proxy to pick up new config and certificates
type Reloader interface {
	Reload(ctx context.Context) error
	Name() string
}

// Warning wraps a failed reload. It is not fatal: the artifacts are already
// installed and the proxy picks them up on its next successful reload.
type Warning struct {
	Reloader string
	Err      error
}

func (w *Warning) Error() string {
	return fmt.Sprintf("proxy reload via %s failed: %v", w.Reloader, w.Err)
}

func (w *Warning) Unwrap() error {
	return w.Err
}

// Config selects and configures a reloader
type Config struct {
	Mode                Mode
	Container           string
	Signal              string
	Command             []string
	StopTimeout         time.Duration
	ContainerdSocket    string
	ContainerdNamespace string
}

// New builds the reloader for cfg.Mode
func New(cfg Config) (Reloader, error) {
	switch cfg.Mode {
	case ModeNone, "":
		return Noop{}, nil
	case ModeExec:
		return NewExecReloader(cfg.Command)
	case ModeDockerSignal, ModeDockerRestart:
		return NewDockerReloader(cfg)
	case ModeContainerd:
		return NewContainerdReloader(cfg)
	default:
		return nil, fmt.Errorf("unknown reload mode %q", cfg.Mode)
	}
}

// Noop does nothing, for proxies that watch their files themselves
type Noop struct{}

func (Noop) Reload(context.Context) error { return nil }

func (Noop) Name() string { return string(ModeNone) }

// Close releases a reloader's client connection if it holds one
func Close(r Reloader) error {
	if c, ok := r.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
