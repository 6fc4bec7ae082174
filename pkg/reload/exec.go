package reload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExecReloader runs a command such as `nginx -s reload`
type ExecReloader struct {
	command []string
}

// NewExecReloader creates a reloader for command
func NewExecReloader(command []string) (*ExecReloader, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("exec reload requires a command")
	}
	return &ExecReloader{command: command}, nil
}

// Reload runs the command, bounded by ctx
func (e *ExecReloader) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out: %w", e.command[0], ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", e.command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", e.command[0], err)
	}
	return nil
}

func (e *ExecReloader) Name() string {
	return string(ModeExec)
}
