package reload

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	running    bool
	inspectErr error
	killErr    error
	killed     []string
	restarted  []container.StopOptions
	closed     bool
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Running: f.running},
		},
	}, nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.killed = append(f.killed, signal)
	return f.killErr
}

func (f *fakeDocker) ContainerRestart(ctx context.Context, id string, opts container.StopOptions) error {
	f.restarted = append(f.restarted, opts)
	return nil
}

func (f *fakeDocker) Close() error {
	f.closed = true
	return nil
}

func TestDockerReloaderSignalsRunningContainer(t *testing.T) {
	api := &fakeDocker{running: true}
	r := newDockerReloader(api, Config{Mode: ModeDockerSignal, Container: "nginx"})

	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, []string{"HUP"}, api.killed)
	assert.Empty(t, api.restarted)
	assert.Equal(t, "docker-signal", r.Name())

	require.NoError(t, Close(r))
	assert.True(t, api.closed)
}

func TestDockerReloaderRestartsStoppedContainer(t *testing.T) {
	api := &fakeDocker{running: false}
	r := newDockerReloader(api, Config{Mode: ModeDockerSignal, Container: "nginx"})

	require.NoError(t, r.Reload(context.Background()))
	assert.Empty(t, api.killed)
	assert.Len(t, api.restarted, 1)
}

func TestDockerReloaderRestartMode(t *testing.T) {
	api := &fakeDocker{running: true}
	r := newDockerReloader(api, Config{Mode: ModeDockerRestart, Container: "nginx", StopTimeout: 5 * time.Second})

	require.NoError(t, r.Reload(context.Background()))
	require.Len(t, api.restarted, 1)
	require.NotNil(t, api.restarted[0].Timeout)
	assert.Equal(t, 5, *api.restarted[0].Timeout)
	assert.Equal(t, "docker-restart", r.Name())
}

func TestDockerReloaderErrors(t *testing.T) {
	r := newDockerReloader(&fakeDocker{inspectErr: errors.New("no such container")}, Config{Container: "nginx"})
	assert.ErrorContains(t, r.Reload(context.Background()), "no such container")

	r = newDockerReloader(&fakeDocker{running: true, killErr: errors.New("permission denied")}, Config{Container: "nginx", Signal: "USR1"})
	err := r.Reload(context.Background())
	assert.ErrorContains(t, err, "USR1")
}

func TestExecReloader(t *testing.T) {
	r, err := NewExecReloader([]string{"true"})
	require.NoError(t, err)
	assert.NoError(t, r.Reload(context.Background()))

	r, err = NewExecReloader([]string{"sh", "-c", "echo config test failed >&2; exit 1"})
	require.NoError(t, err)
	assert.ErrorContains(t, r.Reload(context.Background()), "config test failed")

	_, err = NewExecReloader(nil)
	assert.Error(t, err)
}

func TestExecReloaderTimeout(t *testing.T) {
	r, err := NewExecReloader([]string{"sleep", "5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = r.Reload(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

type fakeSignaler struct {
	signals []syscall.Signal
	err     error
}

func (f *fakeSignaler) SignalTask(ctx context.Context, id string, sig syscall.Signal) error {
	f.signals = append(f.signals, sig)
	return f.err
}

func (f *fakeSignaler) Close() error { return nil }

func TestContainerdReloader(t *testing.T) {
	s := &fakeSignaler{}
	r := &ContainerdReloader{signaler: s, container: "nginx", signal: syscall.SIGHUP}

	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, []syscall.Signal{syscall.SIGHUP}, s.signals)
	assert.Equal(t, "containerd", r.Name())
}

func TestParseSignal(t *testing.T) {
	sig, err := parseSignal("")
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGHUP, sig)

	sig, err = parseSignal("SIGUSR2")
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGUSR2, sig)

	_, err = parseSignal("NOPE")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "none", r.Name())
	assert.NoError(t, r.Reload(context.Background()))
	assert.NoError(t, Close(r))

	r, err = New(Config{Mode: ModeExec, Command: []string{"nginx", "-s", "reload"}})
	require.NoError(t, err)
	assert.Equal(t, "exec", r.Name())

	_, err = New(Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = New(Config{Mode: ModeDockerSignal})
	assert.Error(t, err, "container name is required")

	_, err = New(Config{Mode: ModeContainerd})
	assert.Error(t, err, "container id is required")
}

func TestWarning(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &Warning{Reloader: "docker-signal", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "docker-signal")

	var w *Warning
	assert.True(t, errors.As(err, &w))
}
