package provisioner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/pkg/jail"
)

// fakeRuntime records calls and lets tests inject failures.
type fakeRuntime struct {
	images   map[string]bool
	runtimes map[string]bool

	created     []createdContainer
	started     []string
	killed      []string
	removed     []string
	execOpts    map[string]container.ExecOptions
	resized     map[string]container.ResizeOptions
	orphans     []types.Container
	inspectable map[string]types.ContainerJSON

	startErr  error
	killErr   error
	removeErr map[string]error
	listErr   error
	nextID    int
}

type createdContainer struct {
	id         string
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:      map[string]bool{"sandboxd/env-bash:latest": true, "sandboxd/env-node:latest": true, "sandboxd/env-python:latest": true},
		runtimes:    map[string]bool{"runc": true},
		execOpts:    make(map[string]container.ExecOptions),
		resized:     make(map[string]container.ResizeOptions),
		inspectable: make(map[string]types.ContainerJSON),
		removeErr:   make(map[string]error),
	}
}

func (f *fakeRuntime) ImagePresent(ctx context.Context, image string) error {
	if !f.images[image] {
		return jail.ErrImageMissing(image, errors.New("no such image"))
	}
	return nil
}

func (f *fakeRuntime) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.created = append(f.created, createdContainer{id: id, name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeRuntime) ContainerStart(ctx context.Context, containerID string, opts container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeRuntime) ContainerKill(ctx context.Context, containerID, signal string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, containerID)
	return nil
}

func (f *fakeRuntime) ContainerRemove(ctx context.Context, containerID string, force bool) error {
	if err, ok := f.removeErr[containerID]; ok {
		return err
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	info, ok := f.inspectable[containerID]
	if !ok {
		return types.ContainerJSON{}, jail.ErrContainerNotFound(containerID)
	}
	return info, nil
}

func (f *fakeRuntime) ContainerListByStatus(ctx context.Context, statuses ...string) ([]types.Container, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.orphans, nil
}

func (f *fakeRuntime) ContainerExecCreate(ctx context.Context, containerID string, opts container.ExecOptions) (types.IDResponse, error) {
	f.nextID++
	id := fmt.Sprintf("exec-%d", f.nextID)
	f.execOpts[id] = opts
	return types.IDResponse{ID: id}, nil
}

func (f *fakeRuntime) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecStartOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{Reader: bufio.NewReader(strings.NewReader(""))}, nil
}

func (f *fakeRuntime) ContainerExecResize(ctx context.Context, execID string, height, width uint) error {
	f.resized[execID] = container.ResizeOptions{Height: height, Width: width}
	return nil
}

func (f *fakeRuntime) HasRuntime(ctx context.Context, name string) (bool, error) {
	return f.runtimes[name], nil
}

func testOptions() Options {
	return Options{
		LabelPrefix: "dev.sandboxd",
		Limits: Limits{
			MemoryBytes:    128 * 1024 * 1024,
			HomeTmpfsBytes: 50 * 1024 * 1024,
			TmpTmpfsBytes:  10 * 1024 * 1024,
		},
		UseGVisor:     false,
		GVisorRuntime: "runsc",
	}
}

func newTestProvisioner(rt *fakeRuntime, opts Options) *Provisioner {
	return New(context.Background(), rt, environment.NewRegistry(), opts)
}

func TestCreateAppliesHardeningProfile(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	info, err := p.Create(context.Background(), "docs/shell-basics", "bash")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.True(t, strings.HasPrefix(info.Name, "sb-bash-"))
	require.Len(t, rt.created, 1)
	require.Equal(t, []string{info.ID}, rt.started)

	cfg := rt.created[0].config
	assert.True(t, cfg.Tty)
	assert.True(t, cfg.OpenStdin)
	assert.Equal(t, []string{"/bin/bash"}, []string(cfg.Cmd))
	assert.Equal(t, "docs/shell-basics", cfg.Labels["dev.sandboxd.tool-pair"])
	assert.Equal(t, "bash", cfg.Labels["dev.sandboxd.environment"])

	hc := rt.created[0].hostConfig
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.True(t, hc.ReadonlyRootfs)
	assert.False(t, hc.AutoRemove)
	assert.Equal(t, []string{"ALL"}, []string(hc.CapDrop))
	assert.Equal(t, []string{"no-new-privileges"}, hc.SecurityOpt)
	assert.Equal(t, int64(128*1024*1024), hc.Resources.Memory)
	assert.Equal(t, int64(500_000_000), hc.Resources.NanoCPUs)
	require.NotNil(t, hc.Resources.PidsLimit)
	assert.Equal(t, int64(50), *hc.Resources.PidsLimit)
	require.Len(t, hc.Resources.Ulimits, 1)
	assert.Equal(t, "nofile", hc.Resources.Ulimits[0].Name)
	assert.Equal(t, int64(64), hc.Resources.Ulimits[0].Soft)
	assert.Equal(t, int64(64), hc.Resources.Ulimits[0].Hard)

	assert.Contains(t, hc.Tmpfs["/home/sandbox"], fmt.Sprintf("size=%d", 50*1024*1024))
	assert.Contains(t, hc.Tmpfs["/home/sandbox"], "uid=1000,gid=1000")
	assert.Contains(t, hc.Tmpfs["/tmp"], fmt.Sprintf("size=%d", 10*1024*1024))
	assert.Empty(t, hc.Runtime, "no gVisor requested")
}

func TestCreateUnknownEnvironment(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	_, err := p.Create(context.Background(), "tp", "cobol")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CauseCreateFailed, pe.Cause)
	assert.Empty(t, rt.created)
}

func TestCreateMissingImage(t *testing.T) {
	rt := newFakeRuntime()
	delete(rt.images, "sandboxd/env-node:latest")
	p := newTestProvisioner(rt, testOptions())

	_, err := p.Create(context.Background(), "tp", "node")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CauseCreateFailed, pe.Cause)
	assert.Empty(t, rt.created, "no container before image verification passes")
}

func TestCreateStartFailureCleansUp(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("oci runtime error")
	p := newTestProvisioner(rt, testOptions())

	_, err := p.Create(context.Background(), "tp", "bash")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CauseCreateFailed, pe.Cause)
	require.Len(t, rt.created, 1)
	assert.Equal(t, []string{rt.created[0].id}, rt.removed, "unstarted container must be removed")
}

func TestGVisorAttachedWhenAvailable(t *testing.T) {
	rt := newFakeRuntime()
	rt.runtimes["runsc"] = true
	opts := testOptions()
	opts.UseGVisor = true
	p := newTestProvisioner(rt, opts)

	require.True(t, p.GVisorActive())

	_, err := p.Create(context.Background(), "tp", "bash")
	require.NoError(t, err)
	assert.Equal(t, "runsc", rt.created[0].hostConfig.Runtime)
}

func TestGVisorFallsBackWhenMissing(t *testing.T) {
	rt := newFakeRuntime()
	opts := testOptions()
	opts.UseGVisor = true
	p := newTestProvisioner(rt, opts)

	assert.False(t, p.GVisorActive())

	_, err := p.Create(context.Background(), "tp", "bash")
	require.NoError(t, err)
	assert.Empty(t, rt.created[0].hostConfig.Runtime)
}

func TestDestroy(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	require.NoError(t, p.Destroy(context.Background(), "ctr-9"))
	assert.Equal(t, []string{"ctr-9"}, rt.killed)
	assert.Equal(t, []string{"ctr-9"}, rt.removed)
}

func TestDestroyMissingContainerIsSuccess(t *testing.T) {
	rt := newFakeRuntime()
	rt.killErr = jail.ErrContainerNotFound("ctr-9")
	p := newTestProvisioner(rt, testOptions())

	assert.NoError(t, p.Destroy(context.Background(), "ctr-9"))
}

func TestDestroyKillFailureStillRemoves(t *testing.T) {
	rt := newFakeRuntime()
	rt.killErr = errors.New("container already stopped")
	p := newTestProvisioner(rt, testOptions())

	require.NoError(t, p.Destroy(context.Background(), "ctr-9"))
	assert.Equal(t, []string{"ctr-9"}, rt.removed)
}

func TestDestroyRemoveFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.removeErr["ctr-9"] = errors.New("device busy")
	p := newTestProvisioner(rt, testOptions())

	err := p.Destroy(context.Background(), "ctr-9")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CauseDestroyFailed, pe.Cause)
}

func TestInspect(t *testing.T) {
	rt := newFakeRuntime()
	rt.inspectable["ctr-1"] = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      "ctr-1",
			Name:    "/sb-bash-abc",
			Created: "2026-02-01T09:00:00.000000000Z",
			State:   &types.ContainerState{Running: true},
		},
		Config: &container.Config{Labels: map[string]string{"dev.sandboxd.environment": "bash"}},
	}
	p := newTestProvisioner(rt, testOptions())

	info, err := p.Inspect(context.Background(), "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, "ctr-1", info.ID)
	assert.True(t, info.Running)
	assert.Equal(t, 2026, info.CreatedAt.Year())
	assert.Equal(t, "bash", info.Labels["dev.sandboxd.environment"])
}

func TestInspectMissing(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	_, err := p.Inspect(context.Background(), "ghost")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CauseNotFound, pe.Cause)
	assert.True(t, IsNotFound(err))
}

func TestCleanupOrphaned(t *testing.T) {
	rt := newFakeRuntime()
	rt.orphans = []types.Container{{ID: "dead-1"}, {ID: "dead-2"}, {ID: "stuck"}}
	rt.removeErr["stuck"] = errors.New("device busy")
	p := newTestProvisioner(rt, testOptions())

	removed := p.CleanupOrphaned(context.Background())
	assert.Equal(t, 2, removed, "failures are skipped, not fatal")
	assert.ElementsMatch(t, []string{"dead-1", "dead-2"}, rt.removed)
}

func TestCleanupOrphanedScanFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.listErr = errors.New("daemon gone")
	p := newTestProvisioner(rt, testOptions())

	assert.Equal(t, 0, p.CleanupOrphaned(context.Background()))
}

func TestCreateExec(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	execID, stream, err := p.CreateExec(context.Background(), "ctr-1", []string{"/bin/bash"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)
	require.NotNil(t, stream)

	opts := rt.execOpts[execID]
	assert.True(t, opts.Tty)
	assert.True(t, opts.AttachStdin)
	assert.True(t, opts.AttachStdout)
	assert.True(t, opts.AttachStderr)
	assert.Equal(t, []string{"/bin/bash"}, opts.Cmd)
	assert.Contains(t, opts.Env, "TERM=xterm-256color")
}

func TestResizeExec(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestProvisioner(rt, testOptions())

	require.NoError(t, p.ResizeExec(context.Background(), "exec-1", 120, 40))
	assert.Equal(t, uint(40), rt.resized["exec-1"].Height)
	assert.Equal(t, uint(120), rt.resized["exec-1"].Width)
}
