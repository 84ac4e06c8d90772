// Package provisioner creates and destroys the hardened containers that
// back sandbox sessions, and opens interactive exec streams inside them.
package provisioner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/logger"
)

const (
	// destroyTimeout bounds the whole destroy: kill plus remove.
	destroyTimeout = 10 * time.Second

	// sandboxUID is the non-root uid/gid owning the writable tmpfs mounts.
	sandboxUID = 1000

	// nofileLimit is the soft and hard open-file cap inside the sandbox.
	nofileLimit = 64

	// pidsLimit caps processes inside the sandbox.
	pidsLimit = 50

	// cpuQuota is half a core, expressed in nano-CPUs.
	cpuQuota = 500_000_000
)

// Runtime is the slice of the container engine the provisioner needs.
// *jail.Engine satisfies it.
type Runtime interface {
	ImagePresent(ctx context.Context, image string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, opts container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, force bool) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerListByStatus(ctx context.Context, statuses ...string) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, containerID string, opts container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, opts container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, height, width uint) error
	HasRuntime(ctx context.Context, name string) (bool, error)
}

// Limits are the per-container resource caps.
type Limits struct {
	MemoryBytes    int64
	HomeTmpfsBytes int64
	TmpTmpfsBytes  int64
}

// Options configures a Provisioner.
type Options struct {
	// LabelPrefix namespaces the identifying labels on every container.
	LabelPrefix string

	// Limits are the resource caps applied to every container.
	Limits Limits

	// UseGVisor requests the gVisor runtime when the host lists it.
	UseGVisor bool

	// GVisorRuntime is the runtime name to probe for, typically "runsc".
	GVisorRuntime string
}

// ContainerInfo describes a freshly created or inspected container.
type ContainerInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Labels    map[string]string
	Running   bool
}

// Provisioner creates hardened containers. It is stateless; every
// container it creates is owned by exactly one session.
type Provisioner struct {
	runtime  Runtime
	registry *environment.Registry
	opts     Options

	gvisorReady bool
}

// New creates a Provisioner and probes gVisor availability once. The probe
// is advisory: when the requested runtime is missing, containers fall back
// to the host default with a warning.
func New(ctx context.Context, runtime Runtime, registry *environment.Registry, opts Options) *Provisioner {
	p := &Provisioner{
		runtime:  runtime,
		registry: registry,
		opts:     opts,
	}

	if opts.UseGVisor {
		ok, err := runtime.HasRuntime(ctx, opts.GVisorRuntime)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("gVisor probe failed, using default runtime")
		case !ok:
			logger.Warn().
				Str("runtime", opts.GVisorRuntime).
				Msg("gVisor runtime not listed by host, using default runtime")
		default:
			p.gvisorReady = true
			logger.Info().Str("runtime", opts.GVisorRuntime).Msg("gVisor runtime available")
		}
	}

	return p
}

// GVisorActive reports whether containers are being created under gVisor.
func (p *Provisioner) GVisorActive() bool {
	return p.gvisorReady
}

// Create provisions and starts one hardened container for the given tool
// pair and environment. The environment's image must already be present on
// the host.
func (p *Provisioner) Create(ctx context.Context, toolPair, envName string) (ContainerInfo, error) {
	env, err := p.registry.Get(envName)
	if err != nil {
		return ContainerInfo{}, &Error{Cause: CauseCreateFailed, Op: "resolve", Err: err,
			Message: fmt.Sprintf("unknown environment %q", envName)}
	}

	if err := p.runtime.ImagePresent(ctx, env.Image); err != nil {
		return ContainerInfo{}, &Error{Cause: CauseCreateFailed, Op: "image", Err: err,
			Message: fmt.Sprintf("image for environment %q is not available", envName)}
	}

	name := fmt.Sprintf("sb-%s-%s", env.Name, uuid.NewString()[:8])
	config, hostConfig := p.containerSpec(env, toolPair)

	resp, err := p.runtime.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, &Error{Cause: CauseCreateFailed, Op: "create", Err: err,
			Message: "container creation failed"}
	}

	if err := p.runtime.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leak a created-but-unstarted container.
		if rmErr := p.runtime.ContainerRemove(ctx, resp.ID, true); rmErr != nil {
			logger.Error().Err(rmErr).Str("container_id", resp.ID).
				Msg("failed to remove container after start failure")
		}
		return ContainerInfo{}, &Error{Cause: CauseCreateFailed, Op: "start", Err: err,
			Message: "container failed to start"}
	}

	logger.Info().
		Str("container_id", resp.ID).
		Str("name", name).
		Str("environment", env.Name).
		Bool("gvisor", p.gvisorReady).
		Msg("container created")

	return ContainerInfo{
		ID:        resp.ID,
		Name:      name,
		CreatedAt: time.Now(),
		Labels:    config.Labels,
		Running:   true,
	}, nil
}

// containerSpec builds the hardened container and host configuration.
func (p *Provisioner) containerSpec(env environment.Environment, toolPair string) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:        env.Image,
		Cmd:          env.Shell,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			p.opts.LabelPrefix + ".tool-pair":   toolPair,
			p.opts.LabelPrefix + ".environment": env.Name,
		},
	}

	tmpfsOwner := fmt.Sprintf("uid=%d,gid=%d", sandboxUID, sandboxUID)
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Tmpfs: map[string]string{
			"/home/sandbox": fmt.Sprintf("size=%d,%s", p.opts.Limits.HomeTmpfsBytes, tmpfsOwner),
			"/tmp":          fmt.Sprintf("size=%d,%s", p.opts.Limits.TmpTmpfsBytes, tmpfsOwner),
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    p.opts.Limits.MemoryBytes,
			NanoCPUs:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: nofileLimit, Hard: nofileLimit},
			},
		},
	}

	if p.gvisorReady {
		hostConfig.Runtime = p.opts.GVisorRuntime
	}

	return config, hostConfig
}

// Destroy kills and removes a container. A container that no longer exists
// is success; the whole operation is bounded by a 10-second deadline.
func (p *Provisioner) Destroy(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	if err := p.runtime.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		if IsNotFound(err) {
			return nil
		}
		if ctx.Err() != nil {
			return &Error{Cause: CauseDestroyFailed, Op: "kill", Err: ctx.Err(),
				Message: fmt.Sprintf("timed out killing container %s", containerID)}
		}
		// Kill can fail on an already-stopped container; removal below is
		// what actually reclaims it.
		logger.Warn().Err(err).Str("container_id", containerID).Msg("kill failed, attempting removal")
	}

	if err := p.runtime.ContainerRemove(ctx, containerID, true); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return &Error{Cause: CauseDestroyFailed, Op: "remove", Err: err,
			Message: fmt.Sprintf("failed to remove container %s", containerID)}
	}

	logger.Info().Str("container_id", containerID).Msg("container destroyed")
	return nil
}

// Inspect returns identifying details for one managed container.
func (p *Provisioner) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	info, err := p.runtime.ContainerInspect(ctx, containerID)
	if err != nil {
		if IsNotFound(err) {
			return ContainerInfo{}, &Error{Cause: CauseNotFound, Op: "inspect", Err: err,
				Message: fmt.Sprintf("container %s not found", containerID)}
		}
		return ContainerInfo{}, &Error{Cause: CauseInspectFailed, Op: "inspect", Err: err,
			Message: fmt.Sprintf("failed to inspect container %s", containerID)}
	}

	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	out := ContainerInfo{
		ID:        info.ID,
		Name:      info.Name,
		CreatedAt: created,
	}
	if info.Config != nil {
		out.Labels = info.Config.Labels
	}
	if info.State != nil {
		out.Running = info.State.Running
	}
	return out, nil
}

// CleanupOrphaned force-removes managed containers left in exited or dead
// states by a previous run. It never fails the caller; per-container errors
// are logged and skipped. Returns the number removed.
func (p *Provisioner) CleanupOrphaned(ctx context.Context) int {
	orphans, err := p.runtime.ContainerListByStatus(ctx, "exited", "dead")
	if err != nil {
		logger.Error().Err(err).Msg("orphan scan failed")
		return 0
	}

	removed := 0
	for _, c := range orphans {
		if err := p.runtime.ContainerRemove(ctx, c.ID, true); err != nil {
			logger.Warn().Err(err).Str("container_id", c.ID).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("cleaned up orphaned containers")
	}
	return removed
}

// CreateExec opens an interactive TTY exec inside a running container and
// attaches to it, returning the exec id and the bidirectional stream.
func (p *Provisioner) CreateExec(ctx context.Context, containerID string, shell []string) (string, io.ReadWriteCloser, error) {
	exec, err := p.runtime.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          shell,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return "", nil, &Error{Cause: CauseExecFailed, Op: "exec_create", Err: err,
			Message: fmt.Sprintf("failed to create exec in container %s", containerID)}
	}

	resp, err := p.runtime.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, &Error{Cause: CauseExecFailed, Op: "exec_attach", Err: err,
			Message: fmt.Sprintf("failed to attach to exec %s", exec.ID)}
	}

	return exec.ID, &hijackStream{resp: resp}, nil
}

// ResizeExec resizes the TTY of a live exec instance.
func (p *Provisioner) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	if err := p.runtime.ContainerExecResize(ctx, execID, rows, cols); err != nil {
		return &Error{Cause: CauseExecFailed, Op: "exec_resize", Err: err,
			Message: fmt.Sprintf("failed to resize exec %s", execID)}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
