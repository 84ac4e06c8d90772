package jail

import (
	"context"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MergeLabels merges label maps left to right; later maps win on conflict.
func MergeLabels(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// ImagePresent reports whether an image exists on the host. A missing
// image yields ErrImageMissing; other failures are passed through wrapped.
func (e *Engine) ImagePresent(ctx context.Context, image string) error {
	if _, _, err := e.api.ImageInspectWithRaw(ctx, image); err != nil {
		return ErrImageMissing(image, err)
	}
	return nil
}

// ContainerCreate creates a container with the managed label merged into
// the config's labels.
func (e *Engine) ContainerCreate(
	ctx context.Context,
	config *container.Config,
	hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig,
	platform *ocispec.Platform,
	name string,
) (container.CreateResponse, error) {
	config.Labels = MergeLabels(e.managedLabels(), config.Labels)

	resp, err := e.api.ContainerCreate(ctx, config, hostConfig, networkingConfig, platform, name)
	if err != nil {
		return container.CreateResponse{}, ErrContainerCreateFailed(err)
	}
	return resp, nil
}

// ContainerStart starts a managed container.
func (e *Engine) ContainerStart(ctx context.Context, containerID string, opts container.StartOptions) error {
	isManaged, err := e.IsContainerManaged(ctx, containerID)
	if err != nil {
		return ErrContainerStartFailed(containerID, err)
	}
	if !isManaged {
		return ErrContainerNotFound(containerID)
	}
	if err := e.api.ContainerStart(ctx, containerID, opts); err != nil {
		return ErrContainerStartFailed(containerID, err)
	}
	return nil
}

// ContainerKill sends a signal to a managed container. A container that no
// longer exists yields ErrContainerNotFound.
func (e *Engine) ContainerKill(ctx context.Context, containerID, signal string) error {
	isManaged, err := e.IsContainerManaged(ctx, containerID)
	if err != nil {
		return ErrContainerKillFailed(containerID, err)
	}
	if !isManaged {
		return ErrContainerNotFound(containerID)
	}
	if err := e.api.ContainerKill(ctx, containerID, signal); err != nil {
		if cerrdefs.IsNotFound(err) {
			return ErrContainerNotFound(containerID)
		}
		return ErrContainerKillFailed(containerID, err)
	}
	return nil
}

// ContainerRemove removes a managed container.
func (e *Engine) ContainerRemove(ctx context.Context, containerID string, force bool) error {
	isManaged, err := e.IsContainerManaged(ctx, containerID)
	if err != nil {
		return ErrContainerRemoveFailed(containerID, err)
	}
	if !isManaged {
		return ErrContainerNotFound(containerID)
	}
	if err := e.api.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return ErrContainerNotFound(containerID)
		}
		return ErrContainerRemoveFailed(containerID, err)
	}
	return nil
}

// ContainerInspect inspects a managed container. Unmanaged or missing
// containers yield ErrContainerNotFound.
func (e *Engine) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	isManaged, err := e.IsContainerManaged(ctx, containerID)
	if err != nil {
		return types.ContainerJSON{}, ErrContainerInspectFailed(containerID, err)
	}
	if !isManaged {
		return types.ContainerJSON{}, ErrContainerNotFound(containerID)
	}
	return e.api.ContainerInspect(ctx, containerID)
}

// ContainerList lists containers with the managed-label filter injected.
func (e *Engine) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	options.Filters = e.injectManagedFilter(options.Filters)
	list, err := e.api.ContainerList(ctx, options)
	if err != nil {
		return nil, ErrContainerListFailed(err)
	}
	return list, nil
}

// ContainerListByStatus lists managed containers in the given states,
// including stopped ones. Status values are runtime state names such as
// "exited" or "dead".
func (e *Engine) ContainerListByStatus(ctx context.Context, statuses ...string) ([]types.Container, error) {
	f := e.newManagedFilter()
	for _, s := range statuses {
		f.Add("status", s)
	}
	list, err := e.api.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, ErrContainerListFailed(err)
	}
	return list, nil
}

// ContainerExecCreate creates an exec instance inside a managed container.
func (e *Engine) ContainerExecCreate(ctx context.Context, containerID string, opts container.ExecOptions) (types.IDResponse, error) {
	isManaged, err := e.IsContainerManaged(ctx, containerID)
	if err != nil || !isManaged {
		return types.IDResponse{}, ErrContainerNotFound(containerID)
	}
	resp, err := e.api.ContainerExecCreate(ctx, containerID, opts)
	if err != nil {
		return types.IDResponse{}, ErrExecCreateFailed(containerID, err)
	}
	return resp, nil
}

// ContainerExecAttach attaches to an exec instance, returning the hijacked
// bidirectional stream.
func (e *Engine) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecStartOptions) (types.HijackedResponse, error) {
	resp, err := e.api.ContainerExecAttach(ctx, execID, opts)
	if err != nil {
		return types.HijackedResponse{}, ErrExecAttachFailed(execID, err)
	}
	return resp, nil
}

// ContainerExecResize resizes an exec instance's TTY.
func (e *Engine) ContainerExecResize(ctx context.Context, execID string, height, width uint) error {
	if err := e.api.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: height,
		Width:  width,
	}); err != nil {
		return ErrExecResizeFailed(execID, err)
	}
	return nil
}

// IsContainerManaged checks whether a container carries the managed label.
// A missing container reports false with no error.
func (e *Engine) IsContainerManaged(ctx context.Context, containerID string) (bool, error) {
	info, err := e.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	val, ok := info.Config.Labels[e.managedLabelKey]
	return ok && val == e.managedLabelValue, nil
}

// injectManagedFilter adds the managed label filter to existing filters.
func (e *Engine) injectManagedFilter(existing filters.Args) filters.Args {
	if existing.Len() == 0 {
		existing = filters.NewArgs()
	}
	existing.Add("label", e.managedLabelKey+"="+e.managedLabelValue)
	return existing
}

// newManagedFilter creates a filter with just the managed label.
func (e *Engine) newManagedFilter() filters.Args {
	return filters.NewArgs(
		filters.Arg("label", e.managedLabelKey+"="+e.managedLabelValue),
	)
}
