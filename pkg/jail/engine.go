// Package jail wraps a container-runtime client with label-based resource
// isolation. Every operation is restricted to containers carrying the
// engine's managed label, so the service can never touch containers it did
// not create. Errors carry remediation steps for operator-facing output.
package jail

import (
	"context"

	"github.com/docker/docker/client"
)

// DefaultManagedLabel is the label suffix marking resources as managed.
const DefaultManagedLabel = "managed"

// Options configures an Engine.
type Options struct {
	// LabelPrefix namespaces all managed labels, e.g. "dev.sandboxd".
	// The managed key becomes "{LabelPrefix}.{ManagedLabel}".
	LabelPrefix string

	// ManagedLabel is the label key suffix. Defaults to "managed".
	ManagedLabel string
}

// Engine is a label-scoped view of the container runtime. All list
// operations inject the managed-label filter and all per-container
// operations verify the label before acting.
type Engine struct {
	api     APIClient
	options Options

	managedLabelKey   string
	managedLabelValue string
}

// New connects to the container runtime from the environment, verifies the
// daemon is reachable, and returns a scoped engine.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, ErrDaemonUnreachable(err)
	}

	engine := NewWithClient(cli, opts)
	if err := engine.HealthCheck(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	return engine, nil
}

// NewWithClient builds an engine over an existing API client. No daemon
// probe is performed.
func NewWithClient(api APIClient, opts Options) *Engine {
	if opts.ManagedLabel == "" {
		opts.ManagedLabel = DefaultManagedLabel
	}
	return &Engine{
		api:               api,
		options:           opts,
		managedLabelKey:   opts.LabelPrefix + "." + opts.ManagedLabel,
		managedLabelValue: "true",
	}
}

// HealthCheck verifies the runtime daemon is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return ErrDaemonUnreachable(err)
	}
	return nil
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	return e.api.Close()
}

// ManagedLabelKey returns the full managed label key.
func (e *Engine) ManagedLabelKey() string {
	return e.managedLabelKey
}

// ManagedLabelValue returns the managed label value, always "true".
func (e *Engine) ManagedLabelValue() string {
	return e.managedLabelValue
}

// Runtimes returns the names of the runtimes the daemon reports, plus the
// daemon's default. Used to probe for sandboxed runtimes like runsc.
func (e *Engine) Runtimes(ctx context.Context) (names []string, defaultRuntime string, err error) {
	info, err := e.api.Info(ctx)
	if err != nil {
		return nil, "", ErrDaemonUnreachable(err)
	}
	names = make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		names = append(names, name)
	}
	return names, info.DefaultRuntime, nil
}

// HasRuntime reports whether the daemon lists a runtime by name.
func (e *Engine) HasRuntime(ctx context.Context, name string) (bool, error) {
	names, _, err := e.Runtimes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// managedLabels returns the base labels that mark a resource as managed.
func (e *Engine) managedLabels() map[string]string {
	return map[string]string{
		e.managedLabelKey: e.managedLabelValue,
	}
}
