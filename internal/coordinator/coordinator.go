// Package coordinator is the public entry point of the sandbox service. It
// composes the circuit breaker, rate limiter, environment registry,
// provisioner, session store, and terminal bridges to serve create, attach,
// and destroy requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/logger"
	"github.com/sandboxd/sandboxd/internal/provisioner"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/session"
	"github.com/sandboxd/sandboxd/internal/terminal"
)

// reapTimeout bounds container teardown driven by the idle reaper.
const reapTimeout = 15 * time.Second

// drainTimeout bounds how long shutdown waits for bridges to finish.
const drainTimeout = 5 * time.Second

// ContainerManager is the provisioner surface the coordinator needs.
// *provisioner.Provisioner satisfies it.
type ContainerManager interface {
	Create(ctx context.Context, toolPair, envName string) (provisioner.ContainerInfo, error)
	Destroy(ctx context.Context, containerID string) error
	CreateExec(ctx context.Context, containerID string, shell []string) (string, io.ReadWriteCloser, error)
	ResizeExec(ctx context.Context, execID string, cols, rows uint) error
}

// Options tunes coordinator behavior.
type Options struct {
	// MaxMessageBytes caps each inbound terminal frame.
	MaxMessageBytes int64

	// Banner, when set, is sent to every freshly attached client.
	Banner string

	// Banners maps tool pairs to welcome banners, overriding Banner for
	// sessions carrying a matching tool pair.
	Banners map[string]string
}

// bannerFor picks the welcome banner for a session's tool pair.
func (o Options) bannerFor(toolPair string) string {
	if b, ok := o.Banners[toolPair]; ok {
		return b
	}
	return o.Banner
}

// CreateRequest asks for a new session.
type CreateRequest struct {
	ToolPair    string
	Environment string
	OwnerKey    string
	Tier        ratelimit.Tier
	Timeout     time.Duration
}

// AttachRequest asks to bridge a client socket onto a running session.
type AttachRequest struct {
	SessionID string
	OwnerKey  string
	Tier      ratelimit.Tier
	Cols      uint
	Rows      uint
	Socket    terminal.Socket
}

// Coordinator composes the service's components. Safe for concurrent use.
type Coordinator struct {
	store      *session.Store
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	registry   *environment.Registry
	containers ContainerManager
	opts       Options

	mu      sync.Mutex
	bridges map[string]*terminal.Bridge
}

// New wires a coordinator. The session store's reaper should be pointed at
// this coordinator's Reap.
func New(store *session.Store, limiter *ratelimit.Limiter, brk *breaker.Breaker, registry *environment.Registry, containers ContainerManager, opts Options) *Coordinator {
	return &Coordinator{
		store:      store,
		limiter:    limiter,
		breaker:    brk,
		registry:   registry,
		containers: containers,
		opts:       opts,
		bridges:    make(map[string]*terminal.Bridge),
	}
}

// CreateSession admits, provisions, and records one new session. Admission
// checks run first and abort with the first failure; provisioning failures
// after the container exists roll the container back.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (session.Session, error) {
	if d := c.breaker.Allow(); !d.Allowed {
		logger.Warn().Str("reason", string(d.Reason)).Str("detail", d.Detail).Msg("session refused, at capacity")
		return session.Session{}, &Error{
			Cause:   CauseServiceUnavailable,
			Message: "service is at capacity, try again shortly",
		}
	}

	if d := c.limiter.CheckSessionLimit(req.OwnerKey, req.Tier); !d.Allowed {
		if d.Concurrent {
			return session.Session{}, &Error{
				Cause:   CauseTooManyConcurrent,
				Message: "too many concurrent sessions, close one first",
			}
		}
		return session.Session{}, &Error{
			Cause:      CauseTooManySessions,
			Message:    "session limit reached",
			RetryAfter: d.RetryAfter,
		}
	}

	envName := req.Environment
	if envName == "" {
		envName = environment.DefaultName
	}
	env, err := c.registry.Get(envName)
	if err != nil {
		var nf *environment.NotFoundError
		msg := fmt.Sprintf("unknown environment %q", envName)
		if errors.As(err, &nf) {
			msg = fmt.Sprintf("unknown environment %q, available: %s", envName, strings.Join(nf.Known, ", "))
		}
		return session.Session{}, &Error{Cause: CauseUnknownEnvironment, Message: msg, Err: err}
	}

	info, err := c.containers.Create(ctx, req.ToolPair, env.Name)
	if err != nil {
		return session.Session{}, &Error{
			Cause:   CauseProvisionFailed,
			Message: "failed to provision sandbox",
			Err:     err,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = env.DefaultTimeout
	}

	sess := session.Session{
		ID:          uuid.NewString(),
		ToolPair:    req.ToolPair,
		Environment: env.Name,
		ContainerID: info.ID,
		OwnerKey:    req.OwnerKey,
		Tier:        req.Tier,
		State:       session.StateCreating,
		Timeout:     timeout,
	}

	if err := c.store.Create(sess); err != nil {
		c.rollbackContainer(ctx, info.ID)
		return session.Session{}, &Error{Cause: CauseInternal, Message: "failed to record session", Err: err}
	}
	if err := c.store.TransitionState(sess.ID, session.StateCreating, session.StateRunning); err != nil {
		c.rollbackContainer(ctx, info.ID)
		_ = c.store.Remove(sess.ID)
		return session.Session{}, &Error{Cause: CauseInternal, Message: "failed to record session", Err: err}
	}

	c.limiter.RecordSession(req.OwnerKey, sess.ID, req.Tier)

	logger.Info().
		Str("session_id", sess.ID).
		Str("container_id", info.ID).
		Str("environment", env.Name).
		Str("tier", string(req.Tier)).
		Msg("session created")

	created, err := c.store.Get(sess.ID)
	if err != nil {
		return session.Session{}, &Error{Cause: CauseInternal, Message: "failed to record session", Err: err}
	}
	return created, nil
}

// rollbackContainer removes a container whose session never materialized.
func (c *Coordinator) rollbackContainer(ctx context.Context, containerID string) {
	if err := c.containers.Destroy(ctx, containerID); err != nil {
		logger.Error().Err(err).Str("container_id", containerID).
			Msg("failed to roll back container after create failure")
	}
}

// Attach admits a terminal connection onto a running session, opens the
// exec stream, and returns a bridge ready to Run. The caller owns the
// bridge's Run loop; teardown releases the connection slot automatically.
func (c *Coordinator) Attach(ctx context.Context, req AttachRequest) (*terminal.Bridge, error) {
	sess, err := c.store.Get(req.SessionID)
	if err != nil {
		return nil, &Error{Cause: CauseNotFound, Message: "session not found", Err: err}
	}
	if sess.State != session.StateRunning {
		return nil, &Error{
			Cause:   CauseInvalidState,
			Message: fmt.Sprintf("session is %s, not running", strings.ToLower(string(sess.State))),
		}
	}

	if d := c.limiter.CheckConnectionLimit(req.OwnerKey, req.Tier); !d.Allowed {
		return nil, &Error{
			Cause:   CauseTooManyConnections,
			Message: "too many concurrent terminal connections",
		}
	}

	connID := uuid.NewString()
	c.limiter.RegisterConnection(req.OwnerKey, connID, req.Tier)

	env, err := c.registry.Get(sess.Environment)
	if err != nil {
		c.limiter.UnregisterConnection(req.OwnerKey, connID)
		return nil, &Error{Cause: CauseInternal, Message: "session environment vanished", Err: err}
	}

	execID, stream, err := c.containers.CreateExec(ctx, sess.ContainerID, env.Shell)
	if err != nil {
		c.limiter.UnregisterConnection(req.OwnerKey, connID)
		return nil, &Error{Cause: CauseInternal, Message: "failed to open terminal", Err: err}
	}

	if req.Cols > 0 && req.Rows > 0 {
		if err := c.containers.ResizeExec(ctx, execID, req.Cols, req.Rows); err != nil {
			logger.Warn().Err(err).Str("session_id", sess.ID).Msg("initial resize failed")
		}
	}

	ownerKey, tier := req.OwnerKey, req.Tier
	bridge := terminal.New(terminal.Config{
		SessionID:       sess.ID,
		ConnID:          connID,
		Socket:          req.Socket,
		Stream:          stream,
		ExecID:          execID,
		Resize:          c.containers.ResizeExec,
		MaxMessageBytes: c.opts.MaxMessageBytes,
		Banner:          c.opts.bannerFor(sess.ToolPair),
		OnActivity: func() {
			c.store.UpdateActivity(sess.ID)
		},
		CheckCommand: func() (bool, time.Duration) {
			d := c.limiter.CheckAndRecordCommand(ownerKey, tier)
			return d.Allowed, d.RetryAfter
		},
		OnClose: func() {
			c.limiter.UnregisterConnection(ownerKey, connID)
			c.store.UpdateActivity(sess.ID)
			c.forgetBridge(connID)
		},
	})

	c.mu.Lock()
	c.bridges[connID] = bridge
	c.mu.Unlock()

	logger.Info().
		Str("session_id", sess.ID).
		Str("conn_id", connID).
		Msg("terminal attached")

	return bridge, nil
}

func (c *Coordinator) forgetBridge(connID string) {
	c.mu.Lock()
	delete(c.bridges, connID)
	c.mu.Unlock()
}

// DestroySession tears a session down: container gone, counters released,
// record evicted. Only the owner or an admin may destroy it. A session
// that no longer exists is success.
func (c *Coordinator) DestroySession(ctx context.Context, sessionID, ownerKey string, tier ratelimit.Tier) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		// Already gone; destroy is idempotent.
		return nil
	}

	if sess.OwnerKey != ownerKey && tier != ratelimit.TierAdmin {
		return &Error{Cause: CauseForbidden, Message: "session belongs to another client"}
	}

	if err := c.store.TransitionState(sessionID, session.StateRunning, session.StateDestroying); err != nil {
		return &Error{
			Cause:   CauseInvalidState,
			Message: "session is not in a destroyable state",
			Err:     err,
		}
	}

	destroyErr := c.containers.Destroy(ctx, sess.ContainerID)

	c.limiter.RemoveSession(sess.OwnerKey, sess.ID)
	if err := c.store.TransitionState(sessionID, session.StateDestroying, session.StateDestroyed); err != nil {
		_ = c.store.Remove(sessionID)
	}

	if destroyErr != nil {
		logger.Error().Err(destroyErr).Str("session_id", sessionID).Msg("container destroy failed")
		return &Error{Cause: CauseInternal, Message: "failed to destroy sandbox", Err: destroyErr}
	}

	logger.Info().Str("session_id", sessionID).Msg("session destroyed")
	return nil
}

// Reap tears down a session the idle reaper already expired and evicted.
// The session's counters and container are released; errors are logged,
// not returned, since no caller is waiting.
func (c *Coordinator) Reap(sess session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	if err := c.containers.Destroy(ctx, sess.ContainerID); err != nil {
		logger.Error().Err(err).
			Str("session_id", sess.ID).
			Str("container_id", sess.ContainerID).
			Msg("failed to destroy expired session's container")
	}
	c.limiter.RemoveSession(sess.OwnerKey, sess.ID)
}

// GetSession returns a live session by id.
func (c *Coordinator) GetSession(sessionID string) (session.Session, error) {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return session.Session{}, &Error{Cause: CauseNotFound, Message: "session not found", Err: err}
	}
	return sess, nil
}

// Environments lists the public catalog.
func (c *Coordinator) Environments() []environment.Info {
	return c.registry.List()
}

// Stats reports the live session census.
func (c *Coordinator) Stats() session.Stats {
	return c.store.Stats()
}

// Drain closes every live bridge with a normal close and waits briefly for
// them to finish. Called during graceful shutdown.
func (c *Coordinator) Drain() {
	c.mu.Lock()
	bridges := make([]*terminal.Bridge, 0, len(c.bridges))
	for _, b := range c.bridges {
		bridges = append(bridges, b)
	}
	c.mu.Unlock()

	for _, b := range bridges {
		b.Close(1000, "server shutting down")
	}

	deadline := time.After(drainTimeout)
	for _, b := range bridges {
		select {
		case <-b.Done():
		case <-deadline:
			return
		}
	}
}
