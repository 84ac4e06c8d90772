// Package session tracks live sandbox sessions: their lifecycle states,
// activity timestamps, and the idle reaper that expires abandoned ones.
package session

import (
	"fmt"
	"time"

	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

// State is a session's lifecycle phase.
type State string

const (
	StateCreating   State = "CREATING"
	StateRunning    State = "RUNNING"
	StateDestroying State = "DESTROYING"
	StateDestroyed  State = "DESTROYED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether s is a sticky end state.
func (s State) Terminal() bool {
	return s == StateDestroyed || s == StateExpired
}

// validTransitions is the lifecycle graph. CREATING may jump straight to
// DESTROYING when container provisioning fails mid-create.
var validTransitions = map[State][]State{
	StateCreating:   {StateRunning, StateDestroying},
	StateRunning:    {StateDestroying, StateExpired},
	StateDestroying: {StateDestroyed},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one live sandbox. The Store owns the canonical copy; callers
// receive value snapshots.
type Session struct {
	ID          string         `json:"id"`
	ToolPair    string         `json:"toolPair"`
	Environment string         `json:"environment"`
	ContainerID string         `json:"containerId"`
	OwnerKey    string         `json:"-"`
	Tier        ratelimit.Tier `json:"-"`

	State          State         `json:"state"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Timeout        time.Duration `json:"-"`
}

// IdleFor reports how long the session has gone without client activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// NotFoundError is returned when a session id is unknown or already in a
// terminal state. Terminal sessions are not observable by id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// InvalidTransitionError reports an illegal lifecycle edge.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// DuplicateError is returned when creating a session whose id already exists.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("session %s already exists", e.ID)
}
