package session

import (
	"sort"
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/logger"
)

// reapInterval is how often the idle reaper scans running sessions.
const reapInterval = 30 * time.Second

// ReapFunc receives a session the reaper has just transitioned to EXPIRED.
// The callee tears down the container and releases rate-limit capacity.
type ReapFunc func(Session)

// Stats is a point-in-time census of the store.
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"byState"`
}

// Store is the authoritative in-memory index of sessions. It is safe for
// concurrent use. Terminal sessions are evicted on transition, so lookups
// only ever see live ones.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now  func() time.Time
	reap ReapFunc

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock injects a time source. Intended for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store and starts the idle reaper. reap is invoked,
// outside the store lock, for each session the reaper expires; it may be
// nil. Call Close to stop the reaper.
func NewStore(reap ReapFunc, opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
		reap:     reap,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.reapLoop()
	return s
}

// Close stops the idle reaper and blocks until it exits.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Create registers a new session. The caller supplies a unique id; a
// duplicate yields DuplicateError. CreatedAt and LastActivityAt are stamped
// here if unset.
func (s *Store) Create(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return &DuplicateError{ID: sess.ID}
	}

	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.State == "" {
		sess.State = StateCreating
	}

	s.sessions[sess.ID] = &sess
	return nil
}

// Get returns a snapshot of the session. Unknown ids yield NotFoundError;
// terminal sessions are never present.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, &NotFoundError{ID: id}
	}
	return *sess, nil
}

// UpdateActivity bumps the session's lastActivityAt. Unknown ids are a
// no-op; the bridge may race the reaper and losing that race is harmless.
func (s *Store) UpdateActivity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.LastActivityAt = s.now()
	}
}

// TransitionState moves a session along the lifecycle graph. The from state
// must match the current state exactly. Transitions into a terminal state
// evict the session from the index.
func (s *Store) TransitionState(id string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if sess.State != from || !CanTransition(from, to) {
		return &InvalidTransitionError{ID: id, From: sess.State, To: to}
	}

	sess.State = to
	if to.Terminal() {
		delete(s.sessions, id)
	}
	return nil
}

// Remove deletes a session from the index regardless of state. Unknown ids
// yield NotFoundError.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.sessions, id)
	return nil
}

// List returns snapshots of all live sessions, sorted by creation time then
// id for a stable order.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live sessions. This feeds the capacity gate.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns a census by state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.sessions), ByState: make(map[State]int)}
	for _, sess := range s.sessions {
		st.ByState[sess.State]++
	}
	return st
}

func (s *Store) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle expires RUNNING sessions idle past their timeout and hands each
// to the reap callback. Sessions in DESTROYING are left alone; their
// teardown is already in flight.
func (s *Store) reapIdle() {
	now := s.now()

	s.mu.Lock()
	var expired []Session
	for id, sess := range s.sessions {
		if sess.State != StateRunning {
			continue
		}
		if sess.IdleFor(now) >= sess.Timeout {
			sess.State = StateExpired
			expired = append(expired, *sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		logger.Info().
			Str("session_id", sess.ID).
			Dur("idle", sess.IdleFor(now)).
			Msg("session expired, reaping")
		if s.reap != nil {
			s.reap(sess)
		}
	}
}
