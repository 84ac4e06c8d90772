package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// AdminErrorCause classifies admin-surface failures.
type AdminErrorCause string

const (
	// CauseNotFound means the named record does not exist.
	CauseNotFound AdminErrorCause = "not_found"

	// CauseInvalidRequest means the arguments were rejected.
	CauseInvalidRequest AdminErrorCause = "invalid_request"
)

// AdminError reports an invalid admin operation.
type AdminError struct {
	Cause   AdminErrorCause
	Message string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("ratelimit admin: %s: %s", e.Cause, e.Message)
}

// RecordView is the admin-facing snapshot of one identity's record.
type RecordView struct {
	Key                string    `json:"key"`
	Tier               Tier      `json:"tier"`
	SessionCount       int       `json:"sessionCount"`
	SessionWindowStart time.Time `json:"sessionWindowStart"`
	ActiveSessions     int       `json:"activeSessions"`
	CommandCount       int       `json:"commandCount"`
	CommandWindowStart time.Time `json:"commandWindowStart"`
	ActiveConnections  int       `json:"activeConnections"`
}

func viewOf(rec *record) RecordView {
	return RecordView{
		Key:                rec.key,
		Tier:               rec.tier,
		SessionCount:       rec.sessionCount,
		SessionWindowStart: rec.sessionWindowStart,
		ActiveSessions:     len(rec.activeSessions),
		CommandCount:       rec.commandCount,
		CommandWindowStart: rec.commandWindowStart,
		ActiveConnections:  len(rec.activeConnections),
	}
}

// refreshWindows applies the boundary reset an admission check would, so a
// view never shows counts from an already-expired window. Caller holds l.mu.
func (l *Limiter) refreshWindows(rec *record) {
	now := l.now()
	window, _ := l.sessionCaps(rec)
	resetWindow(&rec.sessionCount, &rec.sessionWindowStart, window, now)
	resetWindow(&rec.commandCount, &rec.commandWindowStart, CommandWindow, now)
}

// GetAll returns a snapshot of every tracked record, sorted by key.
func (l *Limiter) GetAll() []RecordView {
	l.mu.Lock()
	defer l.mu.Unlock()

	views := make([]RecordView, 0, len(l.records))
	for _, rec := range l.records {
		l.refreshWindows(rec)
		views = append(views, viewOf(rec))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

// Get returns the record for one key.
func (l *Limiter) Get(key string) (RecordView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return RecordView{}, &AdminError{Cause: CauseNotFound, Message: fmt.Sprintf("no record for key %q", key)}
	}
	l.refreshWindows(rec)
	return viewOf(rec), nil
}

// Remove deletes the record for key, releasing all of its tracked ids.
func (l *Limiter) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[key]; !ok {
		return &AdminError{Cause: CauseNotFound, Message: fmt.Sprintf("no record for key %q", key)}
	}
	delete(l.records, key)
	return nil
}

// ResetLimit zeroes the rolling counters and re-anchors both windows for
// key. Active-id sets are preserved; they reflect live resources.
func (l *Limiter) ResetLimit(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return &AdminError{Cause: CauseNotFound, Message: fmt.Sprintf("no record for key %q", key)}
	}
	now := l.now()
	rec.sessionCount = 0
	rec.sessionWindowStart = now
	rec.commandCount = 0
	rec.commandWindowStart = now
	return nil
}

// AdjustLimit overrides the session window and/or cap for one key. A zero
// value leaves the corresponding override unchanged. Negative values are
// rejected.
func (l *Limiter) AdjustLimit(key string, newWindow time.Duration, newMax int) error {
	if newWindow < 0 {
		return &AdminError{Cause: CauseInvalidRequest, Message: "window must not be negative"}
	}
	if newMax < 0 {
		return &AdminError{Cause: CauseInvalidRequest, Message: "max must not be negative"}
	}
	if newWindow == 0 && newMax == 0 {
		return &AdminError{Cause: CauseInvalidRequest, Message: "nothing to adjust"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return &AdminError{Cause: CauseNotFound, Message: fmt.Sprintf("no record for key %q", key)}
	}
	if newWindow > 0 {
		rec.sessionWindowOverride = newWindow
	}
	if newMax > 0 {
		rec.sessionMaxOverride = newMax
	}
	return nil
}
