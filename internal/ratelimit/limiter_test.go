package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an adjustable time source for window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func newTestLimiter(c *fakeClock, opts ...Option) *Limiter {
	return New(append([]Option{WithClock(c.Now)}, opts...)...)
}

func TestSessionLimitHourWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:198.51.100.7"
	perHour := DefaultLimits()[TierAnonymous].SessionsPerHour

	for i := 0; i < perHour; i++ {
		d := l.CheckSessionLimit(key, TierAnonymous)
		require.True(t, d.Allowed, "session %d should be allowed", i)
		id := fmt.Sprintf("s%d", i)
		l.RecordSession(key, id, TierAnonymous)
		l.RemoveSession(key, id)
	}

	d := l.CheckSessionLimit(key, TierAnonymous)
	assert.False(t, d.Allowed)
	assert.False(t, d.Concurrent)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Hour)
}

func TestSessionLimitWindowBoundaryBelongsToNewWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:203.0.113.1"
	perHour := DefaultLimits()[TierAnonymous].SessionsPerHour
	for i := 0; i < perHour; i++ {
		id := fmt.Sprintf("s%d", i)
		l.RecordSession(key, id, TierAnonymous)
		l.RemoveSession(key, id)
	}
	require.False(t, l.CheckSessionLimit(key, TierAnonymous).Allowed)

	// Exactly at windowStart + window the counter resets.
	clock.Advance(SessionWindow)
	d := l.CheckSessionLimit(key, TierAnonymous)
	assert.True(t, d.Allowed)

	view, err := l.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 0, view.SessionCount)
}

func TestSessionConcurrencyCap(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "user:42"
	maxConc := DefaultLimits()[TierAnonymous].MaxConcurrentSessions
	for i := 0; i < maxConc; i++ {
		require.True(t, l.CheckSessionLimit(key, TierAnonymous).Allowed)
		l.RecordSession(key, fmt.Sprintf("s%d", i), TierAnonymous)
	}

	d := l.CheckSessionLimit(key, TierAnonymous)
	assert.False(t, d.Allowed)
	assert.True(t, d.Concurrent)
	assert.Zero(t, d.RetryAfter, "concurrency denial carries no retryAfter")

	// Releasing one slot readmits.
	l.RemoveSession(key, "s0")
	assert.True(t, l.CheckSessionLimit(key, TierAnonymous).Allowed)
}

func TestRecordThenRemoveLeavesActiveSetUnchanged(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "user:7"
	l.RecordSession(key, "a", TierAnonymous)
	before, err := l.Get(key)
	require.NoError(t, err)

	l.RecordSession(key, "b", TierAnonymous)
	l.RemoveSession(key, "b")

	after, err := l.Get(key)
	require.NoError(t, err)
	assert.Equal(t, before.ActiveSessions, after.ActiveSessions)
	// The hour counter keeps counting; only the active set is released.
	assert.Equal(t, before.SessionCount+1, after.SessionCount)
}

func TestCommandLimitMinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:198.51.100.9"
	perMinute := DefaultLimits()[TierAnonymous].CommandsPerMinute
	for i := 0; i < perMinute; i++ {
		require.True(t, l.CheckCommandLimit(key, TierAnonymous).Allowed)
		l.RecordCommand(key, TierAnonymous)
	}

	d := l.CheckCommandLimit(key, TierAnonymous)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	clock.Advance(CommandWindow)
	assert.True(t, l.CheckCommandLimit(key, TierAnonymous).Allowed)
}

func TestCheckAndRecordCommand(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:198.51.100.20"
	perMinute := DefaultLimits()[TierAnonymous].CommandsPerMinute
	for i := 0; i < perMinute; i++ {
		require.True(t, l.CheckAndRecordCommand(key, TierAnonymous).Allowed, "command %d", i)
	}

	d := l.CheckAndRecordCommand(key, TierAnonymous)
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A denial consumes no window budget.
	view, err := l.Get(key)
	require.NoError(t, err)
	assert.Equal(t, perMinute, view.CommandCount)

	clock.Advance(CommandWindow)
	assert.True(t, l.CheckAndRecordCommand(key, TierAnonymous).Allowed)
}

// TestCheckAndRecordCommandConcurrent hammers one key from many goroutines.
// Check and record happen under one lock acquisition, so exactly the
// per-minute budget is admitted no matter how the calls interleave.
func TestCheckAndRecordCommandConcurrent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "user:burst"
	perMinute := DefaultLimits()[TierAnonymous].CommandsPerMinute

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 2*perMinute; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecordCommand(key, TierAnonymous).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, perMinute, admitted.Load())
}

func TestConnectionConcurrencyCap(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:192.0.2.4"
	maxConn := DefaultLimits()[TierAnonymous].MaxConcurrentConnections
	for i := 0; i < maxConn; i++ {
		require.True(t, l.CheckConnectionLimit(key, TierAnonymous).Allowed)
		l.RegisterConnection(key, fmt.Sprintf("c%d", i), TierAnonymous)
	}

	d := l.CheckConnectionLimit(key, TierAnonymous)
	assert.False(t, d.Allowed)
	assert.True(t, d.Concurrent)

	l.UnregisterConnection(key, "c0")
	assert.True(t, l.CheckConnectionLimit(key, TierAnonymous).Allowed)
}

func TestAdminTierBypassesEverything(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "user:root"
	for i := 0; i < 10_000; i++ {
		require.True(t, l.CheckSessionLimit(key, TierAdmin).Allowed)
		require.True(t, l.CheckCommandLimit(key, TierAdmin).Allowed)
		require.True(t, l.CheckConnectionLimit(key, TierAdmin).Allowed)
	}
}

func TestUnlimitedOverrideTable(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, WithLimits(UnlimitedLimits()))
	defer l.Close()

	key := "ip:198.51.100.7"
	for i := 0; i < 1000; i++ {
		require.True(t, l.CheckSessionLimit(key, TierAnonymous).Allowed)
		l.RecordSession(key, fmt.Sprintf("s%d", i), TierAnonymous)
	}
}

func TestWindowsDoNotResetActiveSets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "user:9"
	l.RecordSession(key, "s0", TierAnonymous)
	l.RegisterConnection(key, "c0", TierAnonymous)

	clock.Advance(3 * SessionWindow)
	l.CheckSessionLimit(key, TierAnonymous) // triggers window reset

	view, err := l.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 0, view.SessionCount, "counter resets with the window")
	assert.Equal(t, 1, view.ActiveSessions, "active sets survive window resets")
	assert.Equal(t, 1, view.ActiveConnections)
}

func TestTierUpgradeKeepsRecord(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	key := "ip:10.0.0.1"
	l.RecordSession(key, "s0", TierAnonymous)
	l.RecordSession(key, "s1", TierLoggedIn)

	view, err := l.Get(key)
	require.NoError(t, err)
	assert.Equal(t, TierLoggedIn, view.Tier)
	assert.Equal(t, 2, view.ActiveSessions)
}

func TestSweepPrunesIdleRecordsOnly(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	defer l.Close()

	l.RecordCommand("idle", TierAnonymous)
	l.RecordSession("busy", "s0", TierAnonymous)

	clock.Advance(recordMaxIdle + time.Minute)
	l.sweep()

	_, err := l.Get("idle")
	assert.Error(t, err, "idle record should be pruned")

	_, err = l.Get("busy")
	assert.NoError(t, err, "record with live session must survive")
}
