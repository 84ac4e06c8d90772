package breaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func staticCount(n int) CountFunc {
	return func() int { return n }
}

func staticMemory(pct float64) MemoryFunc {
	return func() (float64, error) { return pct, nil }
}

func TestAllowUnderCapacity(t *testing.T) {
	b := New(15, 85, staticCount(3), WithMemoryProbe(staticMemory(40)))

	d := b.Allow()
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestContainerCapTrips(t *testing.T) {
	b := New(15, 85, staticCount(15), WithMemoryProbe(staticMemory(40)))

	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonContainerCap, d.Reason)
	assert.Contains(t, d.Detail, "15 of 15")
}

func TestMemoryPressureTrips(t *testing.T) {
	b := New(15, 85, staticCount(3), WithMemoryProbe(staticMemory(91.5)))

	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMemoryPressure, d.Reason)
}

func TestMemoryExactlyAtThresholdTrips(t *testing.T) {
	b := New(15, 85, staticCount(0), WithMemoryProbe(staticMemory(85)))

	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMemoryPressure, d.Reason)
}

func TestContainerCapWinsWhenBothTrip(t *testing.T) {
	b := New(15, 85, staticCount(20), WithMemoryProbe(staticMemory(99)))

	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonContainerCap, d.Reason)
}

func TestMemoryProbeFailureIsNotFatal(t *testing.T) {
	probe := func() (float64, error) { return 0, errors.New("proc unavailable") }
	b := New(15, 85, staticCount(3), WithMemoryProbe(probe))

	d := b.Allow()
	assert.True(t, d.Allowed)
}

func TestSkipMemoryCheck(t *testing.T) {
	b := New(15, 85, staticCount(3), WithMemoryProbe(staticMemory(99)), SkipMemoryCheck())

	d := b.Allow()
	assert.True(t, d.Allowed)
}

func TestCountProbedFreshEachCall(t *testing.T) {
	n := 14
	b := New(15, 85, func() int { return n }, WithMemoryProbe(staticMemory(10)))

	assert.True(t, b.Allow().Allowed)
	n = 15
	assert.False(t, b.Allow().Allowed)
	n = 2
	assert.True(t, b.Allow().Allowed)
}
