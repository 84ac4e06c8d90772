// Package breaker gates session creation on host capacity. Two signals are
// consulted in fixed order: the count of live managed containers against a
// hard cap, then system memory utilization against a percentage threshold.
// When both would trip at once the container cap is the reported reason.
package breaker

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sandboxd/sandboxd/internal/logger"
)

// Reason identifies which capacity signal tripped the breaker.
type Reason string

const (
	// ReasonContainerCap means the managed-container cap was reached.
	ReasonContainerCap Reason = "container_cap"

	// ReasonMemoryPressure means host memory crossed the threshold.
	ReasonMemoryPressure Reason = "memory_pressure"
)

// Decision is the outcome of a capacity check. When Allowed is false,
// Reason names the tripped signal and Detail is a loggable description.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

// CountFunc reports the current number of live managed containers.
type CountFunc func() int

// MemoryFunc reports host memory utilization as a percentage in [0, 100].
type MemoryFunc func() (float64, error)

// Breaker evaluates capacity before each session creation. It holds no
// state of its own; both signals are probed fresh on every call, so it is
// safe for concurrent use.
type Breaker struct {
	maxContainers    int
	maxMemoryPercent float64
	skipMemory       bool

	containerCount CountFunc
	memoryPercent  MemoryFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMemoryProbe substitutes the host memory probe. Intended for tests.
func WithMemoryProbe(fn MemoryFunc) Option {
	return func(b *Breaker) { b.memoryPercent = fn }
}

// SkipMemoryCheck disables the memory signal entirely. Used in development
// mode where local memory pressure should not block sessions.
func SkipMemoryCheck() Option {
	return func(b *Breaker) { b.skipMemory = true }
}

// New creates a Breaker. count must report live managed containers;
// maxMemoryPercent is a threshold in (0, 100].
func New(maxContainers int, maxMemoryPercent float64, count CountFunc, opts ...Option) *Breaker {
	b := &Breaker{
		maxContainers:    maxContainers,
		maxMemoryPercent: maxMemoryPercent,
		containerCount:   count,
		memoryPercent:    hostMemoryPercent,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow probes both signals and reports whether a new session may be
// created. A failing memory probe is logged and treated as headroom; the
// container cap alone still protects the host.
func (b *Breaker) Allow() Decision {
	count := b.containerCount()
	if count >= b.maxContainers {
		return Decision{
			Reason: ReasonContainerCap,
			Detail: fmt.Sprintf("%d of %d containers in use", count, b.maxContainers),
		}
	}

	if !b.skipMemory {
		pct, err := b.memoryPercent()
		if err != nil {
			logger.Warn().Err(err).Msg("memory probe failed, skipping memory signal")
		} else if pct >= b.maxMemoryPercent {
			return Decision{
				Reason: ReasonMemoryPressure,
				Detail: fmt.Sprintf("memory at %.1f%%, threshold %.1f%%", pct, b.maxMemoryPercent),
			}
		}
	}

	return Decision{Allowed: true}
}

func hostMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
