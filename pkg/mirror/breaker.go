// Copyright 2024-2026 Aiku AI

package mirror

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// targetBreaker disables a target feed after consecutive permanent failures.
// Transient failures (rate limits, network errors) never trip it.
type targetBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	probing     bool

	now func() time.Time
}

func newTargetBreaker(threshold int, cooldown time.Duration) *targetBreaker {
	return &targetBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an operation against the target may proceed. Once
// the cooldown has elapsed a single half-open trial is let through.
func (b *targetBreaker) Allow() bool {
	if b == nil || b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record feeds an outcome back into the breaker.
func (b *targetBreaker) Record(o Outcome) {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o.Kind {
	case OutcomeSuccess:
		b.state = breakerClosed
		b.failures = 0
		b.probing = false
	case OutcomePermanentFailure:
		b.failures++
		b.lastFailure = b.now()
		b.probing = false
		if b.state == breakerHalfOpen || b.failures >= b.threshold {
			b.state = breakerOpen
		}
	case OutcomeTransientFailure:
		if b.state == breakerHalfOpen {
			b.probing = false
		}
	}
}

// Open reports whether the target is currently disabled.
func (b *targetBreaker) Open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
