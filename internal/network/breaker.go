package network

import (
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
)

type BreakerMode int

const (
	BreakerClosed BreakerMode = iota
	BreakerOpen
	BreakerHalfOpen
)

func (m BreakerMode) String() string {
	switch m {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Breaker cuts a provider off after repeated exhausted failures and lets a
// single probe through once the cooldown has passed. A disabled breaker
// admits everything.
type Breaker struct {
	mu        sync.Mutex
	key       string
	enabled   bool
	threshold int
	cooldown  time.Duration
	clk       clock.Clock
	log       *logger.Logger

	mode     BreakerMode
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(key string, enabled bool, threshold int, cooldown time.Duration, clk clock.Clock, log *logger.Logger) *Breaker {
	return &Breaker{
		key:       key,
		enabled:   enabled,
		threshold: threshold,
		cooldown:  cooldown,
		clk:       clk,
		log:       log,
	}
}

// Allow reports whether a request may proceed. While open it fails fast
// with ErrCircuitOpen; after the cooldown it admits exactly one probe.
// probe is true when this caller holds the probe slot and owes the breaker
// a verdict: Success, Trip, or Release.
func (b *Breaker) Allow() (probe bool, err error) {
	if b == nil || !b.enabled {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			return false, domain.NewTaskError(domain.KindCircuitOpen, b.key, domain.ErrCircuitOpen)
		}
		b.mode = BreakerHalfOpen
		b.probing = true
		b.log.Info("[Breaker] %s half-open, probing", b.key)
		return true, nil
	default: // BreakerHalfOpen
		if b.probing {
			return false, domain.NewTaskError(domain.KindCircuitOpen, b.key, domain.ErrCircuitOpen)
		}
		b.probing = true
		return true, nil
	}
}

// Release abandons an admitted probe with no verdict, usually because the
// request died with its context. The probe slot goes to the next caller.
func (b *Breaker) Release() {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Success records a completed request and closes the breaker.
func (b *Breaker) Success() {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode != BreakerClosed {
		b.log.Info("[Breaker] %s closed after successful probe", b.key)
	}
	b.mode = BreakerClosed
	b.failures = 0
	b.probing = false
}

// Trip records one exhausted failure. The executor calls this once per
// call, after retries are spent, never per attempt.
func (b *Breaker) Trip() {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case BreakerHalfOpen:
		b.mode = BreakerOpen
		b.openedAt = b.clk.Now()
		b.probing = false
		b.log.Warn("[Breaker] %s probe failed, reopened for %s", b.key, b.cooldown)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.mode = BreakerOpen
			b.openedAt = b.clk.Now()
			b.log.Warn("[Breaker] %s opened after %d consecutive failures, cooldown %s", b.key, b.failures, b.cooldown)
		}
	}
}

func (b *Breaker) Mode() BreakerMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// RetryAt returns when an open breaker will admit its probe.
func (b *Breaker) RetryAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode != BreakerOpen {
		return time.Time{}, false
	}
	return b.openedAt.Add(b.cooldown), true
}
