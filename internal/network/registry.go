package network

import (
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"golang.org/x/time/rate"
)

// ProviderConfig is everything the registry needs to build one provider's
// network stack.
type ProviderConfig struct {
	Delay  time.Duration
	Jitter time.Duration
	Policy Policy

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Registry builds and caches one Executor per provider so every part of the
// process shares the same limiter, breaker and counters for a given key.
type Registry struct {
	mu        sync.Mutex
	clk       clock.Clock
	log       *logger.Logger
	acct      *budget.Accountant
	global    *rate.Limiter
	executors map[string]*Executor
}

// NewRegistry creates the registry. globalRPS > 0 adds a process-wide
// requests-per-second ceiling on top of the per-provider pacing; zero
// disables it.
func NewRegistry(acct *budget.Accountant, globalRPS float64, clk clock.Clock, log *logger.Logger) *Registry {
	var global *rate.Limiter
	if globalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(globalRPS), 1)
	}
	return &Registry{
		clk:       clk,
		log:       log,
		acct:      acct,
		global:    global,
		executors: map[string]*Executor{},
	}
}

// Executor returns the executor for key, building it on first use. The
// configuration of the first call wins for a given key.
func (r *Registry) Executor(key string, cfg ProviderConfig) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.executors[key]; ok {
		return e
	}

	limiter := NewLimiter(cfg.Delay, cfg.Jitter, r.clk)
	breaker := NewBreaker(key, cfg.BreakerEnabled, cfg.BreakerThreshold, cfg.BreakerCooldown, r.clk, r.log)
	e := NewExecutor(key, cfg.Policy, limiter, breaker, r.global, r.acct, r.clk, r.log)
	r.executors[key] = e
	return e
}

// Breakers snapshots the breaker mode of every built executor, for the run
// summary and the all-providers-unavailable check.
func (r *Registry) Breakers() map[string]BreakerMode {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerMode, len(r.executors))
	for key, e := range r.executors {
		out[key] = e.breaker.Mode()
	}
	return out
}
