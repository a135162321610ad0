package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
)

// Ledger tracks per-provider daily download windows. Limits come from
// configuration; usage counters survive restarts through the state file.
type Ledger struct {
	mu      sync.Mutex
	clk     clock.Clock
	log     *logger.Logger
	entries map[string]*entry
}

type entry struct {
	state   domain.QuotaState
	enabled bool
	reset   time.Duration
}

// ProviderStatus is one line of the quota-status report.
type ProviderStatus struct {
	Key         string
	Enabled     bool
	DailyLimit  int
	UsedToday   int
	WindowStart time.Time
	ResetAt     time.Time
}

func NewLedger(clk clock.Clock, log *logger.Logger) *Ledger {
	return &Ledger{clk: clk, log: log, entries: map[string]*entry{}}
}

// Configure installs the limit for one provider. Limits always come from
// configuration; restored usage counters are kept.
func (l *Ledger) Configure(key string, enabled bool, dailyLimit int, resetHours float64, waitOnExhaustion bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.enabled = enabled
	e.reset = time.Duration(resetHours * float64(time.Hour))
	e.state.DailyLimit = dailyLimit
	e.state.WaitOnExhaustion = waitOnExhaustion
}

// Restore merges persisted usage into the ledger. Configured limits win
// over persisted ones; unknown providers are kept so their state is not
// lost on the next save.
func (l *Ledger) Restore(saved map[string]domain.QuotaState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, st := range saved {
		e, ok := l.entries[key]
		if !ok {
			l.entries[key] = &entry{state: st}
			continue
		}
		e.state.UsedToday = st.UsedToday
		e.state.WindowStart = st.WindowStart
	}
}

// Allow reports whether a quota-gated download may start. When the window
// is used up it returns false plus the wall time the window rolls over,
// which becomes the deferred item's ready_at.
func (l *Ledger) Allow(key string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.enabled || e.state.DailyLimit <= 0 {
		return true, time.Time{}
	}

	now := l.clk.Now()
	l.roll(e, now)

	if e.state.UsedToday < e.state.DailyLimit {
		return true, time.Time{}
	}
	return false, e.state.WindowStart.Add(e.reset)
}

// Commit records one successful quota-gated download.
func (l *Ledger) Commit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.enabled || e.state.DailyLimit <= 0 {
		return
	}

	l.roll(e, l.clk.Now())
	e.state.UsedToday++

	remaining := e.state.DailyLimit - e.state.UsedToday
	if remaining <= 0 {
		l.log.Warn("[Quota] %s window exhausted (%d/%d)", key, e.state.UsedToday, e.state.DailyLimit)
	} else {
		l.log.Debug("[Quota] %s used %d/%d", key, e.state.UsedToday, e.state.DailyLimit)
	}
}

// WaitOnExhaustion reports the deferral policy for a provider.
func (l *Ledger) WaitOnExhaustion(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		return e.state.WaitOnExhaustion
	}
	return false
}

// Snapshot returns the persistable view of every known provider.
func (l *Ledger) Snapshot() map[string]domain.QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]domain.QuotaState, len(l.entries))
	for key, e := range l.entries {
		out[key] = e.state
	}
	return out
}

// Status lists providers for the quota-status report, sorted by key.
func (l *Ledger) Status() []ProviderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ProviderStatus, 0, len(l.entries))
	for key, e := range l.entries {
		st := ProviderStatus{
			Key:         key,
			Enabled:     e.enabled,
			DailyLimit:  e.state.DailyLimit,
			UsedToday:   e.state.UsedToday,
			WindowStart: e.state.WindowStart,
		}
		if !e.state.WindowStart.IsZero() && e.reset > 0 {
			st.ResetAt = e.state.WindowStart.Add(e.reset)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// roll advances the window by whole reset periods until now falls inside
// it, clearing the usage counter with each advance.
func (l *Ledger) roll(e *entry, now time.Time) {
	if e.state.WindowStart.IsZero() {
		e.state.WindowStart = now
		return
	}
	if e.reset <= 0 {
		return
	}
	for now.Sub(e.state.WindowStart) >= e.reset {
		e.state.WindowStart = e.state.WindowStart.Add(e.reset)
		e.state.UsedToday = 0
	}
}
