// Package app is the composition root: it builds the shared services from
// configuration and owns the persisted quota/deferred state.
package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/deferred"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/network"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/chronofetch/chronofetch/internal/provider/annas"
	"github.com/chronofetch/chronofetch/internal/provider/gallica"
	"github.com/chronofetch/chronofetch/internal/provider/ia"
	"github.com/chronofetch/chronofetch/internal/quota"
	"github.com/chronofetch/chronofetch/internal/state"
)

// App holds the long-lived services of one process. The pipeline driver and
// scheduler are built per run on top of it.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Clock  clock.Clock

	Budget   *budget.Accountant
	Ledger   *quota.Ledger
	Deferred *deferred.Queue
	State    *state.Store
	Network  *network.Registry
	Adapters *provider.Registry
	Journal  *journal.Journal
}

// New builds the service graph, restores persisted quota and deferred state,
// and registers an adapter for every enabled provider.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	clk := clock.System()

	total, perWork := cfg.DownloadLimits.Normalized()
	acct := budget.NewAccountant(budget.Limits{
		Total:   classLimits(total),
		PerWork: classLimits(perWork),
		Policy:  budget.Policy(cfg.DownloadLimits.OnExceed),
	}, log)

	a := &App{
		Config:   cfg,
		Log:      log,
		Clock:    clk,
		Budget:   acct,
		Ledger:   quota.NewLedger(clk, log),
		Deferred: deferred.NewQueue(clk, log),
		State:    state.NewStore(statePath(cfg)),
		Network:  network.NewRegistry(acct, cfg.General.GlobalRPS, clk, log),
		Adapters: provider.NewRegistry(),
		Journal:  journal.New(cfg.General.OutputDir, cfg.Naming, log),
	}

	for _, key := range cfg.EnabledProviders() {
		q := cfg.Provider(key).Quota
		a.Ledger.Configure(key, q.Enabled, q.DailyLimit, q.ResetHours, q.WaitForReset())
	}

	snap, err := a.State.Load()
	if err != nil {
		return nil, err
	}
	a.Ledger.Restore(snap.Quota)
	a.Deferred.Restore(snap.Deferred)

	a.registerAdapters()
	return a, nil
}

// SaveState persists the quota windows and deferred queue together.
func (a *App) SaveState() {
	err := a.State.Save(&state.Snapshot{
		Quota:    a.Ledger.Snapshot(),
		Deferred: a.Deferred.Snapshot(),
	})
	if err != nil {
		a.Log.Error("[App] saving state: %v", err)
	}
}

// ExecutorFor builds or reuses the network executor for one provider.
func (a *App) ExecutorFor(key string) *network.Executor {
	n := a.Config.Provider(key).Network
	return a.Network.Executor(key, network.ProviderConfig{
		Delay:  time.Duration(n.DelayMS) * time.Millisecond,
		Jitter: time.Duration(n.JitterMS) * time.Millisecond,
		Policy: network.Policy{
			MaxAttempts:   n.MaxAttempts,
			BaseBackoff:   secs(n.BaseBackoffS),
			Multiplier:    n.BackoffMultiplier,
			MaxBackoff:    secs(n.MaxBackoffS),
			Timeout:       secs(n.TimeoutS),
			InsecureRetry: n.SSLErrorPolicy == config.SSLPolicyRetryInsecureOnce,
			Headers:       n.Headers,
			UserAgent:     a.Config.General.UserAgent,
		},
		BreakerEnabled:   n.CircuitBreakerEnabled(),
		BreakerThreshold: n.BreakerThreshold,
		BreakerCooldown:  secs(n.BreakerCooldownS),
	})
}

// Env bundles the provider-keyed services one adapter depends on.
func (a *App) Env(key string) provider.Env {
	return provider.Env{Exec: a.ExecutorFor(key), Acct: a.Budget, Log: a.Log}
}

// Options maps the download configuration to the per-request knob set.
func (a *App) Options() provider.Options {
	d := a.Config.Download
	return provider.Options{
		PreferPDFOverImages:        d.PreferPDFOverImages,
		DownloadManifestRenderings: d.DownloadManifestRenderings,
		MaxRenderingsPerManifest:   d.MaxRenderingsPerManifest,
		RenderingMIMEWhitelist:     d.RenderingMIMEWhitelist,
		MaxPages:                   d.MaxPages,
		AllowedExtensions:          d.AllowedObjectExtensions,
		OverwriteExisting:          d.OverwriteExisting,
		IncludeMetadata:            d.IncludeMetadata,
	}
}

// MaxResults resolves the per-provider search cap.
func (a *App) MaxResults(key string) int {
	if n := a.Config.Provider(key).MaxResults; n > 0 {
		return n
	}
	if n := a.Config.Selection.MaxCandidatesPerProvider; n > 0 {
		return n
	}
	return 3
}

// QuotaReport renders the --quota-status view: ledger lines plus the
// deferred queue.
func (a *App) QuotaReport() string {
	var b strings.Builder

	b.WriteString("Provider quotas:\n")
	statuses := a.Ledger.Status()
	if len(statuses) == 0 {
		b.WriteString("  (none configured)\n")
	}
	for _, st := range statuses {
		if !st.Enabled || st.DailyLimit <= 0 {
			fmt.Fprintf(&b, "  %-12s unlimited\n", st.Key)
			continue
		}
		line := fmt.Sprintf("  %-12s %d/%d used", st.Key, st.UsedToday, st.DailyLimit)
		if !st.ResetAt.IsZero() {
			line += fmt.Sprintf(", resets %s", st.ResetAt.Format(time.RFC3339))
		}
		b.WriteString(line + "\n")
	}

	items := a.Deferred.Items()
	fmt.Fprintf(&b, "Deferred queue: %d item(s)\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "  %s  %-10s %-30q ready %s (attempt %d, %s)\n",
			it.ID, it.Task.Candidate.ProviderKey, it.Task.Input.Title,
			it.ReadyAt.Format(time.RFC3339), it.Attempt, it.Status)
	}
	return b.String()
}

// DeferredService builds the in-run replay ticker feeding due deferred
// items back into the scheduler.
func (a *App) DeferredService(replayer deferred.Replayer) *deferred.Service {
	return deferred.NewService(a.Deferred, replayer,
		time.Duration(a.Config.General.DeferredPollS)*time.Second,
		a.retention(), a.Log)
}

// CleanupDeferred drops terminal deferred items older than the retention
// window and persists the result.
func (a *App) CleanupDeferred() int {
	removed := a.Deferred.Compact(a.retention())
	a.SaveState()
	return removed
}

func (a *App) retention() time.Duration {
	days := a.Config.General.DeferredRetentionDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

func (a *App) registerAdapters() {
	for _, key := range a.Config.EnabledProviders() {
		settings := a.Config.Provider(key)
		switch key {
		case ia.Key:
			a.Adapters.Register(ia.New(a.Env(key), settings.BaseURL))
		case gallica.Key:
			a.Adapters.Register(gallica.New(a.Env(key), settings.BaseURL))
		case annas.Key:
			a.Adapters.Register(annas.New(a.Env(key), a.Ledger, settings.BaseURL, settings.APIKey))
		default:
			a.Log.Warn("[App] provider %q enabled but no adapter is built in, skipping", key)
		}
	}
	a.Adapters.Register(provider.NewDirect(a.Env(provider.DirectKey)))
}

func statePath(cfg *config.Config) string {
	if cfg.General.StateFile != "" {
		return cfg.General.StateFile
	}
	return filepath.Join(cfg.General.OutputDir, ".downloader_state.json")
}

func classLimits(in map[string]int64) map[budget.Class]int64 {
	out := make(map[budget.Class]int64, len(in))
	for k, v := range in {
		out[budget.Class(k)] = v
	}
	return out
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
