package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/deferred"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/input"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/chronofetch/chronofetch/internal/quota"
	"github.com/chronofetch/chronofetch/internal/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter serves canned search results and delegates downloads to a
// test-supplied function.
type stubAdapter struct {
	key        string
	candidates []domain.Candidate
	download   func(ctx context.Context, req provider.Request) (*provider.Outcome, error)
}

func (s *stubAdapter) Key() string         { return s.key }
func (s *stubAdapter) DisplayName() string { return s.key }

func (s *stubAdapter) Search(_ context.Context, _ provider.Query, max int) ([]domain.Candidate, error) {
	if len(s.candidates) > max {
		return s.candidates[:max], nil
	}
	return s.candidates, nil
}

func (s *stubAdapter) Download(ctx context.Context, req provider.Request) (*provider.Outcome, error) {
	if s.download == nil {
		return nil, errors.New("no download stub")
	}
	return s.download(ctx, req)
}

// writeObject simulates a successful artifact download into the work layout.
func writeObject(t *testing.T, req provider.Request, ext string, payload []byte) *provider.Outcome {
	t.Helper()
	dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ObjectFileName(req.Name, ext, 1))
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest, payload, 0644))
	return &provider.Outcome{Files: []string{dest}, Bytes: int64(len(payload))}
}

type harnessParams struct {
	limits    budget.Limits
	workers   int
	timeout   time.Duration
	hierarchy []string
	adapters  []provider.Adapter
	input     *input.Manager
	records   []domain.InputRecord
	dryRun    bool
}

type harness struct {
	clk     *clock.Fake
	acct    *budget.Accountant
	ledger  *quota.Ledger
	deferq  *deferred.Queue
	jrnl    *journal.Journal
	summary *Summary
	sched   *Scheduler
	drv     *Driver
}

func newHarness(t *testing.T, p harnessParams) *harness {
	t.Helper()
	if p.workers == 0 {
		p.workers = 2
	}
	log := logger.Nop()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{
		clk:    clk,
		acct:   budget.NewAccountant(p.limits, log),
		ledger: quota.NewLedger(clk, log),
		deferq: deferred.NewQueue(clk, log),
		jrnl:   journal.New(t.TempDir(), config.NamingConfig{}, log),
	}
	h.summary = NewSummary(h.acct)

	reg := provider.NewRegistry()
	var enabled []string
	for _, a := range p.adapters {
		reg.Register(a)
		enabled = append(enabled, a.Key())
	}
	if p.hierarchy == nil {
		p.hierarchy = enabled
	}

	sel := selector.New(reg, enabled, config.SelectionConfig{
		Strategy:                 selector.StrategyCollect,
		MinTitleScore:            85,
		CreatorWeight:            0.2,
		ProviderHierarchy:        p.hierarchy,
		MaxParallelSearches:      3,
		MaxCandidatesPerProvider: 5,
	}, nil, log)

	h.sched = NewScheduler(SchedulerParams{
		Workers:  p.workers,
		Timeout:  p.timeout,
		Registry: reg,
		Journal:  h.jrnl,
		Budget:   h.acct,
		Ledger:   h.ledger,
		Deferred: h.deferq,
		Finalize: func(w *domain.Work) { h.drv.Finalize(w) },
		Clock:    clk,
		Log:      log,
	})

	h.drv = NewDriver(DriverParams{
		Input:      p.input,
		Records:    p.records,
		Selector:   sel,
		Scheduler:  h.sched,
		Journal:    h.jrnl,
		Budget:     h.acct,
		Summary:    h.summary,
		ResumeMode: config.ResumeSkipCompleted,
		DryRun:     p.dryRun,
		Clock:      clk,
		Log:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.sched.Start(ctx)
	return h
}

func writeInputCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "works.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0644))
	return path
}

var raven = domain.InputRecord{EntryID: "E1", Title: "The Raven", Creator: "Poe"}

func TestRunCompletesOnFirstProvider(t *testing.T) {
	csvPath := writeInputCSV(t, "entry_id,short_title,main_author\nE1,The Raven,Poe\n")
	mgr, err := input.Load(csvPath)
	require.NoError(t, err)

	ia := &stubAdapter{
		key: "ia",
		candidates: []domain.Candidate{{
			ProviderKey: "ia", Provider: "ia", Title: "The Raven",
			SourceID: "raven01", ItemURL: "https://example/ia/raven",
			Hint: map[string]string{"pdf_url": "https://example/ia/raven.pdf"},
		}},
		download: func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
			return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
		},
	}

	h := newHarness(t, harnessParams{adapters: []provider.Adapter{ia}, input: mgr})
	require.NoError(t, h.drv.Run(context.Background()))

	workDir := h.jrnl.WorkDir(raven)
	w, err := h.jrnl.LoadWork(workDir)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.Equal(t, "ia", w.Selected.ProviderKey)
	assert.FileExists(t, filepath.Join(workDir, "objects", "e1_the_raven_ia.pdf"))

	rows, err := h.jrnl.ReadIndex()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ia", rows[0]["selected_provider_key"])
	assert.Equal(t, "completed", rows[0]["status"])

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "True")
	assert.Contains(t, string(data), "download_provider")
	assert.Equal(t, 1, h.summary.Count(domain.StatusCompleted))
}

func TestRunNoMatch(t *testing.T) {
	ia := &stubAdapter{key: "ia", candidates: []domain.Candidate{{
		ProviderKey: "ia", Provider: "ia", Title: "Completely different book", SourceID: "x1",
	}}}

	h := newHarness(t, harnessParams{adapters: []provider.Adapter{ia}, records: []domain.InputRecord{raven}})
	require.NoError(t, h.drv.Run(context.Background()))

	w, err := h.jrnl.LoadWork(h.jrnl.WorkDir(raven))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoMatch, w.Status)
	assert.NotEmpty(t, w.Candidates, "rejected candidates are still journaled")

	rows, err := h.jrnl.ReadIndex()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "no_match", rows[0]["status"])
}

func TestRunFallsBackOnPrimaryFailure(t *testing.T) {
	ia := &stubAdapter{
		key:        "ia",
		candidates: []domain.Candidate{{ProviderKey: "ia", Provider: "ia", Title: "The Raven", SourceID: "r1"}},
		download: func(context.Context, provider.Request) (*provider.Outcome, error) {
			return nil, domain.NewTaskError(domain.KindTransient, "ia", errors.New("server melted"))
		},
	}
	bnf := &stubAdapter{
		key:        "bnf",
		candidates: []domain.Candidate{{ProviderKey: "bnf", Provider: "bnf", Title: "The Raven", SourceID: "b1"}},
		download: func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
			return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
		},
	}

	h := newHarness(t, harnessParams{
		adapters:  []provider.Adapter{ia, bnf},
		hierarchy: []string{"ia", "bnf"},
		records:   []domain.InputRecord{raven},
	})
	require.NoError(t, h.drv.Run(context.Background()))

	w, err := h.jrnl.LoadWork(h.jrnl.WorkDir(raven))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.Equal(t, "bnf", w.Selected.ProviderKey)

	// History reads ia:failed:transient then bnf:completed.
	var seen []string
	for _, tr := range w.History {
		seen = append(seen, tr.Provider+":"+string(tr.Status)+":"+tr.Reason)
	}
	assert.Contains(t, seen, "ia:failed:transient")
	assert.Contains(t, seen, "bnf:completed:")

	assert.FileExists(t, filepath.Join(h.jrnl.WorkDir(raven), "objects", "e1_the_raven_bnf.pdf"))
}

func TestRunTimeoutInvokesFallback(t *testing.T) {
	slow := &stubAdapter{
		key:        "slow",
		candidates: []domain.Candidate{{ProviderKey: "slow", Provider: "slow", Title: "The Raven", SourceID: "s1"}},
		download: func(ctx context.Context, _ provider.Request) (*provider.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fast := &stubAdapter{
		key:        "fast",
		candidates: []domain.Candidate{{ProviderKey: "fast", Provider: "fast", Title: "The Raven", SourceID: "f1"}},
		download: func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
			return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
		},
	}

	h := newHarness(t, harnessParams{
		adapters:  []provider.Adapter{slow, fast},
		hierarchy: []string{"slow", "fast"},
		records:   []domain.InputRecord{raven},
		timeout:   30 * time.Millisecond,
	})
	require.NoError(t, h.drv.Run(context.Background()))

	w, err := h.jrnl.LoadWork(h.jrnl.WorkDir(raven))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.Equal(t, "fast", w.Selected.ProviderKey)

	var kinds []string
	for _, tr := range w.History {
		if tr.Status == domain.StatusFailed {
			kinds = append(kinds, tr.Reason)
		}
	}
	assert.Contains(t, kinds, domain.KindTimeout)
}

func TestRunBudgetStop(t *testing.T) {
	ia := &stubAdapter{
		key:        "ia",
		candidates: []domain.Candidate{{ProviderKey: "ia", Provider: "ia", Title: "The Raven", SourceID: "r1"}},
	}

	h := newHarness(t, harnessParams{
		limits:   budget.Limits{Total: map[budget.Class]int64{budget.ClassPDF: 100}, Policy: budget.PolicyStop},
		adapters: []provider.Adapter{ia},
		records:  []domain.InputRecord{raven},
	})
	ia.download = func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
		if err := h.acct.Stream(budget.ClassPDF, req.WorkID, 500); err != nil {
			return nil, domain.NewTaskError(domain.KindBudgetExceeded, "ia", err)
		}
		return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
	}

	err := h.drv.Run(context.Background())
	require.ErrorIs(t, err, ErrBudgetStop)

	w, lerr := h.jrnl.LoadWork(h.jrnl.WorkDir(raven))
	require.NoError(t, lerr)
	assert.Equal(t, domain.StatusFailed, w.Status)
	assert.Equal(t, domain.KindBudgetExceeded, w.History[len(w.History)-1].Reason)
}

func TestSchedulerDrainsQueueAfterStop(t *testing.T) {
	idle := &stubAdapter{key: "ia"}
	h := newHarness(t, harnessParams{
		limits:   budget.Limits{Total: map[budget.Class]int64{budget.ClassPDF: 10}, Policy: budget.PolicyStop},
		adapters: []provider.Adapter{idle},
		workers:  1,
	})

	// Trip the stop policy directly, then feed the scheduler a queued work.
	require.Error(t, h.acct.Stream(budget.ClassPDF, "other", 50))
	require.True(t, h.acct.Stopped())

	w := domain.NewWork(raven, h.jrnl.WorkDir(raven), h.clk.Now())
	scored := &domain.ScoredCandidate{Candidate: domain.Candidate{ProviderKey: "ia", Title: "The Raven", SourceID: "r1"}}
	h.sched.Enqueue(&domain.DownloadTask{
		Work:      w,
		Selection: &domain.Selection{Primary: scored},
		Candidate: scored,
		Attempt:   1,
		Name:      domain.NameContext{EntryID: "E1", Stem: "e1_the_raven", ProviderKey: "ia"},
	})
	require.NoError(t, h.sched.Drain(context.Background()))

	assert.Equal(t, domain.StatusFailed, w.Status)
	assert.Equal(t, "budget-stop", w.History[len(w.History)-1].Reason)
}

func TestRunDryRunDownloadsNothing(t *testing.T) {
	ia := &stubAdapter{
		key:        "ia",
		candidates: []domain.Candidate{{ProviderKey: "ia", Provider: "ia", Title: "The Raven", SourceID: "r1"}},
		download: func(context.Context, provider.Request) (*provider.Outcome, error) {
			t.Fatal("dry run must not download")
			return nil, nil
		},
	}

	h := newHarness(t, harnessParams{adapters: []provider.Adapter{ia}, records: []domain.InputRecord{raven}, dryRun: true})
	require.NoError(t, h.drv.Run(context.Background()))

	w, err := h.jrnl.LoadWork(h.jrnl.WorkDir(raven))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.NoDirExists(t, filepath.Join(h.jrnl.WorkDir(raven), "objects"))
}

func TestRunDirectManifestBypassesSearch(t *testing.T) {
	direct := &stubAdapter{
		key: "direct",
		download: func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
			assert.Equal(t, "https://example/iiif/thing/manifest.json", req.Candidate.ManifestURL)
			return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
		},
	}
	searched := &stubAdapter{key: "ia", candidates: []domain.Candidate{{ProviderKey: "ia", Title: "The Raven", SourceID: "r1"}}}

	rec := domain.InputRecord{EntryID: "E9", Title: "Linked Work", Link: "https://example/iiif/thing/manifest.json"}
	h := newHarness(t, harnessParams{adapters: []provider.Adapter{direct, searched}, records: []domain.InputRecord{rec}})
	require.NoError(t, h.drv.Run(context.Background()))

	w, err := h.jrnl.LoadWork(h.jrnl.WorkDir(rec))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.Equal(t, provider.DirectKey, w.Selected.ProviderKey)
}

func TestRunSingleWorkerSerializes(t *testing.T) {
	var inflight, peak int
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	track := func(delta int) {
		<-mu
		inflight += delta
		if inflight > peak {
			peak = inflight
		}
		mu <- struct{}{}
	}

	ia := &stubAdapter{
		key:        "ia",
		candidates: []domain.Candidate{{ProviderKey: "ia", Provider: "ia", Title: "The Raven", SourceID: "r1"}},
		download: func(_ context.Context, req provider.Request) (*provider.Outcome, error) {
			track(1)
			time.Sleep(20 * time.Millisecond)
			track(-1)
			return writeObject(t, req, "pdf", []byte("%PDF-1.4 data")), nil
		},
	}

	records := []domain.InputRecord{
		{EntryID: "E1", Title: "The Raven"},
		{EntryID: "E2", Title: "The Raven"},
		{EntryID: "E3", Title: "The Raven"},
	}
	h := newHarness(t, harnessParams{adapters: []provider.Adapter{ia}, records: records, workers: 1})
	require.NoError(t, h.drv.Run(context.Background()))

	assert.Equal(t, 1, peak, "one worker never overlaps downloads")
	assert.Equal(t, 3, h.summary.Count(domain.StatusCompleted))
}
