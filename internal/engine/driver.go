package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/input"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/chronofetch/chronofetch/internal/selector"
	"github.com/schollz/progressbar/v3"
)

// ErrBudgetStop is returned by Run when the stop policy tripped; the process
// maps it to its own exit code.
var ErrBudgetStop = errors.New("download budget exhausted, run stopped")

// Driver walks the input records through resume check, search, selection,
// journaling and enqueueing, then waits for the scheduler to drain.
type Driver struct {
	input     *input.Manager
	records   []domain.InputRecord
	selector  *selector.Selector
	scheduler *Scheduler
	journal   *journal.Journal
	acct      *budget.Accountant
	summary   *Summary

	resumeMode string
	dryRun     bool
	progress   bool

	clk clock.Clock
	log *logger.Logger
}

// DriverParams wires the driver's collaborators.
type DriverParams struct {
	// Input is the CSV-backed record source. Records overrides it for
	// runs fed from somewhere else, like a single direct manifest.
	Input   *input.Manager
	Records []domain.InputRecord

	Selector  *selector.Selector
	Scheduler *Scheduler
	Journal   *journal.Journal
	Budget    *budget.Accountant
	Summary   *Summary

	ResumeMode string
	DryRun     bool
	Progress   bool

	Clock clock.Clock
	Log   *logger.Logger
}

func NewDriver(p DriverParams) *Driver {
	records := p.Records
	if records == nil && p.Input != nil {
		records = p.Input.Records()
	}
	return &Driver{
		input:      p.Input,
		records:    records,
		selector:   p.Selector,
		scheduler:  p.Scheduler,
		journal:    p.Journal,
		acct:       p.Budget,
		summary:    p.Summary,
		resumeMode: p.ResumeMode,
		dryRun:     p.DryRun,
		progress:   p.Progress,
		clk:        p.Clock,
		log:        p.Log,
	}
}

// Finalize persists a finished work and reflects its status everywhere it is
// visible: work.json, index.csv, the input CSV and the summary. It is handed
// to the scheduler as its Finalizer and used directly by the driver for
// works that never reach the scheduler.
func (d *Driver) Finalize(w *domain.Work) {
	if err := d.journal.SaveWork(w); err != nil {
		d.log.Error("[Driver] %s: saving work.json: %v", w.Input.EntryID, err)
	}

	d.summary.Add(w.WorkID, w.Status)
	if !w.Status.Terminal() {
		return
	}

	if err := d.journal.AppendIndex(w); err != nil {
		d.log.Error("[Driver] %s: appending index row: %v", w.Input.EntryID, err)
	}

	if d.input == nil {
		return
	}
	var err error
	if w.Status == domain.StatusCompleted {
		var link string
		if w.Selected != nil {
			link = w.Selected.ItemURL
		}
		var key string
		if w.Selected != nil {
			key = w.Selected.ProviderKey
		}
		err = d.input.MarkSuccess(w.Input.EntryID, key, link, d.clk.Now())
	} else {
		err = d.input.MarkFailed(w.Input.EntryID)
	}
	if err != nil {
		d.log.Error("[Driver] %s: input writeback: %v", w.Input.EntryID, err)
	}
}

// Run processes every input record and drains the scheduler. It returns
// ErrBudgetStop when the stop policy fired, or the context error on
// cancellation.
func (d *Driver) Run(ctx context.Context) error {
	records := d.records
	d.log.Info("[Driver] starting run over %d record(s)", len(records))

	var bar *progressbar.ProgressBar
	if d.progress {
		bar = progressbar.Default(int64(len(records)), "works")
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if d.acct.Stopped() {
			break
		}
		d.processRecord(ctx, rec)
		if bar != nil {
			bar.Add(1)
		}
	}

	if err := d.scheduler.Drain(ctx); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	if d.acct.Stopped() {
		return ErrBudgetStop
	}
	return ctx.Err()
}

func (d *Driver) processRecord(ctx context.Context, rec domain.InputRecord) {
	workDir := d.journal.WorkDir(rec)

	if skip, why := d.shouldSkip(rec, workDir); skip {
		d.log.Info("[Driver] %s: skipped (%s)", rec.EntryID, why)
		d.summary.AddSkipped()
		return
	}

	now := d.clk.Now()
	w := domain.NewWork(rec, workDir, now)
	d.acct.BeginWork(w.WorkID)

	sel, err := d.buildSelection(ctx, rec, w)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.log.Error("[Driver] %s: selection failed: %v", rec.EntryID, err)
		w.SetStatus(d.clk.Now(), domain.StatusFailed, "", domain.KindOf(err))
		d.Finalize(w)
		return
	}

	if sel.Primary == nil {
		w.SetStatus(d.clk.Now(), domain.StatusNoMatch, "", domain.KindNoMatch)
		d.Finalize(w)
		return
	}

	w.Selected = sel.Primary
	if err := d.journal.SaveWork(w); err != nil {
		d.log.Error("[Driver] %s: saving work.json: %v", rec.EntryID, err)
		w.SetStatus(d.clk.Now(), domain.StatusFailed, "", domain.KindIOError)
		d.Finalize(w)
		return
	}

	if d.dryRun {
		w.SetStatus(d.clk.Now(), domain.StatusCompleted, sel.Primary.ProviderKey, "dry-run")
		d.Finalize(w)
		return
	}

	d.scheduler.Enqueue(&domain.DownloadTask{
		Work:      w,
		Selection: sel,
		Candidate: sel.Primary,
		Attempt:   1,
		Name: domain.NameContext{
			EntryID:     rec.EntryID,
			Stem:        d.journal.Stem(rec),
			ProviderKey: sel.Primary.ProviderKey,
		},
	})
}

// buildSelection either bypasses search for a direct manifest link or runs
// the configured selection strategy.
func (d *Driver) buildSelection(ctx context.Context, rec domain.InputRecord, w *domain.Work) (*domain.Selection, error) {
	if url, ok := directManifestLink(rec); ok {
		scored := &domain.ScoredCandidate{
			Candidate: domain.Candidate{
				ProviderKey: provider.DirectKey,
				Provider:    "Direct IIIF",
				Title:       rec.Title,
				SourceID:    rec.EntryID,
				ManifestURL: url,
			},
			Scores: domain.Scores{Title: 100, Creator: 100, Total: 100},
		}
		w.Candidates = []*domain.ScoredCandidate{scored}
		return &domain.Selection{Primary: scored}, nil
	}

	res, err := d.selector.Select(ctx, rec)
	if err != nil {
		return nil, err
	}
	w.Candidates = res.Candidates
	return res.Selection, nil
}

// directManifestLink reports whether the record's link column points at a
// IIIF manifest.
func directManifestLink(rec domain.InputRecord) (string, bool) {
	link := strings.TrimSpace(rec.Link)
	if link == "" || !strings.HasPrefix(link, "http") {
		return "", false
	}
	low := strings.ToLower(link)
	if strings.Contains(low, "manifest") || strings.Contains(low, "/iiif/") {
		return link, true
	}
	return "", false
}

func (d *Driver) shouldSkip(rec domain.InputRecord, workDir string) (bool, string) {
	if d.resumeMode == config.ResumeReprocessAll {
		return false, ""
	}

	// A deferred work belongs to the replay queue; re-processing it here
	// would download it twice once its quota window rolls over.
	w, werr := d.journal.LoadWork(workDir)
	if werr == nil && w.Status == domain.StatusDeferred {
		return true, "deferred, waiting on its quota window"
	}

	switch d.resumeMode {
	case config.ResumeSkipIfHasObjects:
		if d.journal.HasObjects(workDir) {
			return true, "objects already on disk"
		}
	case config.ResumeFromCSV:
		if d.input != nil && d.input.Retrievable(rec.EntryID) {
			return true, "marked retrievable in input"
		}
	default: // skip_completed
		if werr == nil && w.Status == domain.StatusCompleted {
			return true, "journal says completed"
		}
	}
	return false, ""
}
