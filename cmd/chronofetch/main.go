package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/chronofetch/chronofetch/internal/app"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/engine"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/input"
	"github.com/chronofetch/chronofetch/internal/selector"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 2
	exitInputError  = 3
	exitBudgetStop  = 4
	exitInterrupted = 130
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

type options struct {
	output           string
	configPath       string
	logLevel         string
	iiifURL          string
	workers          int
	dryRun           bool
	quotaStatus      bool
	cleanupDeferred  bool
	forceCLI         bool
	forceInteractive bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, engine.ErrBudgetStop) {
		return exitBudgetStop
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return exitConfigError
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "chronofetch [input.csv]",
		Short: "Search digital libraries and download digitized works",
		Long: "chronofetch reads a list of works, searches the enabled providers for\n" +
			"the best match and downloads the artifacts into a deterministic layout,\n" +
			"honoring per-provider pacing, daily quotas and storage budgets.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output directory (overrides configuration)")
	f.StringVarP(&opts.configPath, "config", "c", "", "configuration file path")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&opts.iiifURL, "iiif", "", "download a single IIIF manifest, skipping search")
	f.IntVarP(&opts.workers, "workers", "w", 0, "parallel download workers (overrides configuration)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "search and select only, download nothing")
	f.BoolVar(&opts.quotaStatus, "quota-status", false, "print provider quotas and the deferred queue, then exit")
	f.BoolVar(&opts.cleanupDeferred, "cleanup-deferred", false, "prune old resolved deferred items, then exit")
	f.BoolVar(&opts.forceCLI, "force-cli", false, "plain log output, no progress bar")
	f.BoolVar(&opts.forceInteractive, "force-interactive", false, "progress bar output even without a terminal")

	return cmd
}

func execute(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "configuration error: %v\n", err)
		return fail(exitConfigError, err)
	}
	applyOverrides(cfg, opts)

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout || opts.forceCLI)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "log setup error: %v\n", err)
		return fail(exitConfigError, err)
	}
	defer log.Close()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("[Main] startup: %v", err)
		return fail(exitConfigError, err)
	}

	if opts.quotaStatus {
		fmt.Fprint(cmd.OutOrStdout(), a.QuotaReport())
		return nil
	}
	if opts.cleanupDeferred {
		removed := a.CleanupDeferred()
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d resolved deferred item(s)\n", removed)
		return nil
	}

	if len(args) == 0 && opts.iiifURL == "" {
		err := errors.New("an input file or --iiif is required")
		fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
		return fail(exitInputError, err)
	}

	var mgr *input.Manager
	var records []domain.InputRecord
	if opts.iiifURL != "" {
		records = []domain.InputRecord{directRecord(opts.iiifURL)}
	} else {
		mgr, err = input.Load(args[0])
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "input error: %v\n", err)
			return fail(exitInputError, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runPipeline(ctx, a, mgr, records, opts)
	a.SaveState()

	switch {
	case errors.Is(err, engine.ErrBudgetStop):
		log.Warn("[Main] %v", err)
		return fail(exitBudgetStop, err)
	case errors.Is(err, context.Canceled):
		log.Warn("[Main] run interrupted")
		return fail(exitInterrupted, err)
	case err != nil:
		log.Error("[Main] run failed: %v", err)
		return fail(exitConfigError, err)
	}
	return nil
}

func runPipeline(ctx context.Context, a *app.App, mgr *input.Manager, records []domain.InputRecord, opts *options) error {
	cfg := a.Config
	summary := engine.NewSummary(a.Budget)

	sel := selector.New(a.Adapters, cfg.EnabledProviders(), cfg.Selection, a.MaxResults, a.Log)

	// The scheduler finalizes through the driver; the indirection breaks the
	// construction cycle between the two.
	var drv *engine.Driver
	sched := engine.NewScheduler(engine.SchedulerParams{
		Workers:     cfg.Download.MaxParallelDownloads,
		Timeout:     time.Duration(cfg.Download.WorkerTimeoutS) * time.Second,
		Options:     a.Options(),
		Concurrency: cfg.Download.ConcurrencyFor,
		Registry:    a.Adapters,
		Journal:     a.Journal,
		Budget:      a.Budget,
		Ledger:      a.Ledger,
		Deferred:    a.Deferred,
		Breakers:    a.Network.Breakers,
		Finalize:    func(w *domain.Work) { drv.Finalize(w) },
		Persist:     a.SaveState,
		Clock:       a.Clock,
		Log:         a.Log,
	})

	drv = engine.NewDriver(engine.DriverParams{
		Input:      mgr,
		Records:    records,
		Selector:   sel,
		Scheduler:  sched,
		Journal:    a.Journal,
		Budget:     a.Budget,
		Summary:    summary,
		ResumeMode: cfg.Download.ResumeMode,
		DryRun:     opts.dryRun,
		Progress:   showProgress(opts),
		Clock:      a.Clock,
		Log:        a.Log,
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	sched.Start(workerCtx)

	// Replays deferred items whose window rolled over, including items left
	// over from earlier runs.
	retry := a.DeferredService(sched)
	go retry.Run(workerCtx)

	err := drv.Run(ctx)

	cancelWorkers()
	sched.Wait()

	fmt.Print(summary.Render())
	a.Log.Info("[Main] %s", strings.TrimRight(strings.ReplaceAll(summary.Render(), "\n", "; "), "; "))
	return err
}

func applyOverrides(cfg *config.Config, opts *options) {
	if opts.output != "" {
		cfg.General.OutputDir = opts.output
	}
	if opts.workers > 0 {
		cfg.Download.MaxParallelDownloads = opts.workers
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
}

func showProgress(opts *options) bool {
	if opts.forceCLI || opts.dryRun {
		return false
	}
	if opts.forceInteractive {
		return true
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// directRecord wraps a bare manifest URL in a synthetic input record so the
// pipeline's direct-link path picks it up.
func directRecord(manifestURL string) domain.InputRecord {
	title := strings.TrimSuffix(path.Base(strings.TrimSuffix(manifestURL, "/manifest.json")), ".json")
	if title == "" || title == "." {
		title = "manifest"
	}
	return domain.InputRecord{
		EntryID: "direct",
		Title:   title,
		Link:    manifestURL,
	}
}
