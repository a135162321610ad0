// Package engine drives the run: the pipeline driver walks input records
// through search and selection, and the scheduler executes the resulting
// download tasks on a bounded worker pool with per-provider admission.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/deferred"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/network"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/chronofetch/chronofetch/internal/quota"
	"golang.org/x/sync/semaphore"
)

// Finalizer receives a work once it reaches deferred or a terminal status.
// The driver owns finalization: journal, index, input writeback, summary.
type Finalizer func(w *domain.Work)

// Scheduler runs download tasks on max_parallel_downloads workers. Admission
// to a provider is additionally gated by that provider's semaphore; the
// global pool slot is held while waiting on it, so the pool must be sized at
// least as wide as the widest provider limit to avoid head-of-line blocking.
type Scheduler struct {
	mu       sync.Mutex
	queue    []*domain.DownloadTask
	newTask  chan struct{}
	inflight int
	stopped  bool

	workers     int
	timeout     time.Duration
	opts        provider.Options
	concurrency func(providerKey string) int
	sems        map[string]*semaphore.Weighted

	registry *provider.Registry
	journal  *journal.Journal
	acct     *budget.Accountant
	ledger   *quota.Ledger
	deferq   *deferred.Queue
	breakers func() map[string]network.BreakerMode
	finalize Finalizer
	persist  func()

	clk clock.Clock
	log *logger.Logger
	wg  sync.WaitGroup
}

// SchedulerParams wires the scheduler's collaborators.
type SchedulerParams struct {
	Workers     int
	Timeout     time.Duration
	Options     provider.Options
	Concurrency func(providerKey string) int

	Registry *provider.Registry
	Journal  *journal.Journal
	Budget   *budget.Accountant
	Ledger   *quota.Ledger
	Deferred *deferred.Queue

	// Breakers lets the scheduler detect the all-providers-unavailable
	// condition. Optional.
	Breakers func() map[string]network.BreakerMode

	// Finalize is called for every work reaching deferred or a terminal
	// status. Persist flushes the shared state file after quota/deferred
	// mutations. Both optional.
	Finalize Finalizer
	Persist  func()

	Clock clock.Clock
	Log   *logger.Logger
}

func NewScheduler(p SchedulerParams) *Scheduler {
	if p.Workers <= 0 {
		p.Workers = 1
	}
	if p.Concurrency == nil {
		p.Concurrency = func(string) int { return 2 }
	}
	if p.Finalize == nil {
		p.Finalize = func(*domain.Work) {}
	}
	if p.Persist == nil {
		p.Persist = func() {}
	}
	return &Scheduler{
		newTask:     make(chan struct{}, 1),
		workers:     p.Workers,
		timeout:     p.Timeout,
		opts:        p.Options,
		concurrency: p.Concurrency,
		sems:        map[string]*semaphore.Weighted{},
		registry:    p.Registry,
		journal:     p.Journal,
		acct:        p.Budget,
		ledger:      p.Ledger,
		deferq:      p.Deferred,
		breakers:    p.Breakers,
		finalize:    p.Finalize,
		persist:     p.Persist,
		clk:         p.Clock,
		log:         p.Log,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
}

// Enqueue appends a task and wakes a worker.
func (s *Scheduler) Enqueue(task *domain.DownloadTask) {
	task.EnqueuedAt = s.clk.Now()

	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.newTask <- struct{}{}:
	default:
	}
}

// Drain blocks until the queue is empty and no task is in flight, or ctx is
// cancelled.
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && s.inflight == 0
		s.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Capacity reports how many more tasks the scheduler wants right now; the
// deferred service uses it to pace replays.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	free := 2*s.workers - len(s.queue) - s.inflight
	if free < 0 {
		return 0
	}
	return free
}

// Replay rebuilds a download task from a persisted deferred item and
// enqueues it.
func (s *Scheduler) Replay(ctx context.Context, item *domain.DeferredItem) {
	if ctx.Err() != nil {
		return
	}

	w, err := s.journal.LoadWork(item.Task.WorkDir)
	if err != nil {
		w = domain.NewWork(item.Task.Input, item.Task.WorkDir, s.clk.Now())
		w.WorkID = item.Task.WorkID
		w.Selected = item.Task.Candidate
	}

	stem := s.journal.Stem(item.Task.Input)
	s.Enqueue(&domain.DownloadTask{
		Work:      w,
		Selection: &domain.Selection{Primary: item.Task.Candidate, Fallbacks: item.Task.Fallbacks},
		Candidate: item.Task.Candidate,
		Attempt:   item.Attempt + 1,
		Name: domain.NameContext{
			EntryID:     item.Task.Input.EntryID,
			Stem:        stem,
			ProviderKey: item.Task.Candidate.ProviderKey,
		},
		DeferredID: item.ID,
	})
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		task := s.next(ctx)
		if task == nil {
			return
		}
		s.run(ctx, task)

		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}
}

// next pops the head task, blocking until one arrives or ctx ends. The
// inflight counter is incremented under the same lock as the pop so Drain
// never observes a task in neither place.
func (s *Scheduler) next(ctx context.Context) *domain.DownloadTask {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			task := s.queue[0]
			s.queue = s.queue[1:]
			s.inflight++
			s.mu.Unlock()
			return task
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-s.newTask:
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task *domain.DownloadTask) {
	w := task.Work
	key := task.Candidate.ProviderKey

	if s.acct.Stopped() {
		s.drainTask(task)
		return
	}

	adapter, ok := s.registry.Get(key)
	if !ok {
		s.log.Error("[Scheduler] no adapter for provider %q", key)
		s.failCandidate(ctx, task, domain.NewTaskError(domain.KindClientError, key, errors.New("unknown provider")))
		return
	}

	sem := s.semaphoreFor(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting for a provider slot; leave the work
		// pending so a resumed run picks it up.
		return
	}
	defer sem.Release(1)

	tctx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.log.Info("[Scheduler] %s: downloading %q from %s (attempt %d)", w.Input.EntryID, task.Candidate.Title, key, task.Attempt)
	outcome, err := adapter.Download(tctx, provider.Request{
		Candidate: task.Candidate.Candidate,
		WorkID:    w.WorkID,
		WorkDir:   w.WorkDir,
		Name:      task.Name.WithProvider(key),
		Options:   s.opts,
	})

	switch {
	case err == nil && outcome != nil && len(outcome.Files) > 0:
		s.complete(task, outcome)

	case err == nil:
		reason := "empty outcome"
		if outcome != nil && outcome.Skipped != "" {
			reason = outcome.Skipped
		}
		s.failCandidate(ctx, task, domain.NewTaskError(domain.KindTransient, key, errors.New(reason)))

	case ctx.Err() != nil:
		// Process-level shutdown, not a task timeout: leave pending.
		return

	case domain.KindOf(err) == domain.KindQuotaExhausted:
		s.quotaFailure(ctx, task, err)

	default:
		s.failCandidate(ctx, task, err)
	}
}

// complete finalizes a successful task.
func (s *Scheduler) complete(task *domain.DownloadTask, outcome *provider.Outcome) {
	w := task.Work
	key := task.Candidate.ProviderKey

	s.ledger.Commit(key)
	w.Selected = task.Candidate
	w.SetStatus(s.clk.Now(), domain.StatusCompleted, key, "")
	s.log.Info("[Scheduler] %s: completed via %s (%d file(s), %d bytes)", w.Input.EntryID, key, len(outcome.Files), outcome.Bytes)

	s.resolveDeferred(task, domain.DeferredCompleted)
	s.finalize(w)
	s.persist()
}

// failCandidate records the failure and walks to the next fallback, or
// finalizes the work as failed when none remain.
func (s *Scheduler) failCandidate(ctx context.Context, task *domain.DownloadTask, err error) {
	w := task.Work
	key := task.Candidate.ProviderKey
	kind := domain.KindOf(err)

	w.NoteFailure(s.clk.Now(), key, kind)
	s.log.Warn("[Scheduler] %s: %s failed (%s): %v", w.Input.EntryID, key, kind, err)

	next := task.Selection.Next()
	if next != nil && ctx.Err() == nil && !s.acct.Stopped() {
		if err := s.journal.SaveWork(w); err != nil {
			s.log.Error("[Scheduler] %s: saving work journal: %v", w.Input.EntryID, err)
		}
		s.Enqueue(&domain.DownloadTask{
			Work:      w,
			Selection: task.Selection,
			Candidate: next,
			Attempt:   task.Attempt + 1,
			Name:      task.Name.WithProvider(next.ProviderKey),
		})
		return
	}

	reason := kind
	if s.allCircuitOpen(w) {
		reason = "all-providers-unavailable"
	}
	w.SetStatus(s.clk.Now(), domain.StatusFailed, key, reason)
	s.resolveDeferred(task, domain.DeferredFailed)
	s.finalize(w)
	s.persist()
}

// quotaFailure defers the task when the provider is configured to wait for
// its window, otherwise treats the quota like any other candidate failure.
func (s *Scheduler) quotaFailure(ctx context.Context, task *domain.DownloadTask, err error) {
	w := task.Work
	key := task.Candidate.ProviderKey

	if !s.ledger.WaitOnExhaustion(key) {
		s.failCandidate(ctx, task, err)
		return
	}

	readyAt := s.clk.Now().Add(time.Hour)
	var te *domain.TaskError
	if errors.As(err, &te) && !te.RetryAt.IsZero() {
		readyAt = te.RetryAt
	}

	if task.DeferredID != "" {
		// A replayed task hit the quota again: push it back with the new
		// window.
		s.deferq.Requeue(task.DeferredID, readyAt)
		s.persist()
		return
	}

	s.deferq.Push(domain.DeferredTask{
		WorkID:    w.WorkID,
		WorkDir:   w.WorkDir,
		Input:     w.Input,
		Candidate: task.Candidate,
		Fallbacks: task.Selection.Fallbacks,
	}, domain.DeferQuota, task.Attempt, readyAt)

	w.SetStatus(s.clk.Now(), domain.StatusDeferred, key, domain.KindQuotaExhausted)
	s.finalize(w)
	s.persist()
}

// drainTask fails a queued work without attempting it; the stop policy has
// already tripped.
func (s *Scheduler) drainTask(task *domain.DownloadTask) {
	w := task.Work
	w.SetStatus(s.clk.Now(), domain.StatusFailed, task.Candidate.ProviderKey, "budget-stop")
	s.resolveDeferred(task, domain.DeferredFailed)
	s.finalize(w)

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Scheduler) resolveDeferred(task *domain.DownloadTask, status string) {
	if task.DeferredID != "" {
		s.deferq.Resolve(task.DeferredID, status)
	}
}

// allCircuitOpen reports whether every failure in the work's history was a
// rejected-by-breaker one, meaning no provider was actually reachable.
func (s *Scheduler) allCircuitOpen(w *domain.Work) bool {
	sawFailure := false
	for _, tr := range w.History {
		if tr.Status != domain.StatusFailed || tr.Reason == "" {
			continue
		}
		sawFailure = true
		if tr.Reason != domain.KindCircuitOpen {
			return false
		}
	}
	return sawFailure
}

func (s *Scheduler) semaphoreFor(key string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.concurrency(key)))
		s.sems[key] = sem
	}
	return sem
}
