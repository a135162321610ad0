package deferred

import (
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/segmentio/ksuid"
)

// Queue is the persistent FIFO of postponed downloads. Items are appended,
// replayed when their ready_at passes, and compacted once terminal.
type Queue struct {
	mu    sync.Mutex
	clk   clock.Clock
	log   *logger.Logger
	items []*domain.DeferredItem
}

func NewQueue(clk clock.Clock, log *logger.Logger) *Queue {
	return &Queue{clk: clk, log: log}
}

// Restore loads persisted items, keeping their order.
func (q *Queue) Restore(items []domain.DeferredItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	for i := range items {
		item := items[i]
		q.items = append(q.items, &item)
	}
}

// Push appends a new pending item and returns it with its assigned ID. At
// most one live item exists per provider and entry; pushing again refreshes
// that item instead of queueing a duplicate replay.
func (q *Queue) Push(task domain.DeferredTask, reason string, attempt int, readyAt time.Time) *domain.DeferredItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		live := item.Status == domain.DeferredPending || item.Status == "replaying"
		if !live || item.Task.Candidate.ProviderKey != task.Candidate.ProviderKey || item.Task.Input.EntryID != task.Input.EntryID {
			continue
		}
		item.Task = task
		item.Reason = reason
		item.Attempt = attempt
		item.Status = domain.DeferredPending
		item.ReadyAt = readyAt
		return item
	}

	item := &domain.DeferredItem{
		ID:        ksuid.New().String(),
		Task:      task,
		Reason:    reason,
		Attempt:   attempt,
		Status:    domain.DeferredPending,
		ReadyAt:   readyAt,
		CreatedAt: q.clk.Now(),
	}
	q.items = append(q.items, item)
	q.log.Info("[Deferred] queued %s (%s) until %s", task.WorkID, reason, readyAt.Format(time.RFC3339))
	return item
}

// Due returns up to max pending items whose ready_at has passed, oldest
// first, and marks them in flight so a second scan cannot hand them out
// again.
func (q *Queue) Due(max int) []*domain.DeferredItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	var due []*domain.DeferredItem
	for _, item := range q.items {
		if max >= 0 && len(due) >= max {
			break
		}
		if item.Status != domain.DeferredPending || item.ReadyAt.After(now) {
			continue
		}
		item.Status = "replaying"
		due = append(due, item)
	}
	return due
}

// Resolve marks a replayed item with its terminal status.
func (q *Queue) Resolve(id string, status string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			item.Status = status
			return
		}
	}
}

// Requeue puts a replayed item back in pending state with a new ready time.
func (q *Queue) Requeue(id string, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID == id {
			item.Status = domain.DeferredPending
			item.ReadyAt = readyAt
			item.Attempt++
			return
		}
	}
}

// Compact drops terminal items older than maxAge and returns how many were
// removed. In-flight items always survive; they are restored to pending on
// Snapshot if the process dies mid-replay.
func (q *Queue) Compact(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clk.Now().Add(-maxAge)
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		terminal := item.Status == domain.DeferredCompleted || item.Status == domain.DeferredFailed
		if terminal && item.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		q.log.Info("[Deferred] compacted %d finished item(s)", removed)
	}
	return removed
}

// Snapshot returns the persistable item list. Items caught mid-replay are
// written out as pending so a restart replays them again.
func (q *Queue) Snapshot() []domain.DeferredItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.DeferredItem, 0, len(q.items))
	for _, item := range q.items {
		copied := *item
		if copied.Status == "replaying" {
			copied.Status = domain.DeferredPending
		}
		out = append(out, copied)
	}
	return out
}

// Pending counts items still waiting for their ready time.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Status == domain.DeferredPending || item.Status == "replaying" {
			n++
		}
	}
	return n
}

// Items returns a copy of the queue for status reports.
func (q *Queue) Items() []domain.DeferredItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.DeferredItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}
