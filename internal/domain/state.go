package domain

import "time"

// QuotaState is the persisted daily-usage window for one provider.
// DailyLimit 0 means unlimited.
type QuotaState struct {
	DailyLimit       int       `json:"daily_limit"`
	UsedToday        int       `json:"used_today"`
	WindowStart      time.Time `json:"window_start"`
	WaitOnExhaustion bool      `json:"wait_on_exhaustion"`
}

// Deferral reasons.
const (
	DeferQuota     = "quota"
	DeferRate      = "rate"
	DeferTransient = "transient"
)

// Deferred item statuses. Pending items are eligible for replay; terminal
// ones are kept briefly for inspection and then pruned.
const (
	DeferredPending   = "pending"
	DeferredCompleted = "completed"
	DeferredFailed    = "failed"
)

// DeferredTask is the serializable core of a DownloadTask, enough to rebuild
// the task after a restart without re-running search and selection.
type DeferredTask struct {
	WorkID    string             `json:"work_id"`
	WorkDir   string             `json:"work_dir"`
	Input     InputRecord        `json:"input"`
	Candidate *ScoredCandidate   `json:"candidate"`
	Fallbacks []*ScoredCandidate `json:"fallbacks,omitempty"`
}

// DeferredItem is one postponed download in the persistent queue.
type DeferredItem struct {
	ID        string       `json:"id"`
	Task      DeferredTask `json:"task"`
	Reason    string       `json:"reason"`
	Attempt   int          `json:"attempt_index"`
	Status    string       `json:"status"`
	ReadyAt   time.Time    `json:"ready_at"`
	CreatedAt time.Time    `json:"created_at"`
}
