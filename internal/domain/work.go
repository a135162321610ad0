package domain

import "time"

type WorkStatus string

const (
	StatusPending   WorkStatus = "pending"
	StatusCompleted WorkStatus = "completed"
	StatusFailed    WorkStatus = "failed"
	StatusDeferred  WorkStatus = "deferred"
	StatusNoMatch   WorkStatus = "no_match"
)

// Terminal reports whether no further transition is expected. Deferred is
// not terminal: the deferred queue replays it into completed or failed.
func (s WorkStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoMatch:
		return true
	}
	return false
}

// Transition is one history entry in work.json.
type Transition struct {
	At       time.Time  `json:"at"`
	Status   WorkStatus `json:"status"`
	Provider string     `json:"provider,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Work is the unit of processing for one input record. It is owned by the
// pipeline driver while searching, by the scheduler while a task for it is
// in flight, and by the driver again for finalization.
type Work struct {
	WorkID     string             `json:"work_id"`
	Input      InputRecord        `json:"input"`
	Candidates []*ScoredCandidate `json:"candidates"`
	Selected   *ScoredCandidate   `json:"selected"`
	Status     WorkStatus         `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	History    []Transition       `json:"history"`

	// WorkDir is derived from the record at creation and implied by the
	// file location, so it stays out of work.json.
	WorkDir string `json:"-"`
}

func NewWork(record InputRecord, dir string, now time.Time) *Work {
	w := &Work{
		WorkID:    record.WorkID(),
		Input:     record,
		WorkDir:   dir,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.History = append(w.History, Transition{At: now, Status: StatusPending})
	return w
}

// NoteFailure records a candidate-level failure without changing the work's
// status. The work stays pending while fallback candidates remain.
func (w *Work) NoteFailure(now time.Time, providerKey, reason string) {
	w.UpdatedAt = now
	w.History = append(w.History, Transition{
		At:       now,
		Status:   StatusFailed,
		Provider: providerKey,
		Reason:   reason,
	})
}

// SetStatus applies a transition and appends it to the history.
func (w *Work) SetStatus(now time.Time, status WorkStatus, providerKey, reason string) {
	w.Status = status
	w.UpdatedAt = now
	w.History = append(w.History, Transition{
		At:       now,
		Status:   status,
		Provider: providerKey,
		Reason:   reason,
	})
}
