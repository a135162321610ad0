package domain

import "time"

// NameContext carries the identifiers filename generation needs. It travels
// with the task so adapters never reach for process-global state to name a
// file.
type NameContext struct {
	EntryID     string
	Stem        string
	ProviderKey string
}

// WithProvider returns a copy bound to the provider currently attempting
// the download.
func (n NameContext) WithProvider(key string) NameContext {
	n.ProviderKey = key
	return n
}

// DownloadTask is one attempt unit handed to the scheduler. Candidate is the
// current attempt; on failure the scheduler walks Selection's fallback list
// and re-enqueues with the next one.
type DownloadTask struct {
	Work       *Work
	Selection  *Selection
	Candidate  *ScoredCandidate
	Attempt    int
	Name       NameContext
	EnqueuedAt time.Time

	// DeferredID links a replayed task back to its queue item so the item
	// can be resolved when the task finishes.
	DeferredID string
}
