package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// InputRecord is one row of the input list. It is immutable during a run;
// result columns are written back through the input manager, never here.
type InputRecord struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
	Creator string `json:"creator,omitempty"`
	Year    string `json:"year,omitempty"`

	// Link is the value of the link column as read from the input. When it
	// points at a IIIF manifest the search step is skipped entirely.
	Link string `json:"link,omitempty"`

	// Extra preserves columns the pipeline does not interpret.
	Extra map[string]string `json:"-"`
}

// WorkID derives the stable identifier for a record. Two runs over the same
// entry and title always land in the same work directory.
func (r InputRecord) WorkID() string {
	h := sha1.Sum([]byte(r.EntryID + "|" + strings.TrimSpace(r.Title)))
	return hex.EncodeToString(h[:])[:12]
}
