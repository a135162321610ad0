package domain

// Candidate is one item a provider claims satisfies the query.
// SourceID is unique within a provider, never across providers.
type Candidate struct {
	ProviderKey string   `json:"provider_key"`
	Provider    string   `json:"provider"`
	Title       string   `json:"title"`
	Creators    []string `json:"creators,omitempty"`
	Date        string   `json:"date,omitempty"`
	SourceID    string   `json:"source_id"`
	ItemURL     string   `json:"item_url,omitempty"`
	ManifestURL string   `json:"iiif_manifest,omitempty"`

	// Hint carries provider-specific download material (a pdf_url, an md5,
	// a file identifier). Opaque to everything but the owning adapter.
	Hint map[string]string `json:"download_hint,omitempty"`

	// Raw keeps the undecoded provider payload for metadata dumps. Not
	// persisted into work.json.
	Raw map[string]any `json:"-"`
}

// Scores is the match breakdown for one candidate. Title and Creator are
// similarity ratios in 0..100.
type Scores struct {
	Title   float64 `json:"title_score"`
	Creator float64 `json:"creator_score"`
	Bonus   float64 `json:"quality_bonus"`
	Total   float64 `json:"total"`
}

type ScoredCandidate struct {
	Candidate
	Scores Scores `json:"scores"`
}

// RejectedCandidate records why a candidate was dropped during selection.
type RejectedCandidate struct {
	Candidate Candidate `json:"candidate"`
	Reason    string    `json:"reason"`
}

// Selection is the outcome of scoring one work's candidates: the primary
// pick plus an ordered fallback list.
type Selection struct {
	Primary   *ScoredCandidate    `json:"primary"`
	Fallbacks []*ScoredCandidate  `json:"fallbacks,omitempty"`
	Rejected  []RejectedCandidate `json:"rejected,omitempty"`
}

// Next pops the next fallback, or nil when the list is exhausted.
func (s *Selection) Next() *ScoredCandidate {
	if s == nil || len(s.Fallbacks) == 0 {
		return nil
	}
	next := s.Fallbacks[0]
	s.Fallbacks = s.Fallbacks[1:]
	return next
}
