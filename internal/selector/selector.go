// Package selector fans searches out across providers, scores what comes
// back against the input record, and produces the primary candidate plus the
// ordered fallback list the scheduler walks on failure.
package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/match"
	"github.com/chronofetch/chronofetch/internal/provider"
	"golang.org/x/sync/errgroup"
)

const (
	StrategyCollect    = "collect_and_select"
	StrategySequential = "sequential_first_hit"
)

// Result is everything selection produced for one work: the selection for
// the scheduler and the full scored candidate list for work.json.
type Result struct {
	Selection  *domain.Selection
	Candidates []*domain.ScoredCandidate
}

// Selector runs one of the two selection strategies over the enabled
// providers.
type Selector struct {
	registry *provider.Registry
	enabled  []string
	cfg      config.SelectionConfig

	// maxResults resolves the per-provider search cap.
	maxResults func(key string) int

	log *logger.Logger
}

func New(registry *provider.Registry, enabled []string, cfg config.SelectionConfig, maxResults func(string) int, log *logger.Logger) *Selector {
	if maxResults == nil {
		maxResults = func(string) int { return cfg.MaxCandidatesPerProvider }
	}
	return &Selector{
		registry:   registry,
		enabled:    enabled,
		cfg:        cfg,
		maxResults: maxResults,
		log:        log,
	}
}

// Select runs the configured strategy for one input record. The returned
// Selection has a nil Primary when nothing scored above the title minimum.
func (s *Selector) Select(ctx context.Context, rec domain.InputRecord) (*Result, error) {
	q := match.Query{Title: rec.Title, Creator: rec.Creator}

	if s.cfg.Strategy == StrategySequential {
		return s.sequentialFirstHit(ctx, q)
	}
	return s.collectAndSelect(ctx, q)
}

// collectAndSelect searches every enabled provider concurrently, bounded by
// max_parallel_searches, then ranks the whole pool.
func (s *Selector) collectAndSelect(ctx context.Context, q match.Query) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelSearches)

	var mu sync.Mutex
	var pool []domain.Candidate

	for _, key := range s.enabled {
		adapter, ok := s.registry.Get(key)
		if !ok {
			s.log.Warn("[Search] no adapter registered for provider %q", key)
			continue
		}
		g.Go(func() error {
			candidates, err := adapter.Search(gctx, provider.Query{Title: q.Title, Creator: q.Creator}, s.maxResults(key))
			if err != nil {
				// One provider failing must not sink the whole search.
				s.log.Warn("[Search] %s: %v", key, err)
				return nil
			}
			if len(candidates) > s.cfg.MaxCandidatesPerProvider {
				candidates = candidates[:s.cfg.MaxCandidatesPerProvider]
			}
			mu.Lock()
			pool = append(pool, candidates...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.rank(q, pool), nil
}

// sequentialFirstHit walks the hierarchy in order and stops at the first
// provider with an acceptable candidate.
func (s *Selector) sequentialFirstHit(ctx context.Context, q match.Query) (*Result, error) {
	result := &Result{Selection: &domain.Selection{}}

	for _, key := range s.orderedProviders() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adapter, ok := s.registry.Get(key)
		if !ok {
			continue
		}

		candidates, err := adapter.Search(ctx, provider.Query{Title: q.Title, Creator: q.Creator}, s.maxResults(key))
		if err != nil {
			s.log.Warn("[Search] %s: %v", key, err)
			continue
		}
		if len(candidates) > s.cfg.MaxCandidatesPerProvider {
			candidates = candidates[:s.cfg.MaxCandidatesPerProvider]
		}

		ranked := s.rank(q, candidates)
		result.Candidates = append(result.Candidates, ranked.Candidates...)
		result.Selection.Rejected = append(result.Selection.Rejected, ranked.Selection.Rejected...)
		if ranked.Selection.Primary != nil {
			result.Selection.Primary = ranked.Selection.Primary
			result.Selection.Fallbacks = ranked.Selection.Fallbacks
			return result, nil
		}
	}
	return result, nil
}

// rank scores a candidate pool and splits it into primary, fallbacks and
// rejects. Ordering is deterministic: total descending, then hierarchy
// position, then source_id.
func (s *Selector) rank(q match.Query, pool []domain.Candidate) *Result {
	result := &Result{Selection: &domain.Selection{}}

	var accepted []*domain.ScoredCandidate
	for _, c := range pool {
		scored := &domain.ScoredCandidate{
			Candidate: c,
			Scores:    match.Score(q, c, s.cfg.CreatorWeight),
		}
		result.Candidates = append(result.Candidates, scored)

		if scored.Scores.Title < s.cfg.MinTitleScore {
			result.Selection.Rejected = append(result.Selection.Rejected, domain.RejectedCandidate{
				Candidate: c,
				Reason:    fmt.Sprintf("title score %.0f below minimum %.0f", scored.Scores.Title, s.cfg.MinTitleScore),
			})
			continue
		}
		accepted = append(accepted, scored)
	}

	s.sortCandidates(accepted)
	s.sortCandidates(result.Candidates)

	if len(accepted) > 0 {
		result.Selection.Primary = accepted[0]
		result.Selection.Fallbacks = accepted[1:]
	}
	return result
}

func (s *Selector) sortCandidates(list []*domain.ScoredCandidate) {
	rank := s.hierarchyRank()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Scores.Total != list[j].Scores.Total {
			return list[i].Scores.Total > list[j].Scores.Total
		}
		ri, rj := rank(list[i].ProviderKey), rank(list[j].ProviderKey)
		if ri != rj {
			return ri < rj
		}
		return list[i].SourceID < list[j].SourceID
	})
}

func (s *Selector) hierarchyRank() func(string) int {
	pos := make(map[string]int, len(s.cfg.ProviderHierarchy))
	for i, key := range s.cfg.ProviderHierarchy {
		pos[key] = i
	}
	return func(key string) int {
		if i, ok := pos[key]; ok {
			return i
		}
		return len(pos) + 1
	}
}

// orderedProviders returns the enabled set in hierarchy order, with
// providers missing from the hierarchy after it in stable order.
func (s *Selector) orderedProviders() []string {
	rank := s.hierarchyRank()
	out := make([]string, len(s.enabled))
	copy(out, s.enabled)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
