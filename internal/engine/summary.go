package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/domain"
)

// Summary accumulates the per-run counts printed at the end: works by
// outcome and bytes/files by content class.
type Summary struct {
	mu       sync.Mutex
	byStatus map[domain.WorkStatus]int
	final    map[string]domain.WorkStatus
	skipped  int
	acct     *budget.Accountant
}

func NewSummary(acct *budget.Accountant) *Summary {
	return &Summary{
		byStatus: map[domain.WorkStatus]int{},
		final:    map[string]domain.WorkStatus{},
		acct:     acct,
	}
}

// Add records a work's latest status. A work finalized twice in one run, a
// deferral later completed by a replay, moves between tallies instead of
// counting in both.
func (s *Summary) Add(workID string, status domain.WorkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.final[workID]; ok {
		s.byStatus[prev]--
	}
	s.final[workID] = status
	s.byStatus[status]++
}

// AddSkipped records a work skipped by the resume policy.
func (s *Summary) AddSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
}

// Count returns the tally for one status.
func (s *Summary) Count(status domain.WorkStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStatus[status]
}

// Render formats the run report.
func (s *Summary) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("Run summary:\n")

	statuses := []domain.WorkStatus{
		domain.StatusCompleted, domain.StatusFailed,
		domain.StatusDeferred, domain.StatusNoMatch,
	}
	for _, st := range statuses {
		fmt.Fprintf(&b, "  %-10s %d\n", st, s.byStatus[st])
	}
	if s.skipped > 0 {
		fmt.Fprintf(&b, "  %-10s %d\n", "skipped", s.skipped)
	}

	totals := s.acct.Totals()
	classes := make([]string, 0, len(totals))
	for class := range totals {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)

	if len(classes) > 0 {
		b.WriteString("Downloaded:\n")
		for _, class := range classes {
			c := totals[budget.Class(class)]
			fmt.Fprintf(&b, "  %-10s %d file(s), %s\n", class, c.Files, formatBytes(c.Bytes))
		}
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
