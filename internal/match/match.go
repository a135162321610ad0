package match

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/chronofetch/chronofetch/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Query is the search side of a match: what the input record asked for.
type Query struct {
	Title   string
	Creator string
}

// Normalize folds a string for matching: compatibility decomposition with
// accents stripped, lowercased, punctuation collapsed to single spaces.
func Normalize(s string) string {
	folded, _, err := transform.String(foldChain(), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	return b.String()
}

// foldChain builds a fresh transformer per call; chained transformers carry
// buffers and are not safe to share across goroutines.
func foldChain() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
}

// Ratio scores two strings 0..100 after normalization, using longest common
// subsequence over runes. 100 means the normalized forms are identical.
func Ratio(a, b string) float64 {
	return rawRatio(Normalize(a), Normalize(b))
}

// TokenSetRatio compares the sorted unique tokens of both strings, so word
// order and repetition do not matter.
func TokenSetRatio(a, b string) float64 {
	return rawRatio(tokenJoin(a), tokenJoin(b))
}

func tokenJoin(s string) string {
	fields := strings.Fields(Normalize(s))
	if len(fields) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(fields))
	uniq := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}

func rawRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	ra := []rune(a)
	rb := []rune(b)
	lcs := lcsLength(ra, rb)
	return math.Round(200 * float64(lcs) / float64(len(ra)+len(rb)))
}

func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// CreatorScore returns the best ratio between the query creator and any of
// the candidate's creators. A query without a creator scores 100: absence
// of a constraint is not evidence against a candidate.
func CreatorScore(queryCreator string, creators []string) float64 {
	if strings.TrimSpace(queryCreator) == "" {
		return 100
	}

	best := 0.0
	for _, c := range creators {
		if r := TokenSetRatio(queryCreator, c); r > best {
			best = r
		}
	}
	return best
}

// Score computes the full breakdown for one candidate. The quality bonus
// rewards candidates that expose a IIIF manifest (+3) or an item page
// (+0.5) since both make the download step far more likely to succeed.
func Score(q Query, c domain.Candidate, creatorWeight float64) domain.Scores {
	w := creatorWeight
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}

	ts := TokenSetRatio(q.Title, c.Title)
	cs := CreatorScore(q.Creator, c.Creators)

	bonus := 0.0
	if c.ManifestURL != "" {
		bonus += 3
	}
	if c.ItemURL != "" {
		bonus += 0.5
	}

	return domain.Scores{
		Title:   ts,
		Creator: cs,
		Bonus:   bonus,
		Total:   ts*(1-w) + cs*w + bonus,
	}
}
