// Package dedup detects near-duplicate document chunks and merges them
// under a configurable policy, with conflict cases for anything the
// policy cannot resolve mechanically.
package dedup

import (
	"strings"

	"github.com/google/uuid"
)

// Thresholds tier pair similarity. Merge decisions use the
// sequence-match score; the Jaccard overlap is reported alongside but
// never gates a merge.
type Thresholds struct {
	Exact  float64 `json:"exact" mapstructure:"exact"`
	High   float64 `json:"high" mapstructure:"high"`
	Medium float64 `json:"medium" mapstructure:"medium"`
	Low    float64 `json:"low" mapstructure:"low"`
}

// DefaultThresholds returns the default similarity tiers
func DefaultThresholds() Thresholds {
	return Thresholds{Exact: 1.0, High: 0.95, Medium: 0.85, Low: 0.70}
}

// TierOf names the tier a score falls into, or "" below the low tier
func (t Thresholds) TierOf(score float64) string {
	switch {
	case score >= t.Exact:
		return "exact"
	case score >= t.High:
		return "high"
	case score >= t.Medium:
		return "medium"
	case score >= t.Low:
		return "low"
	default:
		return ""
	}
}

// Similarity is one scored chunk pair
type Similarity struct {
	ChunkA             uuid.UUID `json:"chunk_a"`
	ChunkB             uuid.UUID `json:"chunk_b"`
	Score              float64   `json:"score"`
	Overlap            float64   `json:"overlap"`
	Tier               string    `json:"tier"`
	MetadataCompatible bool      `json:"metadata_compatible"`
	CrossDocument      bool      `json:"cross_document"`
}

// criticalMetadataFields are the keys whose disagreement makes two
// chunks incompatible for merging.
var criticalMetadataFields = []string{"page", "page_number", "section", "document_type"}

// normalizeContent collapses whitespace runs and lowercases, matching
// the cache key normalization so detection and caching agree on what
// counts as the same text.
func normalizeContent(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// sequenceRatio is the longest-common-subsequence match ratio over the
// characters of two normalized strings: 2*lcs/(len(a)+len(b)).
func sequenceRatio(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Two-row LCS keeps memory linear in the shorter string
	if len(b) < len(a) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := 1; i <= len(b); i++ {
		for j := 1; j <= len(a); j++ {
			if b[i-1] == a[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(a)]
	return 2.0 * float64(lcs) / float64(len(a)+len(b))
}

// jaccardOverlap is the word-set Jaccard ratio of two normalized strings
func jaccardOverlap(a, b string) float64 {
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(wordsA))
	for _, w := range wordsA {
		setA[w] = struct{}{}
	}
	setB := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		setB[w] = struct{}{}
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// metadataCompatible reports whether two metadata maps agree on every
// critical field both of them carry a value for.
func metadataCompatible(a, b map[string]interface{}) bool {
	for _, field := range criticalMetadataFields {
		va, okA := a[field]
		vb, okB := b[field]
		if !okA || !okB {
			continue
		}
		if !scalarEqual(va, vb) {
			return false
		}
	}
	return true
}

// scalarEqual compares metadata values, treating numeric types as
// interchangeable since JSON round-trips integers to float64.
func scalarEqual(a, b interface{}) bool {
	if fa, okA := asFloat(a); okA {
		if fb, okB := asFloat(b); okB {
			return fa == fb
		}
		return false
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
