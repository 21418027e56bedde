// Package classify assigns categories to transactions that no rule
// matched. Implementations range from a deterministic keyword heuristic
// to an OpenAI-compatible chat model; the pipeline treats them all the
// same and falls back to a default bucket when they decline or fail.
package classify

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Features is the transaction summary handed to a classifier.
type Features struct {
	Description     string    `json:"description"`
	AmountCents     int64     `json:"amount_cents"`
	Type            string    `json:"type"`
	CounterpartName string    `json:"counterpart_name,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Candidate is one category the classifier may pick, with its keyword
// hints.
type Candidate struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Keywords []string `json:"keywords,omitempty"`
}

// Request bundles one transaction with the candidate categories.
type Request struct {
	Features   Features    `json:"transaction"`
	Categories []Candidate `json:"categories"`
}

// Result is a classifier's best guess. Confidence is clamped to [0,1]
// before the caller sees it.
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Classifier ranks candidate categories for a transaction. A nil result
// with nil error means the classifier declines to guess.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// FeatureMap derives the training-example feature vector from a
// transaction summary. Keys are stable; downstream consumers store the
// marshaled map verbatim.
func FeatureMap(f Features) map[string]any {
	abs := f.AmountCents
	if abs < 0 {
		abs = -abs
	}
	return map[string]any{
		"description_length": len(f.Description),
		"description_words":  len(strings.Fields(f.Description)),
		"amount_bucket":      AmountBucket(f.AmountCents),
		"amount_log":         math.Log(1 + float64(abs)/100),
		"transaction_day":    f.OccurredAt.Day(),
		"weekday":            strings.ToLower(f.OccurredAt.Weekday().String()),
		"has_counterpart":    f.CounterpartName != "",
	}
}

// AmountBucket maps an amount to a coarse magnitude label, sign ignored.
func AmountBucket(cents int64) string {
	if cents < 0 {
		cents = -cents
	}
	switch {
	case cents < 5000:
		return "very_low"
	case cents < 20000:
		return "low"
	case cents < 50000:
		return "medium"
	case cents < 100000:
		return "high"
	default:
		return "very_high"
	}
}

// maxNameDistance is the normalized Levenshtein cutoff for fuzzy name
// resolution.
const maxNameDistance = 0.4

// MatchName resolves a classifier-returned category name against the
// known names: exact match first, then substring, then closest
// Levenshtein neighbour within the distance cutoff.
func MatchName(got string, names []string) (string, bool) {
	got = strings.ToLower(strings.TrimSpace(got))
	if got == "" {
		return "", false
	}
	for _, name := range names {
		if strings.ToLower(name) == got {
			return name, true
		}
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, got) || strings.Contains(got, lower) {
			return name, true
		}
	}
	best, bestScore := "", maxNameDistance
	for _, name := range names {
		lower := strings.ToLower(name)
		longest := utf8.RuneCountInString(lower)
		if n := utf8.RuneCountInString(got); n > longest {
			longest = n
		}
		if longest == 0 {
			continue
		}
		score := float64(levenshtein.ComputeDistance(got, lower)) / float64(longest)
		if score < bestScore {
			best, bestScore = name, score
		}
	}
	return best, best != ""
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// decodeJSON parses model output that may arrive wrapped in a markdown
// code fence.
func decodeJSON(s string, dest any) error {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return json.Unmarshal([]byte(s), dest)
}
