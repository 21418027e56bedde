package classify

import (
	"context"
	"strings"
)

// Heuristic is the default, offline classifier. It scores candidates by
// keyword hits in the description and falls back to token overlap, so
// identical input always yields the identical result.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Name() string { return "heuristic-v1" }

const (
	firstHitScore   = 0.55
	extraHitScore   = 0.15
	maxScore        = 0.95
	typeMismatchCap = 0.40
)

func (h *Heuristic) Classify(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Categories) == 0 {
		return nil, nil
	}

	haystack := strings.ToLower(req.Features.Description)
	if req.Features.CounterpartName != "" {
		haystack += " " + strings.ToLower(req.Features.CounterpartName)
	}

	var best *Result
	for _, cand := range req.Categories {
		score, reason := scoreCandidate(haystack, cand)
		if typeConflicts(req.Features, cand) && score > typeMismatchCap {
			score = typeMismatchCap
		}
		// ties resolve to the first candidate in name order
		if best == nil || score > best.Confidence ||
			(score == best.Confidence && cand.Name < best.Category) {
			best = &Result{Category: cand.Name, Confidence: clamp01(score), Reason: reason}
		}
	}
	return best, nil
}

func scoreCandidate(haystack string, cand Candidate) (float64, string) {
	hits := 0
	var matched []string
	for _, kw := range cand.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			hits++
			matched = append(matched, kw)
		}
	}
	if hits > 0 {
		score := firstHitScore + extraHitScore*float64(hits)
		if score > maxScore {
			score = maxScore
		}
		return score, "keywords: " + strings.Join(matched, ", ")
	}
	sim := tokenOverlap(haystack, strings.ToLower(cand.Name)+" "+strings.ToLower(strings.Join(cand.Keywords, " ")))
	return sim, "token overlap"
}

// typeConflicts reports an income candidate paired with an outgoing
// transaction or vice versa. Transfer candidates never conflict.
func typeConflicts(f Features, cand Candidate) bool {
	switch cand.Type {
	case "income":
		return isOutgoing(f)
	case "expense":
		return isIncoming(f)
	}
	return false
}

func isIncoming(f Features) bool {
	switch f.Type {
	case "credit", "pix_in", "transfer_in":
		return true
	case "debit", "pix_out", "transfer_out", "fee":
		return false
	}
	return f.AmountCents > 0
}

func isOutgoing(f Features) bool {
	switch f.Type {
	case "debit", "pix_out", "transfer_out", "fee":
		return true
	case "credit", "pix_in", "transfer_in":
		return false
	}
	return f.AmountCents < 0
}

// tokenOverlap is the Jaccard similarity of the two token sets, in [0,1].
func tokenOverlap(a, b string) float64 {
	aTokens := tokenSet(a)
	bTokens := tokenSet(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	intersect := 0
	for t := range aTokens {
		if _, ok := bTokens[t]; ok {
			intersect++
		}
	}
	union := len(aTokens) + len(bTokens) - intersect
	return float64(intersect) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == '*' || r == '.'
	})
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
