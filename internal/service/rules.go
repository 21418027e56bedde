package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/classify"
	"github.com/contaflux/contaflux/internal/database/repository"
)

// Default evaluation priority per rule type. Higher runs first, so the
// cheap specific matchers beat the broad ones.
const (
	priorityKeyword     = 1
	priorityAmountRange = 2
	priorityCounterpart = 3
	priorityPattern     = 4

	defaultRuleConfidence = 0.8
)

// ruleConditions is the JSON stored in category_rules.conditions. Only
// the fields for the rule's own type are populated.
type ruleConditions struct {
	Keywords []string `json:"keywords,omitempty"`
	MinCents *int64   `json:"min_cents,omitempty"`
	MaxCents *int64   `json:"max_cents,omitempty"`
	Names    []string `json:"names,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// matchRule reports whether a rule applies to a transaction. Broken
// conditions (bad JSON, malformed pattern, empty range) simply never
// match; rules must not be able to break the pipeline.
func matchRule(rule repository.CategoryRule, tx repository.Transaction) bool {
	var cond ruleConditions
	if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
		return false
	}
	switch rule.RuleType {
	case "keyword":
		haystack := strings.ToLower(tx.Description)
		if tx.CounterpartName != nil {
			haystack += " " + strings.ToLower(*tx.CounterpartName)
		}
		for _, kw := range cond.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(haystack, kw) {
				return true
			}
		}
	case "amount_range":
		if cond.MinCents == nil && cond.MaxCents == nil {
			return false
		}
		amount := tx.AmountCents
		if amount < 0 {
			amount = -amount
		}
		if cond.MinCents != nil && amount < *cond.MinCents {
			return false
		}
		if cond.MaxCents != nil && amount > *cond.MaxCents {
			return false
		}
		return true
	case "counterpart":
		if tx.CounterpartName == nil {
			return false
		}
		_, ok := classify.MatchName(*tx.CounterpartName, cond.Names)
		return ok
	case "pattern":
		if cond.Pattern == "" {
			return false
		}
		re, err := regexp.Compile("(?i)" + cond.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(tx.Description)
	}
	return false
}

// RuleService manages company categorization rules and mines new ones
// out of corrected transactions.
type RuleService struct {
	Rules        *repository.CategoryRuleRepo
	Categories   *repository.CategoryRepo
	Transactions *repository.TransactionRepo
	Decisions    *repository.DecisionRepo
	Log          *zap.Logger
}

// RuleSuggestion is a mined keyword rule awaiting user approval.
type RuleSuggestion struct {
	Keyword      string
	CategoryID   string
	CategoryName string
	Count        int
	Confidence   float64
}

func (s *RuleService) CreateKeywordRule(ctx context.Context, companyID, categoryID, name string, keywords []string) (*repository.CategoryRule, error) {
	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			cleaned = append(cleaned, kw)
		}
	}
	if len(cleaned) == 0 {
		return nil, &banking.ValidationError{Field: "keywords", Reason: "at least one keyword required"}
	}
	return s.create(ctx, companyID, categoryID, name, "keyword",
		ruleConditions{Keywords: cleaned}, priorityKeyword)
}

// CreateAmountRangeRule matches on the absolute amount in cents. A zero
// maxCents leaves the range open above.
func (s *RuleService) CreateAmountRangeRule(ctx context.Context, companyID, categoryID, name string, minCents, maxCents int64) (*repository.CategoryRule, error) {
	if minCents < 0 || maxCents < 0 {
		return nil, &banking.ValidationError{Field: "amount", Reason: "bounds must not be negative"}
	}
	if minCents == 0 && maxCents == 0 {
		return nil, &banking.ValidationError{Field: "amount", Reason: "at least one bound required"}
	}
	if maxCents > 0 && maxCents < minCents {
		return nil, &banking.ValidationError{Field: "amount", Reason: "max below min"}
	}
	cond := ruleConditions{}
	if minCents > 0 {
		cond.MinCents = &minCents
	}
	if maxCents > 0 {
		cond.MaxCents = &maxCents
	}
	return s.create(ctx, companyID, categoryID, name, "amount_range", cond, priorityAmountRange)
}

func (s *RuleService) CreateCounterpartRule(ctx context.Context, companyID, categoryID, name string, names []string) (*repository.CategoryRule, error) {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	if len(cleaned) == 0 {
		return nil, &banking.ValidationError{Field: "names", Reason: "at least one counterpart name required"}
	}
	return s.create(ctx, companyID, categoryID, name, "counterpart",
		ruleConditions{Names: cleaned}, priorityCounterpart)
}

// CreatePatternRule validates the pattern up front; matching is always
// case insensitive.
func (s *RuleService) CreatePatternRule(ctx context.Context, companyID, categoryID, name, pattern string) (*repository.CategoryRule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, &banking.ValidationError{Field: "pattern", Reason: "pattern required"}
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return nil, &banking.ValidationError{Field: "pattern", Reason: fmt.Sprintf("does not compile: %v", err)}
	}
	return s.create(ctx, companyID, categoryID, name, "pattern",
		ruleConditions{Pattern: pattern}, priorityPattern)
}

func (s *RuleService) create(ctx context.Context, companyID, categoryID, name, ruleType string, cond ruleConditions, priority int) (*repository.CategoryRule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &banking.ValidationError{Field: "name", Reason: "name required"}
	}
	cat, err := s.Categories.Get(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("load category: %w", err)
	}
	if cat == nil {
		return nil, &banking.ValidationError{Field: "category_id", Reason: "unknown category"}
	}
	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	rule := repository.CategoryRule{
		ID:         uuid.NewString(),
		CompanyID:  companyID,
		CategoryID: categoryID,
		Name:       name,
		RuleType:   ruleType,
		Conditions: string(raw),
		Priority:   priority,
		Confidence: defaultRuleConfidence,
		IsActive:   true,
	}
	if err := s.Rules.Insert(ctx, rule); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	s.logger().Info("rule created",
		zap.String("rule_id", rule.ID),
		zap.String("rule_type", ruleType),
		zap.String("category", cat.Name))
	return &rule, nil
}

// SuggestRules mines keyword rules from manually reviewed transactions.
// A keyword qualifies when it showed up at least three times and always
// landed in the same category.
func (s *RuleService) SuggestRules(ctx context.Context, companyID string) ([]RuleSuggestion, error) {
	txs, err := s.Transactions.ListManuallyReviewed(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list reviewed transactions: %w", err)
	}

	// keyword -> category -> occurrences
	counts := make(map[string]map[string]int)
	for _, tx := range txs {
		if tx.CategoryID == nil {
			continue
		}
		for _, tok := range suggestionTokens(tx.Description) {
			if counts[tok] == nil {
				counts[tok] = make(map[string]int)
			}
			counts[tok][*tx.CategoryID]++
		}
	}

	var out []RuleSuggestion
	for kw, byCat := range counts {
		if len(byCat) != 1 {
			continue // ambiguous keyword
		}
		for catID, n := range byCat {
			if n < 3 {
				continue
			}
			confidence := float64(n) / 10
			if confidence > 0.9 {
				confidence = 0.9
			}
			out = append(out, RuleSuggestion{
				Keyword:    kw,
				CategoryID: catID,
				Count:      n,
				Confidence: confidence,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	if len(out) > 3 {
		out = out[:3]
	}
	for i := range out {
		cat, err := s.Categories.Get(ctx, out[i].CategoryID)
		if err != nil {
			return nil, fmt.Errorf("load category: %w", err)
		}
		if cat != nil {
			out[i].CategoryName = cat.Name
		}
	}
	return out, nil
}

// ApplyRule runs one rule over the company's uncategorized backlog and
// returns how many transactions it claimed.
func (s *RuleService) ApplyRule(ctx context.Context, ruleID string) (int, error) {
	rule, err := s.Rules.Get(ctx, ruleID)
	if err != nil {
		return 0, fmt.Errorf("load rule: %w", err)
	}
	if rule == nil {
		return 0, fmt.Errorf("rule %s not found", ruleID)
	}
	txs, err := s.Transactions.ListUncategorizedForCompany(ctx, rule.CompanyID, 0)
	if err != nil {
		return 0, fmt.Errorf("list uncategorized: %w", err)
	}

	applied := 0
	for _, tx := range txs {
		started := time.Now()
		if !matchRule(*rule, tx) {
			continue
		}
		changed, err := s.Transactions.SetCategory(ctx, tx.ID, rule.CategoryID, rule.Confidence, true)
		if err != nil {
			return applied, fmt.Errorf("set category: %w", err)
		}
		if !changed {
			continue
		}
		categoryID := rule.CategoryID
		if err := s.Decisions.Insert(ctx, repository.Decision{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			CategoryID:    &categoryID,
			Method:        "rule",
			RuleID:        &rule.ID,
			Confidence:    rule.Confidence,
			ProcessingMS:  time.Since(started).Milliseconds(),
		}); err != nil {
			return applied, fmt.Errorf("log decision: %w", err)
		}
		if err := s.Rules.IncrementMatchCount(ctx, rule.ID); err != nil {
			return applied, fmt.Errorf("count rule match: %w", err)
		}
		applied++
	}
	s.logger().Info("rule applied to backlog",
		zap.String("rule_id", rule.ID), zap.Int("matched", applied))
	return applied, nil
}

// suggestionStopwords are generic banking words that would make useless
// keyword rules.
var suggestionStopwords = map[string]struct{}{
	"pagamento":     {},
	"recebimento":   {},
	"transferencia": {},
	"compra":        {},
	"banco":         {},
	"conta":         {},
	"cartao":        {},
	"debito":        {},
	"credito":       {},
	"boleto":        {},
	"para":          {},
	"pelo":          {},
	"pela":          {},
}

func suggestionTokens(description string) []string {
	fields := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		switch r {
		case ' ', '-', '_', '/', '*', '.', ',':
			return true
		}
		return false
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 4 {
			continue
		}
		if _, stop := suggestionStopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (s *RuleService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
