package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contaflux/contaflux/internal/classify"
	"github.com/contaflux/contaflux/internal/database/repository"
)

// System fallback buckets assigned when neither rules nor the classifier
// clear their thresholds.
const (
	defaultIncomeSlug  = "outros-recebimentos"
	defaultExpenseSlug = "outros-gastos"

	defaultConfidence = 0.1
)

// CategorizeService runs the three-pass categorization pipeline: company
// rules first, then the pluggable classifier, then the system default
// bucket. After a pass accepts, the transaction always has a category.
type CategorizeService struct {
	Transactions *repository.TransactionRepo
	Connections  *repository.ConnectionRepo
	Categories   *repository.CategoryRepo
	Rules        *repository.CategoryRuleRepo
	Decisions    *repository.DecisionRepo
	Classifier   classify.Classifier
	Log          *zap.Logger

	Threshold float64 // classifier acceptance, default 0.7
}

// Outcome describes what the pipeline decided for one transaction.
type Outcome struct {
	TransactionID string
	CategoryID    string
	Method        string
	Confidence    float64
	RuleID        *string
}

// Categorize runs the pipeline for one transaction. Transactions that
// already hold a category are left alone and reported as method
// "existing".
func (s *CategorizeService) Categorize(ctx context.Context, transactionID string) (*Outcome, error) {
	tx, err := s.Transactions.Get(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction %s not found", transactionID)
	}
	return s.categorize(ctx, *tx, false)
}

func (s *CategorizeService) categorize(ctx context.Context, tx repository.Transaction, force bool) (*Outcome, error) {
	if tx.ManuallyReviewed || (tx.CategoryID != nil && !force) {
		out := &Outcome{TransactionID: tx.ID, Method: "existing"}
		if tx.CategoryID != nil {
			out.CategoryID = *tx.CategoryID
		}
		if tx.CategoryConfidence != nil {
			out.Confidence = *tx.CategoryConfidence
		}
		return out, nil
	}

	conn, err := s.Connections.Get(ctx, tx.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s not found", tx.ConnectionID)
	}
	started := time.Now()

	// pass 1: company rules, highest priority first
	rules, err := s.Rules.ListActiveForCompany(ctx, conn.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	for _, rule := range rules {
		if !matchRule(rule, tx) {
			continue
		}
		if err := s.Rules.IncrementMatchCount(ctx, rule.ID); err != nil {
			return nil, fmt.Errorf("count rule match: %w", err)
		}
		ruleID := rule.ID
		return s.commit(ctx, tx, Outcome{
			TransactionID: tx.ID,
			CategoryID:    rule.CategoryID,
			Method:        "rule",
			Confidence:    rule.Confidence,
			RuleID:        &ruleID,
		}, nil, started)
	}

	// pass 2: classifier; failures degrade to the default bucket
	if categoryID, confidence, model, ok := s.classifierPass(ctx, tx); ok {
		return s.commit(ctx, tx, Outcome{
			TransactionID: tx.ID,
			CategoryID:    categoryID,
			Method:        "classifier",
			Confidence:    confidence,
		}, &model, started)
	}

	// pass 3: system default by direction
	slug := defaultExpenseSlug
	if tx.IsIncome() {
		slug = defaultIncomeSlug
	}
	fallback, err := s.Categories.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load default category: %w", err)
	}
	if fallback == nil {
		return nil, fmt.Errorf("default category %s not seeded", slug)
	}
	return s.commit(ctx, tx, Outcome{
		TransactionID: tx.ID,
		CategoryID:    fallback.ID,
		Method:        "default",
		Confidence:    defaultConfidence,
	}, nil, started)
}

// classifierPass asks the configured classifier and resolves its answer
// to a known category. Any failure reports ok=false; the pipeline never
// aborts on classifier trouble.
func (s *CategorizeService) classifierPass(ctx context.Context, tx repository.Transaction) (categoryID string, confidence float64, model string, ok bool) {
	if s.Classifier == nil {
		return "", 0, "", false
	}
	cats, err := s.Categories.List(ctx)
	if err != nil || len(cats) == 0 {
		if err != nil {
			s.logger().Warn("load categories for classifier", zap.Error(err))
		}
		return "", 0, "", false
	}

	candidates := make([]classify.Candidate, 0, len(cats))
	names := make([]string, 0, len(cats))
	byName := make(map[string]string, len(cats))
	for _, c := range cats {
		candidates = append(candidates, classify.Candidate{Name: c.Name, Type: c.Kind, Keywords: c.Keywords})
		names = append(names, c.Name)
		byName[c.Name] = c.ID
	}

	res, err := s.Classifier.Classify(ctx, classify.Request{
		Features:   transactionFeatures(tx),
		Categories: candidates,
	})
	if err != nil {
		s.logger().Warn("classifier failed, falling back to default",
			zap.String("transaction_id", tx.ID), zap.Error(err))
		return "", 0, "", false
	}
	if res == nil || res.Confidence < s.threshold() {
		return "", 0, "", false
	}
	name, found := classify.MatchName(res.Category, names)
	if !found {
		s.logger().Warn("classifier returned unknown category",
			zap.String("transaction_id", tx.ID), zap.String("category", res.Category))
		return "", 0, "", false
	}
	return byName[name], res.Confidence, s.Classifier.Name(), true
}

// commit writes the accepted category and the decision log row. A
// concurrent manual review wins silently; the decision is still logged
// as the attempt it was.
func (s *CategorizeService) commit(ctx context.Context, tx repository.Transaction, out Outcome, model *string, started time.Time) (*Outcome, error) {
	if _, err := s.Transactions.SetCategory(ctx, tx.ID, out.CategoryID, out.Confidence, true); err != nil {
		return nil, fmt.Errorf("set category: %w", err)
	}
	categoryID := out.CategoryID
	if err := s.Decisions.Insert(ctx, repository.Decision{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		CategoryID:    &categoryID,
		Method:        out.Method,
		RuleID:        out.RuleID,
		Confidence:    out.Confidence,
		ProcessingMS:  time.Since(started).Milliseconds(),
		Model:         model,
	}); err != nil {
		return nil, fmt.Errorf("log decision: %w", err)
	}
	s.logger().Debug("transaction categorized",
		zap.String("transaction_id", tx.ID),
		zap.String("method", out.Method),
		zap.Float64("confidence", out.Confidence))
	return &out, nil
}

// Consume categorizes transactions as sync events arrive. Runs until the
// context ends or the bus closes; meant for one background goroutine.
func (s *CategorizeService) Consume(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Type != EventTransactionUpserted || !ev.Created {
				continue
			}
			if _, err := s.Categorize(ctx, ev.TransactionID); err != nil {
				s.logger().Warn("categorize synced transaction",
					zap.String("transaction_id", ev.TransactionID), zap.Error(err))
			}
		}
	}
}

// CategorizeUncategorized sweeps the backlog oldest first. This is also
// the recovery path for events dropped by a full bus.
func (s *CategorizeService) CategorizeUncategorized(ctx context.Context, limit int) (processed, failed int, err error) {
	if limit <= 0 {
		limit = 100
	}
	txs, err := s.Transactions.ListUncategorized(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list uncategorized: %w", err)
	}
	for _, tx := range txs {
		if _, err := s.categorize(ctx, tx, false); err != nil {
			failed++
			s.logger().Warn("categorize sweep",
				zap.String("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// RecategorizeLowConfidence re-runs the pipeline over auto-categorized
// transactions below the cutoff, hoping newer rules do better. Manual
// assignments are never revisited.
func (s *CategorizeService) RecategorizeLowConfidence(ctx context.Context, cutoff float64) (int, error) {
	if cutoff <= 0 {
		cutoff = 0.5
	}
	txs, err := s.Transactions.ListLowConfidence(ctx, cutoff, 0)
	if err != nil {
		return 0, fmt.Errorf("list low confidence: %w", err)
	}
	n := 0
	for _, tx := range txs {
		if _, err := s.categorize(ctx, tx, true); err != nil {
			s.logger().Warn("recategorize",
				zap.String("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func transactionFeatures(tx repository.Transaction) classify.Features {
	f := classify.Features{
		Description: tx.Description,
		AmountCents: tx.AmountCents,
		Type:        tx.Type,
		OccurredAt:  tx.OccurredAt,
	}
	if tx.CounterpartName != nil {
		f.CounterpartName = *tx.CounterpartName
	}
	return f
}

func (s *CategorizeService) threshold() float64 {
	if s.Threshold > 0 {
		return s.Threshold
	}
	return 0.7
}

func (s *CategorizeService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
