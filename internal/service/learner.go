package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/classify"
	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
)

// FeedbackService turns user corrections into training data and keeps
// the accuracy numbers honest.
type FeedbackService struct {
	Transactions *repository.TransactionRepo
	Connections  *repository.ConnectionRepo
	Categories   *repository.CategoryRepo
	Decisions    *repository.DecisionRepo
	Training     *repository.TrainingRepo
	Rules        *repository.CategoryRuleRepo
	Log          *zap.Logger
}

// RecordCorrection applies a manual category choice. The transaction is
// pinned against future automatic passes, the prior automatic decision
// gets its outcome marked, and a training example is stored.
func (s *FeedbackService) RecordCorrection(ctx context.Context, transactionID, categoryID, reviewer string) error {
	started := time.Now()

	tx, err := s.Transactions.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return fmt.Errorf("transaction %s not found", transactionID)
	}
	cat, err := s.Categories.Get(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("load category: %w", err)
	}
	if cat == nil {
		return &banking.ValidationError{Field: "category_id", Reason: "unknown category"}
	}
	conn, err := s.Connections.Get(ctx, tx.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return fmt.Errorf("connection %s not found", tx.ConnectionID)
	}

	prior, err := s.Decisions.LatestForTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load prior decision: %w", err)
	}

	if err := s.Transactions.SetManualCategory(ctx, transactionID, categoryID); err != nil {
		return fmt.Errorf("set manual category: %w", err)
	}

	// Grade the automatic decision the user just passed judgement on.
	// Manual decisions are ground truth and are never graded.
	if prior != nil && prior.Method != "manual" {
		accepted := prior.CategoryID != nil && *prior.CategoryID == categoryID
		if err := s.Decisions.SetOutcome(ctx, prior.ID, accepted); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
	}

	features, err := json.Marshal(classify.FeatureMap(transactionFeatures(*tx)))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	example := repository.TrainingExample{
		ID:                  uuid.NewString(),
		CompanyID:           conn.CompanyID,
		TransactionID:       &tx.ID,
		Description:         tx.Description,
		AmountCents:         tx.AmountCents,
		TransactionType:     tx.Type,
		CorrectedCategoryID: categoryID,
		Features:            string(features),
		Source:              "user_feedback",
	}
	if prior != nil {
		example.PredictedCategoryID = prior.CategoryID
	}
	if err := s.Training.Insert(ctx, example); err != nil {
		return fmt.Errorf("store training example: %w", err)
	}

	decision := repository.Decision{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		CategoryID:    &categoryID,
		Method:        "manual",
		Confidence:    1.0,
		ProcessingMS:  time.Since(started).Milliseconds(),
	}
	if reviewer != "" {
		decision.Model = &reviewer
	}
	if err := s.Decisions.Insert(ctx, decision); err != nil {
		return fmt.Errorf("log decision: %w", err)
	}

	s.logger().Info("correction recorded",
		zap.String("transaction_id", transactionID),
		zap.String("category", cat.Name),
		zap.String("reviewer", reviewer))
	return nil
}

// Accuracy reports per-method decision stats for the company over the
// trailing period, default 30 days.
func (s *FeedbackService) Accuracy(ctx context.Context, companyID string, periodDays int) ([]repository.MethodStat, error) {
	if periodDays <= 0 {
		periodDays = 30
	}
	since := database.Now().AddDate(0, 0, -periodDays)
	stats, err := s.Decisions.MethodStats(ctx, companyID, since)
	if err != nil {
		return nil, fmt.Errorf("method stats: %w", err)
	}
	return stats, nil
}

// RecomputeRuleStats refreshes stored rule accuracy from graded
// decisions. An empty companyID refreshes every company's rules.
func (s *FeedbackService) RecomputeRuleStats(ctx context.Context, companyID string) (int, error) {
	ids, err := s.Decisions.RuleIDsWithOutcomes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list graded rules: %w", err)
	}
	updated := 0
	for _, id := range ids {
		rule, err := s.Rules.Get(ctx, id)
		if err != nil {
			return updated, fmt.Errorf("load rule: %w", err)
		}
		if rule == nil || (companyID != "" && rule.CompanyID != companyID) {
			continue
		}
		reviewed, accepted, err := s.Decisions.RuleOutcomes(ctx, id)
		if err != nil {
			return updated, fmt.Errorf("rule outcomes: %w", err)
		}
		if reviewed == 0 {
			continue
		}
		if err := s.Rules.UpdateAccuracy(ctx, id, float64(accepted)/float64(reviewed)); err != nil {
			return updated, fmt.Errorf("update accuracy: %w", err)
		}
		updated++
	}
	return updated, nil
}

func (s *FeedbackService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
