package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contaflux/contaflux/internal/banking"
	"github.com/contaflux/contaflux/internal/classify"
	"github.com/contaflux/contaflux/internal/database/repository"
)

func newFeedbackService(db *sql.DB) *FeedbackService {
	return &FeedbackService{
		Transactions: repository.NewTransactionRepo(db),
		Connections:  repository.NewConnectionRepo(db),
		Categories:   repository.NewCategoryRepo(db),
		Decisions:    repository.NewDecisionRepo(db),
		Training:     repository.NewTrainingRepo(db),
		Rules:        repository.NewCategoryRuleRepo(db),
	}
}

func TestRecordCorrectionGradesPriorDecision(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	software := categoryBySlug(t, ctx, db, "software-tecnologia")

	stub := &stubClassifier{res: &classify.Result{Category: "Fornecedores", Confidence: 0.8}}
	categorizer := newCategorizeService(db, stub)
	ids := insertTransactions(t, ctx, db, conn.ID, testTransaction("Mensalidade plataforma XYZ", -45900, "debit"))
	_, err := categorizer.Categorize(ctx, ids[0])
	require.NoError(t, err)

	prior, err := categorizer.Decisions.LatestForTransaction(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "classifier", prior.Method)
	require.Nil(t, prior.WasAccepted)

	feedback := newFeedbackService(db)
	require.NoError(t, feedback.RecordCorrection(ctx, ids[0], software.ID, "maria"))

	got, err := feedback.Transactions.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, got.ManuallyReviewed)
	require.False(t, got.AICategorized)
	require.Equal(t, software.ID, *got.CategoryID)
	require.InDelta(t, 1.0, *got.CategoryConfidence, 1e-9)

	var accepted sql.NullBool
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT was_accepted FROM categorization_logs WHERE id = ?`, prior.ID).Scan(&accepted))
	require.True(t, accepted.Valid)
	require.False(t, accepted.Bool, "correcting away from the prediction grades it wrong")

	latest, err := feedback.Decisions.LatestForTransaction(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "manual", latest.Method)
	require.InDelta(t, 1.0, latest.Confidence, 1e-9)
	require.NotNil(t, latest.Model)
	require.Equal(t, "maria", *latest.Model)
	require.Nil(t, latest.WasAccepted, "manual decisions are ground truth, not graded")

	examples, err := feedback.Training.ListForCompany(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	ex := examples[0]
	require.Equal(t, "user_feedback", ex.Source)
	require.Equal(t, software.ID, ex.CorrectedCategoryID)
	require.NotNil(t, ex.PredictedCategoryID)
	require.Equal(t, *prior.CategoryID, *ex.PredictedCategoryID)
	require.Equal(t, "Mensalidade plataforma XYZ", ex.Description)
	require.Equal(t, int64(-45900), ex.AmountCents)

	var features map[string]any
	require.NoError(t, json.Unmarshal([]byte(ex.Features), &features))
	require.Contains(t, features, "amount_bucket")
	require.Contains(t, features, "description_words")
	t.Log("training example captured with feature snapshot")
}

func TestRecordCorrectionConfirmsMatchingPrediction(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	transporte := categoryBySlug(t, ctx, db, "transporte")

	stub := &stubClassifier{res: &classify.Result{Category: "Transporte", Confidence: 0.9}}
	categorizer := newCategorizeService(db, stub)
	ids := insertTransactions(t, ctx, db, conn.ID, testTransaction("Corrida Uber reuniao", -3200, "debit"))
	_, err := categorizer.Categorize(ctx, ids[0])
	require.NoError(t, err)
	prior, err := categorizer.Decisions.LatestForTransaction(ctx, ids[0])
	require.NoError(t, err)

	feedback := newFeedbackService(db)
	require.NoError(t, feedback.RecordCorrection(ctx, ids[0], transporte.ID, "joao"))

	var accepted sql.NullBool
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT was_accepted FROM categorization_logs WHERE id = ?`, prior.ID).Scan(&accepted))
	require.True(t, accepted.Valid)
	require.True(t, accepted.Bool, "confirming the prediction grades it right")
}

func TestRecordCorrectionValidation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	vendas := categoryBySlug(t, ctx, db, "vendas")
	ids := insertTransactions(t, ctx, db, conn.ID, testTransaction("Recebimento avulso", 9900, "pix_in"))
	feedback := newFeedbackService(db)

	var vErr *banking.ValidationError
	err := feedback.RecordCorrection(ctx, ids[0], "no-such-category", "maria")
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "category_id", vErr.Field)

	err = feedback.RecordCorrection(ctx, "no-such-transaction", vendas.ID, "maria")
	require.ErrorContains(t, err, "not found")
}

func TestAccuracyByMethod(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	outrosGastos := categoryBySlug(t, ctx, db, "outros-gastos")
	transporte := categoryBySlug(t, ctx, db, "transporte")

	categorizer := newCategorizeService(db, nil) // everything lands in the default bucket
	ids := insertTransactions(t, ctx, db, conn.ID,
		testTransaction("Despesa um", -1100, "debit"),
		testTransaction("Despesa dois", -2200, "debit"),
	)
	for _, id := range ids {
		_, err := categorizer.Categorize(ctx, id)
		require.NoError(t, err)
	}

	feedback := newFeedbackService(db)
	require.NoError(t, feedback.RecordCorrection(ctx, ids[0], outrosGastos.ID, "maria"))
	require.NoError(t, feedback.RecordCorrection(ctx, ids[1], transporte.ID, "maria"))

	stats, err := feedback.Accuracy(ctx, "acme", 30)
	require.NoError(t, err)

	byMethod := make(map[string]repository.MethodStat, len(stats))
	for _, s := range stats {
		byMethod[s.Method] = s
	}
	def, ok := byMethod["default"]
	require.True(t, ok)
	require.Equal(t, 2, def.Total)
	require.Equal(t, 2, def.Reviewed)
	require.Equal(t, 1, def.Accepted)
	require.InDelta(t, 0.5, def.Accuracy(), 1e-9)

	manual, ok := byMethod["manual"]
	require.True(t, ok)
	require.Equal(t, 2, manual.Total)
	require.Zero(t, manual.Reviewed)

	other, err := feedback.Accuracy(ctx, "globex", 30)
	require.NoError(t, err)
	require.Empty(t, other, "stats are scoped per company")
}

func TestRecomputeRuleStats(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedPlainConnection(t, ctx, db, "acme")
	transporte := categoryBySlug(t, ctx, db, "transporte")
	alimentacao := categoryBySlug(t, ctx, db, "alimentacao")

	rule, err := newRuleService(db).CreateKeywordRule(ctx, "acme", transporte.ID, "Uber", []string{"uber"})
	require.NoError(t, err)

	categorizer := newCategorizeService(db, nil)
	ids := insertTransactions(t, ctx, db, conn.ID,
		testTransaction("Uber corrida cliente", -4400, "debit"),
		testTransaction("Uber eats almoco", -6600, "debit"),
	)
	for _, id := range ids {
		out, err := categorizer.Categorize(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "rule", out.Method)
	}

	feedback := newFeedbackService(db)
	require.NoError(t, feedback.RecordCorrection(ctx, ids[0], transporte.ID, "maria"))
	require.NoError(t, feedback.RecordCorrection(ctx, ids[1], alimentacao.ID, "maria"))

	updated, err := feedback.RecomputeRuleStats(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	got, err := feedback.Rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Accuracy)
	require.InDelta(t, 0.5, *got.Accuracy, 1e-9)

	updated, err = feedback.RecomputeRuleStats(ctx, "globex")
	require.NoError(t, err)
	require.Zero(t, updated, "other companies' rules stay untouched")
}
