package repository_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/contaflux/contaflux/internal/database"
	"github.com/contaflux/contaflux/internal/database/repository"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("../migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConnection(t *testing.T, ctx context.Context, db *sql.DB, companyID string) repository.Connection {
	t.Helper()
	require.NoError(t, database.SeedDefaults(ctx, db))
	conn := repository.Connection{
		ID:                 uuid.NewString(),
		CompanyID:          companyID,
		ProviderCode:       "260",
		ExternalAccountID:  uuid.NewString(),
		AccountNumber:      "12345678",
		Status:             "pending",
		SyncFrequencyHours: 4,
	}
	require.NoError(t, repository.NewConnectionRepo(db).Insert(ctx, conn))
	return conn
}

func upsertBatch(t *testing.T, ctx context.Context, db *sql.DB, repo *repository.TransactionRepo, connID string, batch []repository.Transaction) []repository.UpsertResult {
	t.Helper()
	var results []repository.UpsertResult
	require.NoError(t, database.WithTx(db, func(tx *sql.Tx) error {
		var err error
		results, err = repo.UpsertBatch(ctx, tx, connID, batch)
		return err
	}))
	return results
}

func TestUpsertBatchCreateThenUpdate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	repo := repository.NewTransactionRepo(db)

	occurred := database.Now().AddDate(0, 0, -2)
	batch := []repository.Transaction{
		{ID: uuid.NewString(), ExternalID: "ext-1", Type: "pix_in", AmountCents: 150000,
			Currency: "BRL", Description: "PIX recebido cliente", OccurredAt: occurred, Status: "posted"},
		{ID: uuid.NewString(), ExternalID: "ext-2", Type: "debit", AmountCents: -4200,
			Currency: "BRL", Description: "Tarifa mensal", OccurredAt: occurred, Status: "posted"},
	}
	results := upsertBatch(t, ctx, db, repo, conn.ID, batch)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Created)
	}
	t.Log("initial batch created")

	// categorize one row, then re-sync the same window with amended data
	applied, err := repo.SetCategory(ctx, results[0].TransactionID, categoryID(t, ctx, db, "vendas"), 0.9, true)
	require.NoError(t, err)
	require.True(t, applied)

	batch[0].Description = "PIX recebido cliente atualizado"
	batch[0].ID = uuid.NewString() // new candidate id must not replace the stored row
	batch = append(batch, repository.Transaction{
		ID: uuid.NewString(), ExternalID: "ext-3", Type: "fee", AmountCents: -990,
		Currency: "BRL", Description: "IOF", OccurredAt: occurred, Status: "posted"})

	results2 := upsertBatch(t, ctx, db, repo, conn.ID, batch)
	require.Len(t, results2, 3)
	created := 0
	for _, r := range results2 {
		if r.Created {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, results[0].TransactionID, results2[0].TransactionID)
	t.Log("re-upsert matched existing rows by external id")

	got, err := repo.Get(ctx, results[0].TransactionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "PIX recebido cliente atualizado", got.Description)
	require.NotNil(t, got.CategoryID, "update must keep category assignment")
	require.True(t, got.AICategorized)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count))
	require.Equal(t, 3, count)
}

func TestUpsertBatchRollsBackAsUnit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	repo := repository.NewTransactionRepo(db)

	batch := []repository.Transaction{
		{ID: uuid.NewString(), ExternalID: "ok-1", Type: "credit", AmountCents: 100,
			Currency: "BRL", Description: "ok", OccurredAt: database.Now(), Status: "posted"},
	}
	// a later statement in the same tx fails on a foreign key violation
	err := database.WithTx(db, func(tx *sql.Tx) error {
		if _, err := repo.UpsertBatch(ctx, tx, conn.ID, batch); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE transactions SET category_id = 'missing' WHERE external_id = 'ok-1'`)
		return err
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count))
	require.Equal(t, 0, count, "failed transaction must leave nothing behind")
}

func TestSetCategoryRespectsManualReview(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	repo := repository.NewTransactionRepo(db)

	results := upsertBatch(t, ctx, db, repo, conn.ID, []repository.Transaction{
		{ID: uuid.NewString(), ExternalID: "ext-1", Type: "debit", AmountCents: -5000,
			Currency: "BRL", Description: "Uber viagem", OccurredAt: database.Now(), Status: "posted"},
	})
	id := results[0].TransactionID

	manual := categoryID(t, ctx, db, "transporte")
	require.NoError(t, repo.SetManualCategory(ctx, id, manual))

	applied, err := repo.SetCategory(ctx, id, categoryID(t, ctx, db, "outros-gastos"), 0.8, true)
	require.NoError(t, err)
	require.False(t, applied, "automatic pass must not override a human decision")

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, manual, *got.CategoryID)
	require.True(t, got.ManuallyReviewed)
	require.False(t, got.AICategorized)
	require.Equal(t, 1.0, *got.CategoryConfidence)
}

func TestSyncRunFinalizeOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	runs := repository.NewSyncRunRepo(db)

	run := repository.SyncRun{
		ID: uuid.NewString(), ConnectionID: conn.ID, TriggeredBy: "manual",
		Status: "running", StartedAt: database.Now(),
	}
	require.NoError(t, runs.Insert(ctx, run))

	done, err := runs.Finalize(ctx, run.ID, "completed", 10, 8, 2, nil)
	require.NoError(t, err)
	require.True(t, done)

	msg := "late failure"
	done, err = runs.Finalize(ctx, run.ID, "failed", 0, 0, 0, &msg)
	require.NoError(t, err)
	require.False(t, done, "a terminal run must stay terminal")

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, 10, got.FetchedCount)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.Error)
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	repo := repository.NewConnectionRepo(db)

	expires := database.Now().Add(time.Hour)
	require.NoError(t, repo.UpdateTokens(ctx, conn.ID, "sealed-access", "sealed-refresh", expires))

	got, err := repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "active", got.Status)
	require.Equal(t, "sealed-access", *got.AccessToken)
	require.Equal(t, "sealed-refresh", *got.RefreshToken)
	require.WithinDuration(t, expires, *got.TokenExpiresAt, time.Second)
	t.Log("tokens stored")

	syncable, err := repo.ListSyncable(ctx)
	require.NoError(t, err)
	require.Len(t, syncable, 1)

	require.NoError(t, repo.SetError(ctx, conn.ID, "provider down"))
	got, err = repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "error", got.Status)
	require.Equal(t, "provider down", *got.LastError)

	syncable, err = repo.ListSyncable(ctx)
	require.NoError(t, err)
	require.Empty(t, syncable, "errored connections need attention before syncing")

	require.NoError(t, repo.MarkSynced(ctx, conn.ID, database.Now()))
	got, err = repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "active", got.Status)
	require.Nil(t, got.LastError)
	require.NotNil(t, got.LastSyncedAt)

	require.NoError(t, repo.MarkExpired(ctx, conn.ID))
	got, err = repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "expired", got.Status)
	require.NotNil(t, got.AccessToken, "expiry must not erase tokens")
}

func TestRuleEvaluationOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	require.NoError(t, database.SeedDefaults(ctx, db))
	rules := repository.NewCategoryRuleRepo(db)
	cat := categoryID(t, ctx, db, "fornecedores")

	for _, r := range []struct {
		name     string
		priority int
	}{
		{"bravo", 1}, {"alpha", 5}, {"zulu", 5}, {"mike", 3},
	} {
		require.NoError(t, rules.Insert(ctx, repository.CategoryRule{
			ID: uuid.NewString(), CompanyID: "acme", CategoryID: cat, Name: r.name,
			RuleType: "keyword", Conditions: `{"keywords":["x"]}`, Priority: r.priority,
			Confidence: 0.8, IsActive: true,
		}))
	}

	got, err := rules.ListActiveForCompany(ctx, "acme")
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, r := range got {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"alpha", "zulu", "mike", "bravo"}, names)

	require.NoError(t, rules.SetActive(ctx, got[0].ID, false))
	active, err := rules.ListActiveForCompany(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, active, 3)

	require.NoError(t, rules.IncrementMatchCount(ctx, got[1].ID))
	require.NoError(t, rules.IncrementMatchCount(ctx, got[1].ID))
	rule, err := rules.Get(ctx, got[1].ID)
	require.NoError(t, err)
	require.Equal(t, 2, rule.MatchCount)
}

func TestDecisionOutcomes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	txRepo := repository.NewTransactionRepo(db)
	decisions := repository.NewDecisionRepo(db)

	results := upsertBatch(t, ctx, db, txRepo, conn.ID, []repository.Transaction{
		{ID: uuid.NewString(), ExternalID: "ext-1", Type: "debit", AmountCents: -1000,
			Currency: "BRL", Description: "mercado", OccurredAt: database.Now(), Status: "posted"},
	})
	txID := results[0].TransactionID
	cat := categoryID(t, ctx, db, "alimentacao")

	first := repository.Decision{ID: uuid.NewString(), TransactionID: txID, CategoryID: &cat,
		Method: "classifier", Confidence: 0.82}
	require.NoError(t, decisions.Insert(ctx, first))
	second := repository.Decision{ID: uuid.NewString(), TransactionID: txID, CategoryID: &cat,
		Method: "manual", Confidence: 1.0}
	require.NoError(t, decisions.Insert(ctx, second))

	latest, err := decisions.LatestForTransaction(ctx, txID)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	require.NoError(t, decisions.SetOutcome(ctx, first.ID, false))

	stats, err := decisions.MethodStats(ctx, "acme", time.Time{})
	require.NoError(t, err)
	byMethod := map[string]repository.MethodStat{}
	for _, s := range stats {
		byMethod[s.Method] = s
	}
	require.Equal(t, 1, byMethod["classifier"].Total)
	require.Equal(t, 1, byMethod["classifier"].Reviewed)
	require.Equal(t, 0, byMethod["classifier"].Accepted)
	require.Equal(t, 0, byMethod["manual"].Reviewed)
	require.Equal(t, 0.0, byMethod["classifier"].Accuracy())
	require.InDelta(t, 0.82, byMethod["classifier"].AvgConfidence, 1e-9)

	other, err := decisions.MethodStats(ctx, "someone-else", time.Time{})
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSyncRunRetention(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := newTestDB(t)
	conn := seedConnection(t, ctx, db, "acme")
	runs := repository.NewSyncRunRepo(db)

	old := repository.SyncRun{ID: uuid.NewString(), ConnectionID: conn.ID, TriggeredBy: "scheduled",
		Status: "completed", StartedAt: database.Now().AddDate(0, 0, -45)}
	recent := repository.SyncRun{ID: uuid.NewString(), ConnectionID: conn.ID, TriggeredBy: "scheduled",
		Status: "completed", StartedAt: database.Now().AddDate(0, 0, -1)}
	require.NoError(t, runs.Insert(ctx, old))
	require.NoError(t, runs.Insert(ctx, recent))

	deleted, err := runs.DeleteOlderThan(ctx, database.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	remaining, err := runs.ListForConnection(ctx, conn.ID, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, recent.ID, remaining[0].ID)
}

func categoryID(t *testing.T, ctx context.Context, db *sql.DB, slug string) string {
	t.Helper()
	cat, err := repository.NewCategoryRepo(db).GetBySlug(ctx, slug)
	require.NoError(t, err)
	require.NotNil(t, cat, "seed category %s missing", slug)
	return cat.ID
}
