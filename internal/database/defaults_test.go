package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contaflux/contaflux/internal/database/repository"
)

func openMigrated(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("migrations")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dbPath, migrations))
	db, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSeedDefaultsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := openMigrated(t)

	require.NoError(t, SeedDefaults(ctx, db))

	providers, err := repository.NewProviderRepo(db).List(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 10)

	categories, err := repository.NewCategoryRepo(db).List(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 16)
	t.Log("first seed complete")

	nubank, err := repository.NewProviderRepo(db).GetByCode(ctx, "260")
	require.NoError(t, err)
	require.NotNil(t, nubank)
	require.False(t, nubank.RequiresAgency)

	vendas, err := repository.NewCategoryRepo(db).GetBySlug(ctx, "vendas")
	require.NoError(t, err)
	require.NotNil(t, vendas)
	require.Equal(t, "income", vendas.Kind)
	require.Contains(t, vendas.Keywords, "nota fiscal")
	require.True(t, vendas.IsSystem)

	// reseeding keeps ids and counts stable
	require.NoError(t, SeedDefaults(ctx, db))
	again, err := repository.NewCategoryRepo(db).GetBySlug(ctx, "vendas")
	require.NoError(t, err)
	require.Equal(t, vendas.ID, again.ID)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bank_providers").Scan(&count))
	require.Equal(t, 10, count)
}

func TestMigrationsRerunIsNoop(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("migrations")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dbPath, migrations))
	require.NoError(t, RunMigrations(dbPath, migrations))
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := openMigrated(t)
	require.NoError(t, SeedDefaults(ctx, db))

	boom := errors.New("boom")
	err := WithTx(db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM categories").Scan(&count))
	require.Equal(t, 16, count)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db := openMigrated(t)
	require.NoError(t, SeedDefaults(ctx, db))

	_, err := db.ExecContext(ctx, `
	INSERT INTO bank_providers(id, code, name) VALUES ('dup', '260', 'Duplicate')`)
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
	require.False(t, IsUniqueViolation(nil))
	require.False(t, IsUniqueViolation(errors.New("other")))
}
