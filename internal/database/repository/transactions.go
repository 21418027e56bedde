package repository

import (
	"context"
	"database/sql"
	"time"
)

// TransactionRepo handles synced transactions.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

const transactionCols = `id, connection_id, external_id, type, amount, currency, description,
 occurred_at, counterpart_name, counterpart_document, reference, balance_after, status,
 category_id, category_confidence, ai_categorized, manually_reviewed, created_at, updated_at`

// UpsertResult reports what happened to one batch entry.
type UpsertResult struct {
	TransactionID string
	Created       bool
}

// UpsertBatch inserts or updates a batch within the caller's transaction,
// keyed by (connection_id, external_id). The caller owns the commit, so a
// batch lands in full or not at all. Updates refresh provider-owned fields
// only; category assignment and review state are never touched here, so
// re-syncing a window cannot undo categorization work.
func (r *TransactionRepo) UpsertBatch(ctx context.Context, tx *sql.Tx, connectionID string, batch []Transaction) ([]UpsertResult, error) {
	results := make([]UpsertResult, 0, len(batch))
	for _, t := range batch {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM transactions WHERE connection_id = ? AND external_id = ?`,
			connectionID, t.ExternalID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions(
			 id, connection_id, external_id, type, amount, currency, description, occurred_at,
			 counterpart_name, counterpart_document, reference, balance_after, status,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, t.ID, connectionID, t.ExternalID, t.Type, t.AmountCents, t.Currency, t.Description,
				t.OccurredAt, t.CounterpartName, t.CounterpartDocument, t.Reference,
				t.BalanceAfterCents, t.Status); err != nil {
				return nil, err
			}
			results = append(results, UpsertResult{TransactionID: t.ID, Created: true})
		case err != nil:
			return nil, err
		default:
			if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET
			 type = ?, amount = ?, currency = ?, description = ?, occurred_at = ?,
			 counterpart_name = ?, counterpart_document = ?, reference = ?,
			 balance_after = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
			`, t.Type, t.AmountCents, t.Currency, t.Description, t.OccurredAt,
				t.CounterpartName, t.CounterpartDocument, t.Reference,
				t.BalanceAfterCents, t.Status, existing); err != nil {
				return nil, err
			}
			results = append(results, UpsertResult{TransactionID: existing, Created: false})
		}
	}
	return results, nil
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) ListForConnection(ctx context.Context, connectionID string, from, to time.Time) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+transactionCols+` FROM transactions
	WHERE connection_id = ? AND occurred_at >= ? AND occurred_at < ?
	ORDER BY occurred_at DESC, created_at DESC`, connectionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListUncategorized returns transactions with no category yet, oldest first
// so backlogs drain in order. limit <= 0 means no limit.
func (r *TransactionRepo) ListUncategorized(ctx context.Context, limit int) ([]Transaction, error) {
	q := `SELECT ` + transactionCols + ` FROM transactions WHERE category_id IS NULL ORDER BY occurred_at ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListUncategorizedForCompany narrows the uncategorized backlog to one
// company's connections. limit <= 0 means no limit.
func (r *TransactionRepo) ListUncategorizedForCompany(ctx context.Context, companyID string, limit int) ([]Transaction, error) {
	q := `
	SELECT ` + transactionColsPrefixed("t") + ` FROM transactions t
	JOIN bank_connections c ON c.id = t.connection_id
	WHERE c.company_id = ? AND t.category_id IS NULL
	ORDER BY t.occurred_at ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, q+` LIMIT ?`, companyID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, q, companyID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListLowConfidence returns auto-categorized transactions below threshold
// that no human has reviewed. Candidates for re-categorization.
func (r *TransactionRepo) ListLowConfidence(ctx context.Context, threshold float64, limit int) ([]Transaction, error) {
	q := `
	SELECT ` + transactionCols + ` FROM transactions
	WHERE category_id IS NOT NULL AND manually_reviewed = 0
	 AND category_confidence IS NOT NULL AND category_confidence < ?
	ORDER BY category_confidence ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, q+` LIMIT ?`, threshold, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, q, threshold)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListManuallyReviewed returns human-confirmed assignments for a company,
// the raw material for rule suggestions.
func (r *TransactionRepo) ListManuallyReviewed(ctx context.Context, companyID string) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+transactionColsPrefixed("t")+` FROM transactions t
	JOIN bank_connections c ON c.id = t.connection_id
	WHERE c.company_id = ? AND t.manually_reviewed = 1 AND t.category_id IS NOT NULL
	ORDER BY t.occurred_at DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// SetCategory records an automatic assignment. Manually reviewed rows are
// left alone; returns false when the update was skipped for that reason.
func (r *TransactionRepo) SetCategory(ctx context.Context, id, categoryID string, confidence float64, aiCategorized bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE transactions
	SET category_id = ?, category_confidence = ?, ai_categorized = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND manually_reviewed = 0`, categoryID, confidence, aiCategorized, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetManualCategory records a human assignment, which always wins.
func (r *TransactionRepo) SetManualCategory(ctx context.Context, id, categoryID string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE transactions
	SET category_id = ?, category_confidence = 1.0, ai_categorized = 0, manually_reviewed = 1,
	 updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, categoryID, id)
	return err
}

func (r *TransactionRepo) CountUncategorized(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE category_id IS NULL`).Scan(&n)
	return n, err
}

func collectTransactions(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanTransaction handles nullable fields for both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var cpName, cpDoc, ref, category sql.NullString
	var balanceAfter sql.NullInt64
	var confidence sql.NullFloat64
	if err := row.Scan(&t.ID, &t.ConnectionID, &t.ExternalID, &t.Type, &t.AmountCents, &t.Currency,
		&t.Description, &t.OccurredAt, &cpName, &cpDoc, &ref, &balanceAfter, &t.Status,
		&category, &confidence, &t.AICategorized, &t.ManuallyReviewed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	if cpName.Valid {
		t.CounterpartName = &cpName.String
	}
	if cpDoc.Valid {
		t.CounterpartDocument = &cpDoc.String
	}
	if ref.Valid {
		t.Reference = &ref.String
	}
	if balanceAfter.Valid {
		t.BalanceAfterCents = &balanceAfter.Int64
	}
	if category.Valid {
		t.CategoryID = &category.String
	}
	if confidence.Valid {
		t.CategoryConfidence = &confidence.Float64
	}
	return t, nil
}

func transactionColsPrefixed(alias string) string {
	return alias + ".id, " + alias + ".connection_id, " + alias + ".external_id, " + alias + ".type, " +
		alias + ".amount, " + alias + ".currency, " + alias + ".description, " + alias + ".occurred_at, " +
		alias + ".counterpart_name, " + alias + ".counterpart_document, " + alias + ".reference, " +
		alias + ".balance_after, " + alias + ".status, " + alias + ".category_id, " +
		alias + ".category_confidence, " + alias + ".ai_categorized, " + alias + ".manually_reviewed, " +
		alias + ".created_at, " + alias + ".updated_at"
}
