package repository

import (
	"context"
	"database/sql"
)

// TrainingRepo stores examples harvested from user corrections.
type TrainingRepo struct{ db *sql.DB }

func NewTrainingRepo(db *sql.DB) *TrainingRepo { return &TrainingRepo{db: db} }

func (r *TrainingRepo) Insert(ctx context.Context, e TrainingExample) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO training_examples(
	 id, company_id, transaction_id, description, amount, transaction_type,
	 predicted_category_id, corrected_category_id, features, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, e.ID, e.CompanyID, e.TransactionID, e.Description, e.AmountCents, e.TransactionType,
		e.PredictedCategoryID, e.CorrectedCategoryID, e.Features, e.Source)
	return err
}

func (r *TrainingRepo) ListForCompany(ctx context.Context, companyID string, limit int) ([]TrainingExample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, company_id, transaction_id, description, amount, transaction_type,
	 predicted_category_id, corrected_category_id, features, source, created_at
	FROM training_examples
	WHERE company_id = ? ORDER BY created_at DESC LIMIT ?`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingExample
	for rows.Next() {
		var e TrainingExample
		var txID, predicted sql.NullString
		if err := rows.Scan(&e.ID, &e.CompanyID, &txID, &e.Description, &e.AmountCents,
			&e.TransactionType, &predicted, &e.CorrectedCategoryID, &e.Features, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			e.TransactionID = &txID.String
		}
		if predicted.Valid {
			e.PredictedCategoryID = &predicted.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *TrainingRepo) CountForCompany(ctx context.Context, companyID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_examples WHERE company_id = ?`, companyID).Scan(&n)
	return n, err
}
