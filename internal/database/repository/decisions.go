package repository

import (
	"context"
	"database/sql"
	"time"
)

// DecisionRepo stores the audit trail of categorization decisions.
type DecisionRepo struct{ db *sql.DB }

func NewDecisionRepo(db *sql.DB) *DecisionRepo { return &DecisionRepo{db: db} }

const decisionCols = `id, transaction_id, category_id, method, rule_id, confidence, processing_ms, model, was_accepted, decided_at`

func (r *DecisionRepo) Insert(ctx context.Context, d Decision) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO categorization_logs(id, transaction_id, category_id, method, rule_id, confidence, processing_ms, model, was_accepted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, d.ID, d.TransactionID, d.CategoryID, d.Method, d.RuleID, d.Confidence, d.ProcessingMS, d.Model, d.WasAccepted)
	return err
}

// LatestForTransaction returns the most recent decision for a transaction,
// nil when it has never been through the pipeline.
func (r *DecisionRepo) LatestForTransaction(ctx context.Context, transactionID string) (*Decision, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT `+decisionCols+` FROM categorization_logs
	WHERE transaction_id = ? ORDER BY decided_at DESC, rowid DESC LIMIT 1`, transactionID)
	d, err := scanDecision(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// SetOutcome records whether the user kept or corrected the assignment.
func (r *DecisionRepo) SetOutcome(ctx context.Context, id string, accepted bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE categorization_logs SET was_accepted = ? WHERE id = ?`, accepted, id)
	return err
}

// MethodStat aggregates decision outcomes for one method.
type MethodStat struct {
	Method        string
	Total         int
	Reviewed      int
	Accepted      int
	AvgConfidence float64
}

// Accuracy returns accepted/reviewed, or 0 with no reviewed decisions.
func (s MethodStat) Accuracy() float64 {
	if s.Reviewed == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Reviewed)
}

// MethodStats aggregates decisions per method since the given time. An
// empty companyID spans all companies; a zero since spans all history.
func (r *DecisionRepo) MethodStats(ctx context.Context, companyID string, since time.Time) ([]MethodStat, error) {
	q := `
	SELECT d.method,
	 COUNT(*),
	 COUNT(d.was_accepted),
	 COALESCE(SUM(CASE WHEN d.was_accepted = 1 THEN 1 ELSE 0 END), 0),
	 COALESCE(AVG(d.confidence), 0)
	FROM categorization_logs d
	JOIN transactions t ON t.id = d.transaction_id
	JOIN bank_connections c ON c.id = t.connection_id
	WHERE d.decided_at >= ?`
	args := []interface{}{since}
	if companyID != "" {
		q += ` AND c.company_id = ?`
		args = append(args, companyID)
	}
	q += ` GROUP BY d.method ORDER BY d.method`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MethodStat
	for rows.Next() {
		var s MethodStat
		if err := rows.Scan(&s.Method, &s.Total, &s.Reviewed, &s.Accepted, &s.AvgConfidence); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RuleOutcomes counts reviewed decisions for one rule.
func (r *DecisionRepo) RuleOutcomes(ctx context.Context, ruleID string) (reviewed, accepted int, err error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT COUNT(was_accepted),
	 COALESCE(SUM(CASE WHEN was_accepted = 1 THEN 1 ELSE 0 END), 0)
	FROM categorization_logs WHERE rule_id = ?`, ruleID)
	err = row.Scan(&reviewed, &accepted)
	return
}

// RuleIDsWithOutcomes lists rules that have at least one reviewed decision.
func (r *DecisionRepo) RuleIDsWithOutcomes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT DISTINCT rule_id FROM categorization_logs
	WHERE rule_id IS NOT NULL AND was_accepted IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanDecision(row scanner) (Decision, error) {
	var d Decision
	var category, ruleID, model sql.NullString
	var accepted sql.NullBool
	if err := row.Scan(&d.ID, &d.TransactionID, &category, &d.Method, &ruleID, &d.Confidence,
		&d.ProcessingMS, &model, &accepted, &d.DecidedAt); err != nil {
		return Decision{}, err
	}
	if category.Valid {
		d.CategoryID = &category.String
	}
	if ruleID.Valid {
		d.RuleID = &ruleID.String
	}
	if model.Valid {
		d.Model = &model.String
	}
	if accepted.Valid {
		d.WasAccepted = &accepted.Bool
	}
	return d, nil
}
