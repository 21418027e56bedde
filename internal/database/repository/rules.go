package repository

import (
	"context"
	"database/sql"
)

// CategoryRuleRepo stores user-defined categorization rules.
type CategoryRuleRepo struct{ db *sql.DB }

func NewCategoryRuleRepo(db *sql.DB) *CategoryRuleRepo { return &CategoryRuleRepo{db: db} }

const ruleCols = `id, company_id, category_id, name, rule_type, conditions, priority, confidence,
 is_active, match_count, accuracy, created_at, updated_at`

func (r *CategoryRuleRepo) Insert(ctx context.Context, rule CategoryRule) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO category_rules(
	 id, company_id, category_id, name, rule_type, conditions, priority, confidence, is_active,
	 created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, rule.ID, rule.CompanyID, rule.CategoryID, rule.Name, rule.RuleType, rule.Conditions,
		rule.Priority, rule.Confidence, rule.IsActive)
	return err
}

func (r *CategoryRuleRepo) Get(ctx context.Context, id string) (*CategoryRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM category_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// ListActiveForCompany returns active rules in evaluation order: priority
// descending, then name ascending so equal priorities resolve the same way
// every run.
func (r *CategoryRuleRepo) ListActiveForCompany(ctx context.Context, companyID string) ([]CategoryRule, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+ruleCols+` FROM category_rules
	WHERE company_id = ? AND is_active = 1
	ORDER BY priority DESC, name ASC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *CategoryRuleRepo) ListForCompany(ctx context.Context, companyID string) ([]CategoryRule, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+ruleCols+` FROM category_rules
	WHERE company_id = ? ORDER BY priority DESC, name ASC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *CategoryRuleRepo) IncrementMatchCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE category_rules SET match_count = match_count + 1, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, id)
	return err
}

func (r *CategoryRuleRepo) UpdateAccuracy(ctx context.Context, id string, accuracy float64) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE category_rules SET accuracy = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, accuracy, id)
	return err
}

func (r *CategoryRuleRepo) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE category_rules SET is_active = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, active, id)
	return err
}

func collectRules(rows *sql.Rows) ([]CategoryRule, error) {
	var out []CategoryRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row scanner) (CategoryRule, error) {
	var rule CategoryRule
	var accuracy sql.NullFloat64
	if err := row.Scan(&rule.ID, &rule.CompanyID, &rule.CategoryID, &rule.Name, &rule.RuleType,
		&rule.Conditions, &rule.Priority, &rule.Confidence, &rule.IsActive, &rule.MatchCount,
		&accuracy, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return CategoryRule{}, err
	}
	if accuracy.Valid {
		rule.Accuracy = &accuracy.Float64
	}
	return rule, nil
}
