package repository

import (
	"context"
	"database/sql"
)

// ProviderRepo handles the bank provider directory.
type ProviderRepo struct{ db *sql.DB }

func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

func (r *ProviderRepo) Upsert(ctx context.Context, p Provider) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO bank_providers(id, code, name, color, requires_agency, is_active, created_at)
	VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(code) DO UPDATE SET
	 name=excluded.name,
	 color=excluded.color,
	 requires_agency=excluded.requires_agency,
	 is_active=excluded.is_active;
	`, p.ID, p.Code, p.Name, p.Color, p.RequiresAgency, p.IsActive)
	return err
}

func (r *ProviderRepo) GetByCode(ctx context.Context, code string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, code, name, color, requires_agency, is_active, created_at
	FROM bank_providers WHERE code = ?`, code)
	var p Provider
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Color, &p.RequiresAgency, &p.IsActive, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Active reports whether code names a known, active provider.
func (r *ProviderRepo) Active(ctx context.Context, code string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT is_active FROM bank_providers WHERE code = ?`, code)
	var active bool
	if err := row.Scan(&active); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return active, nil
}

func (r *ProviderRepo) List(ctx context.Context) ([]Provider, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, code, name, color, requires_agency, is_active, created_at
	FROM bank_providers ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Color, &p.RequiresAgency, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
