package repository

import (
	"context"
	"database/sql"
	"encoding/json"
)

// CategoryRepo handles categories.
type CategoryRepo struct {
	db *sql.DB
}

func NewCategoryRepo(db *sql.DB) *CategoryRepo {
	return &CategoryRepo{db: db}
}

func (r *CategoryRepo) Upsert(ctx context.Context, c Category) error {
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO categories(id, name, slug, kind, keywords, color, is_system, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(slug) DO UPDATE SET
	 name=excluded.name,
	 kind=excluded.kind,
	 keywords=excluded.keywords,
	 color=excluded.color,
	 is_system=excluded.is_system,
	 updated_at=CURRENT_TIMESTAMP;
	`, c.ID, c.Name, c.Slug, c.Kind, string(keywords), c.Color, c.IsSystem)
	return err
}

func (r *CategoryRepo) Get(ctx context.Context, id string) (*Category, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, name, slug, kind, keywords, color, is_system, created_at, updated_at
	FROM categories WHERE id = ?`, id)
	return scanCategoryPtr(row)
}

func (r *CategoryRepo) GetBySlug(ctx context.Context, slug string) (*Category, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT id, name, slug, kind, keywords, color, is_system, created_at, updated_at
	FROM categories WHERE slug = ?`, slug)
	return scanCategoryPtr(row)
}

func (r *CategoryRepo) List(ctx context.Context) ([]Category, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, name, slug, kind, keywords, color, is_system, created_at, updated_at
	FROM categories ORDER BY kind, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByKind returns categories of one kind, the candidate set offered to
// the classifier for a given transaction direction.
func (r *CategoryRepo) ListByKind(ctx context.Context, kind string) ([]Category, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, name, slug, kind, keywords, color, is_system, created_at, updated_at
	FROM categories WHERE kind = ? ORDER BY name`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCategory(row scanner) (Category, error) {
	var c Category
	var keywords string
	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Kind, &keywords, &c.Color, &c.IsSystem, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Category{}, err
	}
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
			return Category{}, err
		}
	}
	return c, nil
}

func scanCategoryPtr(row scanner) (*Category, error) {
	c, err := scanCategory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
