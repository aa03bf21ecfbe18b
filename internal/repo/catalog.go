package repo

import (
	"context"
	"database/sql"

	"agencyflow/internal/domain"
)

// UpsertProduct replaces the current catalog terms. Existing tasks keep the
// terms frozen when they were created.
func (r Repo) UpsertProduct(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO products(id,name,price_cents,sla_days,active,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, price_cents=excluded.price_cents, sla_days=excluded.sla_days, active=excluded.active, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.PriceCents, p.SLADays, p.Active, p.UpdatedAt)
	return err
}

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.SLADays, &p.Active, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProduct(ctx context.Context, tx *sql.Tx, id string) (domain.Product, error) {
	return scanProduct(r.q(tx).QueryRowContext(ctx, `SELECT id,name,price_cents,sla_days,active,updated_at FROM products WHERE id=?`, id))
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,price_cents,sla_days,active,updated_at FROM products ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
