package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Product struct {
	ID        string `json:"id" toml:"id"`
	Name      string `json:"name" toml:"name"`
	Status    string `json:"status" toml:"status"`
	RiskLevel string `json:"risk_level" toml:"risk_level"`
}

func (s *Store) UpsertProduct(ctx context.Context, p Product) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("product id and name required")
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.RiskLevel == "" {
		p.RiskLevel = "normal"
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO products (id, name, status, risk_level, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				risk_level = excluded.risk_level,
				updated_at = excluded.updated_at;
		`, p.ID, p.Name, p.Status, p.RiskLevel, s.timestamp())
		if err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		return nil
	})
}

func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `SELECT id, name, status, risk_level FROM products WHERE id = ?;`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, risk_level FROM products ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
