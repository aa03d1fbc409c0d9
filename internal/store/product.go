package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flashmart/internal/domain"
)

func (s *Store) CreateProduct(ctx context.Context, p *domain.Product) (*domain.Product, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, price, stock, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id, created_at, updated_at
	`, p.Name, p.Price, p.Stock, p.Status).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price, stock, status, created_at, updated_at
		FROM products WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, stock, status, created_at, updated_at
		FROM products ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProductStock writes the stock computed by a locked mutation.
func (s *Store) UpdateProductStock(ctx context.Context, p *domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE products SET stock = $1, updated_at = now() WHERE id = $2
	`, p.Stock, p.ID)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	return nil
}
