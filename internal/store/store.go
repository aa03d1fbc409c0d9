package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Store owns the durable side of every aggregate. Contended rows
// (coupon counters, product stock) are only written under a lock held
// by the caller; everything else is plain CRUD.
type Store struct {
	db *sql.DB
}

func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables. Used at startup and by tests.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS coupons (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			discount_type VARCHAR(20) NOT NULL,
			discount_value INT NOT NULL,
			max_issue_count INT NOT NULL,
			current_issue_count INT NOT NULL DEFAULT 0,
			issue_start_at TIMESTAMPTZ NOT NULL,
			issue_end_at TIMESTAMPTZ NOT NULL,
			valid_period_days INT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS user_coupons (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			coupon_id BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uk_user_coupon UNIQUE (user_id, coupon_id)
		);
		CREATE TABLE IF NOT EXISTS products (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			price INT NOT NULL,
			stock INT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			order_number VARCHAR(64) NOT NULL UNIQUE,
			user_id BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			product_id BIGINT NOT NULL,
			quantity INT NOT NULL,
			unit_price INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS order_payments (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE REFERENCES orders(id),
			user_coupon_id BIGINT,
			original_amount INT NOT NULL,
			final_amount INT NOT NULL,
			used_points INT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			paid_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS point_histories (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			tx_type VARCHAR(20) NOT NULL,
			amount INT NOT NULL,
			description VARCHAR(200),
			order_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS outbox_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(100) NOT NULL,
			payload TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS failed_events (
			id BIGSERIAL PRIMARY KEY,
			topic VARCHAR(100) NOT NULL,
			event_key VARCHAR(100),
			payload TEXT NOT NULL,
			error_message TEXT,
			status VARCHAR(20) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retry_count INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_retry_at TIMESTAMPTZ,
			recovered_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
