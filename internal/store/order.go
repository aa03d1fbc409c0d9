package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashmart/internal/domain"
)

// CreateOrder persists the order, its items and a pending payment row
// in one transaction.
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order, items []domain.OrderItem, payment *domain.OrderPayment) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (order_number, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, created_at, updated_at
	`, order.OrderNumber, order.UserID, order.Status).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, order.ID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice).Scan(&items[i].ID)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	payment.OrderID = order.ID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO order_payments (order_id, user_coupon_id, original_amount, final_amount, used_points, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, order.ID, payment.UserCouponID, payment.OriginalAmount, payment.FinalAmount,
		payment.UsedPoints, payment.Status).Scan(&payment.ID)
	if err != nil {
		return nil, fmt.Errorf("insert order payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	var o domain.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, status, created_at, updated_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) GetOrderPayment(ctx context.Context, orderID int64) (*domain.OrderPayment, error) {
	var p domain.OrderPayment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_coupon_id, original_amount, final_amount, used_points, status, paid_at
		FROM order_payments WHERE order_id = $1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.UserCouponID, &p.OriginalAmount, &p.FinalAmount,
		&p.UsedPoints, &p.Status, &p.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order payment: %w", err)
	}
	return &p, nil
}

// PaymentApplication is everything the payment transaction writes. The
// side-effect event is published by the caller only after Commit
// returns, never from inside the transaction.
type PaymentApplication struct {
	Order        *domain.Order
	Payment      *domain.OrderPayment
	UsedCoupon   *domain.UserCoupon
	PointHistory *domain.PointHistory
	PaidAt       time.Time
}

func (s *Store) ApplyPayment(ctx context.Context, app PaymentApplication) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if app.PointHistory != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO point_histories (user_id, tx_type, amount, description, order_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, app.PointHistory.UserID, app.PointHistory.Type, app.PointHistory.Amount,
			app.PointHistory.Description, app.PointHistory.OrderID, app.PaidAt)
		if err != nil {
			return fmt.Errorf("insert point history: %w", err)
		}
	}

	if app.UsedCoupon != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE user_coupons SET status = $1, used_at = $2 WHERE id = $3
		`, app.UsedCoupon.Status, app.UsedCoupon.UsedAt, app.UsedCoupon.ID)
		if err != nil {
			return fmt.Errorf("update used coupon: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE order_payments
		SET user_coupon_id = $1, final_amount = $2, used_points = $3, status = $4, paid_at = $5
		WHERE id = $6
	`, app.Payment.UserCouponID, app.Payment.FinalAmount, app.Payment.UsedPoints,
		app.Payment.Status, app.Payment.PaidAt, app.Payment.ID)
	if err != nil {
		return fmt.Errorf("update order payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = now() WHERE id = $2
	`, app.Order.Status, app.Order.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
