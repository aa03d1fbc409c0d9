package store

import (
	"context"
	"fmt"

	"flashmart/internal/domain"
)

// PointBalance is the signed sum of the user's ledger. CHARGE and
// REFUND rows carry positive amounts, USE rows negative.
func (s *Store) PointBalance(ctx context.Context, userID int64) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM point_histories WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("point balance: %w", err)
	}
	return balance, nil
}

func (s *Store) InsertPointHistory(ctx context.Context, h *domain.PointHistory) (*domain.PointHistory, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO point_histories (user_id, tx_type, amount, description, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, created_at
	`, h.UserID, h.Type, h.Amount, h.Description, h.OrderID).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert point history: %w", err)
	}
	return h, nil
}

func (s *Store) ListPointHistories(ctx context.Context, userID int64) ([]domain.PointHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tx_type, amount, description, order_id, created_at
		FROM point_histories WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list point histories: %w", err)
	}
	defer rows.Close()

	var histories []domain.PointHistory
	for rows.Next() {
		var h domain.PointHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.Type, &h.Amount, &h.Description, &h.OrderID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point history: %w", err)
		}
		histories = append(histories, h)
	}
	return histories, rows.Err()
}
