package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashmart/internal/domain"
)

func (s *Store) CreateCoupon(ctx context.Context, c *domain.Coupon) (*domain.Coupon, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO coupons (name, discount_type, discount_value, max_issue_count, current_issue_count,
			issue_start_at, issue_end_at, valid_period_days, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, c.Name, c.DiscountType, c.DiscountValue, c.MaxIssueCount, c.CurrentIssueCount,
		c.IssueStartAt, c.IssueEndAt, c.ValidPeriodDays, c.Status, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("insert coupon: %w", err)
	}
	return c, nil
}

func (s *Store) GetCoupon(ctx context.Context, couponID int64) (*domain.Coupon, error) {
	var c domain.Coupon
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, discount_type, discount_value, max_issue_count, current_issue_count,
			issue_start_at, issue_end_at, valid_period_days, status, created_at, updated_at
		FROM coupons WHERE id = $1
	`, couponID).Scan(&c.ID, &c.Name, &c.DiscountType, &c.DiscountValue, &c.MaxIssueCount,
		&c.CurrentIssueCount, &c.IssueStartAt, &c.IssueEndAt, &c.ValidPeriodDays,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

// IssueUserCoupon persists one allocation: the user_coupon row and the
// counter increment in a single transaction. The caller holds the
// coupon lock, so the count cannot race. Returns false without error
// when the (user, coupon) pair already exists.
func (s *Store) IssueUserCoupon(ctx context.Context, couponID, userID int64, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_coupons (user_id, coupon_id, status, issued_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT ON CONSTRAINT uk_user_coupon DO NOTHING
	`, userID, couponID, domain.UserCouponAvailable, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert user coupon: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE coupons SET current_issue_count = current_issue_count + 1, updated_at = now()
		WHERE id = $1
	`, couponID)
	if err != nil {
		return false, fmt.Errorf("increment issue count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (s *Store) GetUserCoupon(ctx context.Context, userID, couponID int64) (*domain.UserCoupon, error) {
	return s.scanUserCoupon(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, coupon_id, status, issued_at, used_at, expires_at
		FROM user_coupons WHERE user_id = $1 AND coupon_id = $2
	`, userID, couponID))
}

func (s *Store) GetUserCouponByID(ctx context.Context, userCouponID int64) (*domain.UserCoupon, error) {
	return s.scanUserCoupon(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, coupon_id, status, issued_at, used_at, expires_at
		FROM user_coupons WHERE id = $1
	`, userCouponID))
}

func (s *Store) scanUserCoupon(row *sql.Row) (*domain.UserCoupon, error) {
	var uc domain.UserCoupon
	err := row.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &uc.Status, &uc.IssuedAt, &uc.UsedAt, &uc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user coupon: %w", err)
	}
	return &uc, nil
}

func (s *Store) ListUserCoupons(ctx context.Context, userID int64) ([]domain.UserCoupon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, coupon_id, status, issued_at, used_at, expires_at
		FROM user_coupons WHERE user_id = $1 ORDER BY issued_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user coupons: %w", err)
	}
	defer rows.Close()

	var coupons []domain.UserCoupon
	for rows.Next() {
		var uc domain.UserCoupon
		if err := rows.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &uc.Status, &uc.IssuedAt, &uc.UsedAt, &uc.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan user coupon: %w", err)
		}
		coupons = append(coupons, uc)
	}
	return coupons, rows.Err()
}

func (s *Store) UpdateUserCoupon(ctx context.Context, uc *domain.UserCoupon) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_coupons SET status = $1, used_at = $2 WHERE id = $3
	`, uc.Status, uc.UsedAt, uc.ID)
	if err != nil {
		return fmt.Errorf("update user coupon: %w", err)
	}
	return nil
}

// CountIssued returns the authoritative number of allocations for a
// coupon, used to rebuild the admission cache after a cold start.
func (s *Store) CountIssued(ctx context.Context, couponID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_coupons WHERE coupon_id = $1
	`, couponID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issued: %w", err)
	}
	return count, nil
}

// IssuedUserIDs returns every user holding an allocation for the
// coupon, for cache reconstruction.
func (s *Store) IssuedUserIDs(ctx context.Context, couponID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_coupons WHERE coupon_id = $1
	`, couponID)
	if err != nil {
		return nil, fmt.Errorf("issued user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
