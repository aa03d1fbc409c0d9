package domain

import (
	"fmt"
	"time"
)

type CouponStatus string

const (
	CouponActive   CouponStatus = "ACTIVE"
	CouponInactive CouponStatus = "INACTIVE"
)

type DiscountType string

const (
	DiscountFixed      DiscountType = "FIXED"
	DiscountPercentage DiscountType = "PERCENTAGE"
)

// Coupon is the quota-limited resource. CurrentIssueCount is the
// authoritative counter and is mutated only by the commit consumer,
// inside a locked mutation.
type Coupon struct {
	ID                int64
	Name              string
	DiscountType      DiscountType
	DiscountValue     int
	MaxIssueCount     int
	CurrentIssueCount int
	IssueStartAt      time.Time
	IssueEndAt        time.Time
	ValidPeriodDays   int
	Status            CouponStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewCoupon(name string, discountType DiscountType, discountValue, maxIssueCount int,
	issueStartAt, issueEndAt time.Time, validPeriodDays int) (*Coupon, error) {
	if name == "" {
		return nil, fmt.Errorf("coupon name is required")
	}
	if discountValue <= 0 {
		return nil, fmt.Errorf("discount value must be positive")
	}
	if discountType == DiscountPercentage && discountValue > 100 {
		return nil, fmt.Errorf("percentage discount must be at most 100")
	}
	if maxIssueCount <= 0 {
		return nil, fmt.Errorf("max issue count must be positive")
	}
	if issueEndAt.Before(issueStartAt) {
		return nil, fmt.Errorf("issue window end must be after start")
	}
	if validPeriodDays <= 0 {
		return nil, fmt.Errorf("valid period must be at least one day")
	}
	now := time.Now()
	return &Coupon{
		Name:            name,
		DiscountType:    discountType,
		DiscountValue:   discountValue,
		MaxIssueCount:   maxIssueCount,
		IssueStartAt:    issueStartAt,
		IssueEndAt:      issueEndAt,
		ValidPeriodDays: validPeriodDays,
		Status:          CouponActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (c *Coupon) WithinIssueWindow(now time.Time) bool {
	return !now.Before(c.IssueStartAt) && !now.After(c.IssueEndAt)
}

func (c *Coupon) CanIssue(now time.Time) bool {
	if c.Status != CouponActive {
		return false
	}
	if !c.WithinIssueWindow(now) {
		return false
	}
	return c.CurrentIssueCount < c.MaxIssueCount
}

// Issue increments the authoritative counter. Callers must hold the
// coupon lock; the counter never exceeds MaxIssueCount.
func (c *Coupon) Issue(now time.Time) error {
	if c.Status != CouponActive {
		return ErrInvalidCoupon
	}
	if !c.WithinIssueWindow(now) {
		return ErrInvalidCoupon
	}
	if c.CurrentIssueCount >= c.MaxIssueCount {
		return ErrSoldOut
	}
	c.CurrentIssueCount++
	c.UpdatedAt = now
	return nil
}

func (c *Coupon) Remaining() int {
	if r := c.MaxIssueCount - c.CurrentIssueCount; r > 0 {
		return r
	}
	return 0
}

// Discount applies the coupon to an amount and returns the discounted total.
func (c *Coupon) Discount(amount int) int {
	var discounted int
	switch c.DiscountType {
	case DiscountPercentage:
		discounted = amount - amount*c.DiscountValue/100
	default:
		discounted = amount - c.DiscountValue
	}
	if discounted < 0 {
		return 0
	}
	return discounted
}

type UserCouponStatus string

const (
	UserCouponAvailable UserCouponStatus = "AVAILABLE"
	UserCouponUsed      UserCouponStatus = "USED"
	UserCouponExpired   UserCouponStatus = "EXPIRED"
)

// UserCoupon is an allocation of a coupon to a user. At most one
// non-terminal row exists per (user, coupon) pair, enforced by a unique
// constraint and by the commit consumer's idempotency check.
type UserCoupon struct {
	ID        int64
	UserID    int64
	CouponID  int64
	Status    UserCouponStatus
	IssuedAt  time.Time
	UsedAt    *time.Time
	ExpiresAt time.Time
}

func NewUserCoupon(userID, couponID int64, expiresAt time.Time) *UserCoupon {
	return &UserCoupon{
		UserID:    userID,
		CouponID:  couponID,
		Status:    UserCouponAvailable,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
}

func (uc *UserCoupon) Expired(now time.Time) bool {
	return now.After(uc.ExpiresAt)
}

func (uc *UserCoupon) CanUse(now time.Time) bool {
	return uc.Status == UserCouponAvailable && !uc.Expired(now)
}

func (uc *UserCoupon) Use(now time.Time) error {
	if uc.Status == UserCouponUsed {
		return ErrCouponNotUsable
	}
	if uc.Expired(now) {
		return ErrCouponNotUsable
	}
	uc.Status = UserCouponUsed
	uc.UsedAt = &now
	return nil
}

// Restore reverses a use, e.g. when the paying order is cancelled.
func (uc *UserCoupon) Restore() error {
	if uc.Status != UserCouponUsed {
		return ErrCouponNotUsable
	}
	uc.Status = UserCouponAvailable
	uc.UsedAt = nil
	return nil
}
