package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"flashmart/internal/admission"
	"flashmart/internal/domain"
	"flashmart/internal/lock"
	"flashmart/internal/log"
	"flashmart/internal/metrics"
	"flashmart/internal/queue"

	"go.uber.org/zap"
)

// TopicCouponIssue is the commit-queue topic for admitted allocations.
const TopicCouponIssue = "coupon-issue"

// AdmissionCache is the fast-path decision surface. The production
// implementation is admission.Cache.
type AdmissionCache interface {
	TryAdmit(ctx context.Context, couponID, userID int64, maxCount int) (domain.IssueResult, error)
	Revoke(ctx context.Context, couponID, userID int64) error
	IsAdmitted(ctx context.Context, couponID, userID int64) (bool, error)
	AdmittedCount(ctx context.Context, couponID int64) (int64, error)
	LoadMetadata(ctx context.Context, couponID int64, extraTTL time.Duration,
		loader func(context.Context) (*admission.Metadata, error)) (*admission.Metadata, error)
	Initialize(ctx context.Context, couponID int64, issuedUserIDs []int64) error
}

// Store is the durable side the coordinator needs.
type Store interface {
	GetCoupon(ctx context.Context, couponID int64) (*domain.Coupon, error)
	GetUserCoupon(ctx context.Context, userID, couponID int64) (*domain.UserCoupon, error)
	GetUserCouponByID(ctx context.Context, userCouponID int64) (*domain.UserCoupon, error)
	ListUserCoupons(ctx context.Context, userID int64) ([]domain.UserCoupon, error)
	UpdateUserCoupon(ctx context.Context, uc *domain.UserCoupon) error
	IssueUserCoupon(ctx context.Context, couponID, userID int64, expiresAt time.Time) (bool, error)
	IssuedUserIDs(ctx context.Context, couponID int64) ([]int64, error)
}

// Publisher places an admitted allocation on the ordered commit queue.
type Publisher interface {
	Publish(ctx context.Context, key, topic string, payload interface{}) error
}

// Locker is the locked mutation executor.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Service is the quota allocation coordinator: the cache answers
// immediately, and admitted requests are committed asynchronously, in
// order, by the per-partition consumer.
type Service struct {
	store   Store
	cache   AdmissionCache
	pub     Publisher
	locker  Locker
	infoTTL time.Duration
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewService(store Store, cache AdmissionCache, pub Publisher, locker Locker,
	infoTTL time.Duration, m *metrics.Metrics, logger *log.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		pub:     pub,
		locker:  locker,
		infoTTL: infoTTL,
		metrics: m,
		logger:  logger,
	}
}

// RequestIssue makes the fast admission decision. No durable write
// happens here; an Admitted result means a commit message is queued.
func (s *Service) RequestIssue(ctx context.Context, userID, couponID int64) (domain.IssueResult, error) {
	meta, err := s.cache.LoadMetadata(ctx, couponID, s.infoTTL, func(ctx context.Context) (*admission.Metadata, error) {
		c, err := s.store.GetCoupon(ctx, couponID)
		if err != nil {
			return nil, err
		}
		if c.Status != domain.CouponActive {
			return nil, domain.ErrInvalidCoupon
		}
		return &admission.Metadata{
			MaxIssueCount: c.MaxIssueCount,
			IssueStartAt:  c.IssueStartAt,
			IssueEndAt:    c.IssueEndAt,
		}, nil
	})
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidCoupon) {
		s.record(domain.IssueInvalidCoupon)
		return domain.IssueInvalidCoupon, nil
	}
	if err != nil {
		return "", err
	}

	if !meta.WithinWindow(time.Now()) {
		s.record(domain.IssueInvalidCoupon)
		return domain.IssueInvalidCoupon, nil
	}

	result, err := s.cache.TryAdmit(ctx, couponID, userID, meta.MaxIssueCount)
	if err != nil {
		return "", err
	}
	if result != domain.IssueAdmitted {
		s.record(result)
		return result, nil
	}

	msg := domain.CouponIssueMessage{CouponID: couponID, UserID: userID}
	if err := s.pub.Publish(ctx, strconv.FormatInt(couponID, 10), TopicCouponIssue, msg); err != nil {
		// The admission is provisional; give the unit back rather than
		// stranding it in the cache.
		if rerr := s.cache.Revoke(ctx, couponID, userID); rerr != nil {
			s.logger.Error("Failed to revoke admission after publish failure",
				zap.Int64("coupon_id", couponID), zap.Int64("user_id", userID), zap.Error(rerr))
		}
		return "", fmt.Errorf("enqueue allocation commit: %w", err)
	}

	s.record(domain.IssueAdmitted)
	return domain.IssueAdmitted, nil
}

// IsIssued answers from the admission cache.
func (s *Service) IsIssued(ctx context.Context, userID, couponID int64) (bool, error) {
	return s.cache.IsAdmitted(ctx, couponID, userID)
}

// Status reports the coupon with both the authoritative and the
// cache-side issue counts.
type Status struct {
	Coupon        *domain.Coupon
	AdmittedCount int64
}

func (s *Service) Status(ctx context.Context, couponID int64) (*Status, error) {
	c, err := s.store.GetCoupon(ctx, couponID)
	if err != nil {
		return nil, err
	}
	admitted, err := s.cache.AdmittedCount(ctx, couponID)
	if err != nil {
		return nil, err
	}
	return &Status{Coupon: c, AdmittedCount: admitted}, nil
}

// RebuildAdmission reloads the membership set from the durable store.
// The cache is a derived copy; this restores it after a cache loss.
func (s *Service) RebuildAdmission(ctx context.Context, couponID int64) error {
	ids, err := s.store.IssuedUserIDs(ctx, couponID)
	if err != nil {
		return err
	}
	return s.cache.Initialize(ctx, couponID, ids)
}

// ListUserCoupons returns the user's committed allocations. A request
// admitted but not yet committed does not appear here.
func (s *Service) ListUserCoupons(ctx context.Context, userID int64) ([]domain.UserCoupon, error) {
	return s.store.ListUserCoupons(ctx, userID)
}

// UseCoupon transitions an allocation AVAILABLE -> USED under the
// user-coupon lock. Only the allocation's owner may use it.
func (s *Service) UseCoupon(ctx context.Context, userID, userCouponID int64) (*domain.UserCoupon, error) {
	var used *domain.UserCoupon
	err := s.locker.WithLock(ctx, lock.UserCouponKey(userCouponID), func(ctx context.Context) error {
		uc, err := s.store.GetUserCouponByID(ctx, userCouponID)
		if err != nil {
			return err
		}
		if uc.UserID != userID {
			return domain.ErrCouponNotUsable
		}
		if err := uc.Use(time.Now()); err != nil {
			return err
		}
		if err := s.store.UpdateUserCoupon(ctx, uc); err != nil {
			return err
		}
		used = uc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

// RestoreCoupon compensates a use, e.g. on order cancellation. Only a
// confirmed-committed allocation can be restored.
func (s *Service) RestoreCoupon(ctx context.Context, userCouponID int64) error {
	return s.locker.WithLock(ctx, lock.UserCouponKey(userCouponID), func(ctx context.Context) error {
		uc, err := s.store.GetUserCouponByID(ctx, userCouponID)
		if err != nil {
			return err
		}
		if err := uc.Restore(); err != nil {
			return err
		}
		return s.store.UpdateUserCoupon(ctx, uc)
	})
}

func (s *Service) record(result domain.IssueResult) {
	if s.metrics != nil {
		s.metrics.AdmissionTotal.WithLabelValues(string(result)).Inc()
	}
}

// ParseIssueMessage decodes a commit-queue payload.
func ParseIssueMessage(payload json.RawMessage) (domain.CouponIssueMessage, error) {
	var msg domain.CouponIssueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal coupon issue message: %w", err)
	}
	return msg, nil
}

var _ Publisher = (*queue.Queue)(nil)
