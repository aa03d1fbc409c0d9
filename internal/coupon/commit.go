package coupon

import (
	"context"
	"errors"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/lock"
	"flashmart/internal/log"
	"flashmart/internal/metrics"
	"flashmart/internal/queue"

	"go.uber.org/zap"
)

// FailedEventStore persists dead-lettered commit messages.
type FailedEventStore interface {
	SaveFailedEvent(ctx context.Context, e *domain.FailedEvent) (*domain.FailedEvent, error)
}

// CommitHandler is the single writer for a coupon's authoritative
// state. The queue guarantees one invocation at a time per coupon, so
// the re-validation below cannot race with itself; the lock guards
// against out-of-band writers (payment compensation, replays).
type CommitHandler struct {
	store       Store
	cache       AdmissionCache
	locker      Locker
	failed      FailedEventStore
	maxRetries  int
	baseBackoff time.Duration
	metrics     *metrics.Metrics
	logger      *log.Logger
}

func NewCommitHandler(store Store, cache AdmissionCache, locker Locker, failed FailedEventStore,
	maxRetries int, baseBackoff time.Duration, m *metrics.Metrics, logger *log.Logger) *CommitHandler {
	return &CommitHandler{
		store:       store,
		cache:       cache,
		locker:      locker,
		failed:      failed,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		metrics:     m,
		logger:      logger,
	}
}

// Handle commits one admitted allocation. Replays are no-ops: the
// allocation row is unique per (user, coupon) and the counter is only
// incremented when the row is actually inserted.
func (h *CommitHandler) Handle(ctx context.Context, msg queue.Message) (queue.Verdict, error) {
	issue, err := ParseIssueMessage(msg.Payload)
	if err != nil {
		// Malformed payloads never become valid; park them for the
		// operator instead of retrying.
		return queue.DeadLetter, err
	}

	// Idempotency: an existing allocation means a replayed message.
	_, err = h.store.GetUserCoupon(ctx, issue.UserID, issue.CouponID)
	if err == nil {
		return queue.Ack, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return queue.Retry, err
	}

	err = h.locker.WithLock(ctx, lock.CouponKey(issue.CouponID), func(ctx context.Context) error {
		c, err := h.store.GetCoupon(ctx, issue.CouponID)
		if err != nil {
			return err
		}

		// The fast-path admission was provisional. If the
		// authoritative counter is already at capacity, drop the
		// commit and give the cache unit back.
		if c.CurrentIssueCount >= c.MaxIssueCount {
			h.logger.Warn("Dropping admitted allocation, capacity exhausted",
				zap.Int64("coupon_id", issue.CouponID), zap.Int64("user_id", issue.UserID))
			if rerr := h.cache.Revoke(ctx, issue.CouponID, issue.UserID); rerr != nil {
				h.logger.Error("Failed to revoke admission", zap.Error(rerr))
			}
			return nil
		}

		expiresAt := time.Now().AddDate(0, 0, c.ValidPeriodDays)
		created, err := h.store.IssueUserCoupon(ctx, issue.CouponID, issue.UserID, expiresAt)
		if err != nil {
			return err
		}
		if created && h.metrics != nil {
			h.metrics.CommitTotal.Inc()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The coupon itself is gone; retrying cannot help.
			return queue.DeadLetter, err
		}
		// Lock timeouts and transient store failures are retryable.
		return queue.Retry, err
	}
	return queue.Ack, nil
}

// HandleDeadLetter persists the exhausted message as a FailedEvent for
// the failed-event sweep. It never re-raises: a throwing dead-letter
// consumer would loop the failure.
func (h *CommitHandler) HandleDeadLetter(ctx context.Context, msg queue.Message, lastError string) error {
	event := domain.NewFailedEvent(msg.Topic, msg.Key, string(msg.Payload), lastError, h.maxRetries, h.baseBackoff)
	if _, err := h.failed.SaveFailedEvent(ctx, event); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.DeadLetterTotal.Inc()
	}
	return nil
}

// ReplayIssue re-runs the commit mutation for a dead-lettered
// allocation. Used by the failed-event sweep; shares the idempotent
// commit path.
func (h *CommitHandler) ReplayIssue(ctx context.Context, payload []byte) error {
	verdict, err := h.Handle(ctx, queue.Message{Topic: TopicCouponIssue, Payload: payload})
	if verdict == queue.Ack {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.New("replay not committed")
}
