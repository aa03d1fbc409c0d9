package outbox

import (
	"context"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/log"

	"go.uber.org/zap"
)

type FailedStore interface {
	SaveFailedEvent(ctx context.Context, e *domain.FailedEvent) (*domain.FailedEvent, error)
	FindRetryableFailedEvents(ctx context.Context, now time.Time) ([]domain.FailedEvent, error)
}

// Replayer re-runs the mutation a dead-lettered message was carrying.
// The commit handler provides the coupon-issue implementation.
type Replayer interface {
	ReplayIssue(ctx context.Context, payload []byte) error
}

// FailedEventSweeper replays dead-lettered commit messages with
// exponential backoff. A replay that succeeds marks the record
// RECOVERED; one failure past the ceiling marks it ABANDONED, exactly
// once, and the record is never touched again.
type FailedEventSweeper struct {
	store       FailedStore
	replayer    Replayer
	period      time.Duration
	baseBackoff time.Duration
	logger      *log.Logger
}

func NewFailedEventSweeper(store FailedStore, replayer Replayer, period, baseBackoff time.Duration,
	logger *log.Logger) *FailedEventSweeper {
	return &FailedEventSweeper{
		store:       store,
		replayer:    replayer,
		period:      period,
		baseBackoff: baseBackoff,
		logger:      logger,
	}
}

func (s *FailedEventSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Failed-event sweeper shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep replays every due record once.
func (s *FailedEventSweeper) Sweep(ctx context.Context, now time.Time) {
	events, err := s.store.FindRetryableFailedEvents(ctx, now)
	if err != nil {
		s.logger.Error("Failed to load retryable failed events", zap.Error(err))
		return
	}
	for i := range events {
		s.replay(ctx, &events[i], now)
	}
}

func (s *FailedEventSweeper) replay(ctx context.Context, e *domain.FailedEvent, now time.Time) {
	if !e.ShouldRetryNow(now) {
		return
	}

	e.BeginRetry(now)
	if _, err := s.store.SaveFailedEvent(ctx, e); err != nil {
		s.logger.Error("Failed to mark retry start", zap.Int64("id", e.ID), zap.Error(err))
		return
	}

	err := s.replayer.ReplayIssue(ctx, []byte(e.Payload))
	if err != nil {
		e.MarkFailed(err.Error(), now, s.baseBackoff)
		if e.Status == domain.FailedEventAbandoned {
			s.logger.Error("Failed event abandoned after final retry",
				zap.Int64("id", e.ID), zap.String("topic", e.Topic), zap.Error(err))
		} else {
			s.logger.Warn("Failed event retry unsuccessful",
				zap.Int64("id", e.ID), zap.Int("retries", e.RetryCount), zap.Error(err))
		}
	} else {
		e.MarkRecovered(now)
		s.logger.Info("Failed event recovered", zap.Int64("id", e.ID), zap.String("topic", e.Topic))
	}

	if _, serr := s.store.SaveFailedEvent(ctx, e); serr != nil {
		s.logger.Error("Failed to update failed event", zap.Int64("id", e.ID), zap.Error(serr))
	}
}
