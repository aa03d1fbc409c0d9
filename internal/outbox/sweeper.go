package outbox

import (
	"context"
	"errors"
	"time"

	"flashmart/internal/dataplatform"
	"flashmart/internal/domain"
	"flashmart/internal/log"
	"flashmart/internal/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var errDeliveryRejected = errors.New("delivery rejected")

type Store interface {
	SaveOutboxEvent(ctx context.Context, e *domain.OutboxEvent) (*domain.OutboxEvent, error)
	FindOutboxByStatus(ctx context.Context, status domain.OutboxStatus) ([]domain.OutboxEvent, error)
}

// Sweeper redelivers outbox events whose immediate send failed. Each
// sweep retries PENDING rows and FAILED rows still under the retry
// ceiling; rows past the ceiling stay FAILED and are only logged.
type Sweeper struct {
	store      Store
	client     dataplatform.Client
	period     time.Duration
	maxRetries int
	metrics    *metrics.Metrics
	logger     *log.Logger
	cb         *gobreaker.CircuitBreaker
}

func NewSweeper(store Store, client dataplatform.Client, period time.Duration, maxRetries int,
	m *metrics.Metrics, logger *log.Logger) *Sweeper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-sweeper",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Sweeper{
		store:      store,
		client:     client,
		period:     period,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
		cb:         cb,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Outbox sweeper shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the undelivered events. Both lists are
// loaded before any delivery so an event freshly marked FAILED is not
// picked up again within the same pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	var batch []domain.OutboxEvent
	for _, status := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxFailed} {
		events, err := s.store.FindOutboxByStatus(ctx, status)
		if err != nil {
			s.logger.Error("Failed to load outbox events", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		batch = append(batch, events...)
	}
	for i := range batch {
		s.deliver(ctx, &batch[i])
	}
}

func (s *Sweeper) deliver(ctx context.Context, e *domain.OutboxEvent) {
	if !e.CanRetry(s.maxRetries) {
		if e.Status == domain.OutboxFailed {
			// Terminal; an operator has to resolve it.
			s.logger.Warn("Outbox event exhausted retries",
				zap.Int64("id", e.ID), zap.String("event_type", e.EventType), zap.Int("retries", e.RetryCount))
		}
		return
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		ok, err := s.client.SendOrderData(ctx, e.Payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errDeliveryRejected
		}
		return nil, nil
	})
	if err != nil {
		e.MarkFailed()
		if s.metrics != nil {
			s.metrics.OutboxFailedTotal.Inc()
		}
		s.logger.Warn("Outbox delivery failed",
			zap.Int64("id", e.ID), zap.Int("retries", e.RetryCount), zap.Error(err))
	} else {
		e.MarkSent(time.Now())
		if s.metrics != nil {
			s.metrics.OutboxSentTotal.Inc()
		}
		s.logger.Info("Outbox event delivered", zap.Int64("id", e.ID), zap.String("event_type", e.EventType))
	}

	if _, serr := s.store.SaveOutboxEvent(ctx, e); serr != nil {
		s.logger.Error("Failed to update outbox event", zap.Int64("id", e.ID), zap.Error(serr))
	}
}
