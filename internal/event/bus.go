package event

import (
	"context"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/log"

	"go.uber.org/zap"
)

// Handler reacts to a completed payment. Handlers run after the
// payment transaction committed and must not influence its outcome;
// each one owns its own failure handling.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e domain.PaymentCompletedEvent)
}

// Bus fans a payment-completed event out to all subscribed handlers,
// each on its own goroutine.
type Bus struct {
	handlers []Handler
	timeout  time.Duration
	logger   *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	return &Bus{timeout: 30 * time.Second, logger: logger}
}

func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Publish dispatches the event and returns immediately. The caller's
// context is not used: the payment request may complete long before
// the handlers do.
func (b *Bus) Publish(e domain.PaymentCompletedEvent) {
	for _, h := range b.handlers {
		go func(h Handler) {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						zap.String("handler", h.Name()), zap.Any("panic", r))
				}
			}()
			h.Handle(ctx, e)
		}(h)
	}
}
