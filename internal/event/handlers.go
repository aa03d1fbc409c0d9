package event

import (
	"context"

	"flashmart/internal/dataplatform"
	"flashmart/internal/domain"
	"flashmart/internal/log"
	"flashmart/internal/ranking"

	"go.uber.org/zap"
)

// OutboxEventOrderCompleted is the outbox event type for order data
// whose immediate delivery failed.
const OutboxEventOrderCompleted = "ORDER_COMPLETED"

// OutboxStore is the durable fallback for failed deliveries.
type OutboxStore interface {
	SaveOutboxEvent(ctx context.Context, e *domain.OutboxEvent) (*domain.OutboxEvent, error)
}

// DataPlatformHandler ships order data to the analytics platform. A
// failed or rejected send becomes an outbox row so the sweep can retry
// it; the payment itself is already committed and unaffected.
type DataPlatformHandler struct {
	client dataplatform.Client
	outbox OutboxStore
	logger *log.Logger
}

func NewDataPlatformHandler(client dataplatform.Client, outbox OutboxStore, logger *log.Logger) *DataPlatformHandler {
	return &DataPlatformHandler{client: client, outbox: outbox, logger: logger}
}

func (h *DataPlatformHandler) Name() string { return "data-platform" }

func (h *DataPlatformHandler) Handle(ctx context.Context, e domain.PaymentCompletedEvent) {
	payload := e.OrderDataJSON()

	ok, err := h.client.SendOrderData(ctx, payload)
	if err == nil && ok {
		return
	}
	if err != nil {
		h.logger.Error("Data platform send failed, writing outbox fallback",
			zap.Int64("order_id", e.OrderID), zap.Error(err))
	} else {
		h.logger.Warn("Data platform rejected order data, writing outbox fallback",
			zap.Int64("order_id", e.OrderID))
	}

	if _, serr := h.outbox.SaveOutboxEvent(ctx, domain.NewOutboxEvent(OutboxEventOrderCompleted, payload)); serr != nil {
		// Both the send and the fallback failed; the log line is the
		// last trace of this delivery.
		h.logger.Error("Failed to persist outbox fallback",
			zap.Int64("order_id", e.OrderID), zap.Error(serr))
	}
}

// RankingHandler bumps the sales board. Ranking is best effort:
// failures are logged and dropped.
type RankingHandler struct {
	board  *ranking.Board
	logger *log.Logger
}

func NewRankingHandler(board *ranking.Board, logger *log.Logger) *RankingHandler {
	return &RankingHandler{board: board, logger: logger}
}

func (h *RankingHandler) Name() string { return "ranking" }

func (h *RankingHandler) Handle(ctx context.Context, e domain.PaymentCompletedEvent) {
	for _, item := range e.Items {
		if err := h.board.RecordSale(ctx, item.ProductID, item.Quantity, e.PaidAt); err != nil {
			h.logger.Warn("Failed to record sale for ranking",
				zap.Int64("product_id", item.ProductID), zap.Error(err))
		}
	}
}
