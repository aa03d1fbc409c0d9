package domain

import (
	"encoding/json"
	"time"
)

// PaymentCompletedEvent is published after a payment transaction
// commits. It is ephemeral: handlers either succeed or persist their
// own durable fallback, and a handler failure never touches the
// payment record.
type PaymentCompletedEvent struct {
	OrderID        int64           `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	UserID         int64           `json:"user_id"`
	OriginalAmount int             `json:"original_amount"`
	FinalAmount    int             `json:"final_amount"`
	PaidAt         time.Time       `json:"paid_at"`
	Items          []OrderItemInfo `json:"items"`
}

type OrderItemInfo struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderDataJSON is the payload shipped to the data platform.
func (e PaymentCompletedEvent) OrderDataJSON() string {
	data, _ := json.Marshal(struct {
		OrderID     int64  `json:"orderId"`
		OrderNumber string `json:"orderNumber"`
		UserID      int64  `json:"userId"`
		TotalAmount int    `json:"totalAmount"`
		FinalAmount int    `json:"finalAmount"`
	}{e.OrderID, e.OrderNumber, e.UserID, e.OriginalAmount, e.FinalAmount})
	return string(data)
}

// CouponIssueMessage is the commit-queue payload for an admitted
// allocation, keyed by coupon id so all commits for one coupon are
// serialized on one partition.
type CouponIssueMessage struct {
	CouponID int64 `json:"coupon_id"`
	UserID   int64 `json:"user_id"`
}
