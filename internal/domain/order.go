package domain

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID          int64
	OrderNumber string
	UserID      int64
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	Quantity  int
	UnitPrice int
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type OrderPayment struct {
	ID             int64
	OrderID        int64
	UserCouponID   *int64
	OriginalAmount int
	FinalAmount    int
	UsedPoints     int
	Status         PaymentStatus
	PaidAt         *time.Time
}

func (p *OrderPayment) Complete(finalAmount, usedPoints int, now time.Time) error {
	if p.Status != PaymentPending {
		return ErrOrderNotPayable
	}
	p.FinalAmount = finalAmount
	p.UsedPoints = usedPoints
	p.Status = PaymentCompleted
	p.PaidAt = &now
	return nil
}

type PointTransactionType string

const (
	PointCharge PointTransactionType = "CHARGE"
	PointUse    PointTransactionType = "USE"
	PointRefund PointTransactionType = "REFUND"
)

// PointHistory is a plain ledger row; balances are the sum of the ledger.
type PointHistory struct {
	ID          int64
	UserID      int64
	Type        PointTransactionType
	Amount      int
	Description string
	OrderID     *int64
	CreatedAt   time.Time
}
