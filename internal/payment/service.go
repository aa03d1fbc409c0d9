package payment

import (
	"context"
	"fmt"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/lock"
	"flashmart/internal/log"
	"flashmart/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	CreateOrder(ctx context.Context, order *domain.Order, items []domain.OrderItem, payment *domain.OrderPayment) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error)
	GetOrderPayment(ctx context.Context, orderID int64) (*domain.OrderPayment, error)
	GetCoupon(ctx context.Context, couponID int64) (*domain.Coupon, error)
	GetUserCouponByID(ctx context.Context, userCouponID int64) (*domain.UserCoupon, error)
	UpdateUserCoupon(ctx context.Context, uc *domain.UserCoupon) error
	PointBalance(ctx context.Context, userID int64) (int, error)
	InsertPointHistory(ctx context.Context, h *domain.PointHistory) (*domain.PointHistory, error)
	ApplyPayment(ctx context.Context, app store.PaymentApplication) error
}

type Stocker interface {
	DeductStock(ctx context.Context, productID int64, quantity int) (*domain.Product, error)
	RestoreStock(ctx context.Context, productID int64, quantity int) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// EventPublisher fans the payment-completed event out to its handlers.
type EventPublisher interface {
	Publish(e domain.PaymentCompletedEvent)
}

// Service owns the order lifecycle. Stock moves at order creation,
// money at payment; every failure path compensates what it already
// took.
type Service struct {
	store  Store
	stock  Stocker
	locker Locker
	events EventPublisher
	logger *log.Logger
}

func NewService(store Store, stock Stocker, locker Locker, events EventPublisher, logger *log.Logger) *Service {
	return &Service{store: store, stock: stock, locker: locker, events: events, logger: logger}
}

// ItemRequest is one line of an order request.
type ItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// CreateOrder reserves stock for every item and persists the order
// with a pending payment. If any deduction or the insert fails, the
// stock already taken is restored.
func (s *Service) CreateOrder(ctx context.Context, userID int64, items []ItemRequest) (*domain.Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("order requires at least one item")
	}

	var (
		orderItems []domain.OrderItem
		deducted   []ItemRequest
		total      int
	)
	for _, it := range items {
		p, err := s.stock.DeductStock(ctx, it.ProductID, it.Quantity)
		if err != nil {
			s.compensateStock(ctx, deducted)
			return nil, err
		}
		deducted = append(deducted, it)
		orderItems = append(orderItems, domain.OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: p.Price,
		})
		total += p.Price * it.Quantity
	}

	order := &domain.Order{
		OrderNumber: uuid.NewString(),
		UserID:      userID,
		Status:      domain.OrderPending,
	}
	pay := &domain.OrderPayment{
		OriginalAmount: total,
		FinalAmount:    total,
		Status:         domain.PaymentPending,
	}
	created, err := s.store.CreateOrder(ctx, order, orderItems, pay)
	if err != nil {
		s.compensateStock(ctx, deducted)
		return nil, err
	}
	return created, nil
}

// PayRequest names the optional discounts applied at payment time.
type PayRequest struct {
	UserCouponID *int64 `json:"user_coupon_id"`
	UsePoints    int    `json:"use_points"`
}

// ExecutePayment settles a pending order. Coupon use, point deduction
// and the payment transition commit in one transaction; the
// payment-completed event is published only after that transaction
// returned.
func (s *Service) ExecutePayment(ctx context.Context, orderID int64, req PayRequest) (*domain.OrderPayment, error) {
	var (
		payment *domain.OrderPayment
		evt     domain.PaymentCompletedEvent
	)
	err := s.locker.WithLock(ctx, lock.OrderKey(orderID), func(ctx context.Context) error {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPending {
			return fmt.Errorf("%w: order %d is %s", domain.ErrOrderNotPayable, orderID, order.Status)
		}
		pay, err := s.store.GetOrderPayment(ctx, orderID)
		if err != nil {
			return err
		}

		now := time.Now()
		final := pay.OriginalAmount

		var usedCoupon *domain.UserCoupon
		if req.UserCouponID != nil {
			uc, err := s.store.GetUserCouponByID(ctx, *req.UserCouponID)
			if err != nil {
				return err
			}
			if uc.UserID != order.UserID || !uc.CanUse(now) {
				return domain.ErrCouponNotUsable
			}
			c, err := s.store.GetCoupon(ctx, uc.CouponID)
			if err != nil {
				return err
			}
			if err := uc.Use(now); err != nil {
				return err
			}
			final = c.Discount(final)
			usedCoupon = uc
		}

		var history *domain.PointHistory
		if req.UsePoints > 0 {
			if req.UsePoints > final {
				req.UsePoints = final
			}
			balance, err := s.store.PointBalance(ctx, order.UserID)
			if err != nil {
				return err
			}
			if balance < req.UsePoints {
				return domain.ErrInsufficientPoints
			}
			final -= req.UsePoints
			history = &domain.PointHistory{
				UserID:      order.UserID,
				Type:        domain.PointUse,
				Amount:      -req.UsePoints,
				Description: fmt.Sprintf("payment for order %s", order.OrderNumber),
				OrderID:     &order.ID,
			}
		}

		if err := pay.Complete(final, req.UsePoints, now); err != nil {
			return err
		}
		pay.UserCouponID = req.UserCouponID
		order.Status = domain.OrderPaid

		if err := s.store.ApplyPayment(ctx, store.PaymentApplication{
			Order:        order,
			Payment:      pay,
			UsedCoupon:   usedCoupon,
			PointHistory: history,
			PaidAt:       now,
		}); err != nil {
			return err
		}

		items, err := s.store.GetOrderItems(ctx, orderID)
		if err != nil {
			// The payment is committed; the event still goes out with
			// whatever item detail we have.
			s.logger.Warn("Failed to load order items for event", zap.Int64("order_id", orderID), zap.Error(err))
		}
		infos := make([]domain.OrderItemInfo, 0, len(items))
		for _, it := range items {
			infos = append(infos, domain.OrderItemInfo{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		evt = domain.PaymentCompletedEvent{
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			OriginalAmount: pay.OriginalAmount,
			FinalAmount:    pay.FinalAmount,
			PaidAt:         now,
			Items:          infos,
		}
		payment = pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(evt)
	return payment, nil
}

// CancelOrder reverses an order. Stock always comes back; a paid order
// additionally refunds points and restores the coupon.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) error {
	return s.locker.WithLock(ctx, lock.OrderKey(orderID), func(ctx context.Context) error {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderCancelled {
			return nil
		}
		pay, err := s.store.GetOrderPayment(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := s.store.GetOrderItems(ctx, orderID)
		if err != nil {
			return err
		}

		now := time.Now()

		var history *domain.PointHistory
		if order.Status == domain.OrderPaid && pay.UsedPoints > 0 {
			history = &domain.PointHistory{
				UserID:      order.UserID,
				Type:        domain.PointRefund,
				Amount:      pay.UsedPoints,
				Description: fmt.Sprintf("refund for order %s", order.OrderNumber),
				OrderID:     &order.ID,
			}
		}

		var restoredCoupon *domain.UserCoupon
		if order.Status == domain.OrderPaid && pay.UserCouponID != nil {
			uc, err := s.store.GetUserCouponByID(ctx, *pay.UserCouponID)
			if err != nil {
				return err
			}
			if err := uc.Restore(); err != nil {
				return err
			}
			restoredCoupon = uc
		}

		order.Status = domain.OrderCancelled
		pay.Status = domain.PaymentCancelled

		if err := s.store.ApplyPayment(ctx, store.PaymentApplication{
			Order:        order,
			Payment:      pay,
			UsedCoupon:   restoredCoupon,
			PointHistory: history,
			PaidAt:       now,
		}); err != nil {
			return err
		}

		for _, it := range items {
			if err := s.stock.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
				s.logger.Error("Failed to restore stock on cancellation",
					zap.Int64("order_id", orderID), zap.Int64("product_id", it.ProductID), zap.Error(err))
			}
		}
		return nil
	})
}

// GetOrder returns the order with its items and payment.
type OrderDetail struct {
	Order   *domain.Order        `json:"order"`
	Items   []domain.OrderItem   `json:"items"`
	Payment *domain.OrderPayment `json:"payment"`
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*OrderDetail, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pay, err := s.store.GetOrderPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Items: items, Payment: pay}, nil
}

// ChargePoints appends a CHARGE row to the ledger.
func (s *Service) ChargePoints(ctx context.Context, userID int64, amount int) (*domain.PointHistory, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive")
	}
	return s.store.InsertPointHistory(ctx, &domain.PointHistory{
		UserID:      userID,
		Type:        domain.PointCharge,
		Amount:      amount,
		Description: "point charge",
	})
}

func (s *Service) PointBalance(ctx context.Context, userID int64) (int, error) {
	return s.store.PointBalance(ctx, userID)
}

func (s *Service) compensateStock(ctx context.Context, deducted []ItemRequest) {
	for _, it := range deducted {
		if err := s.stock.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
			s.logger.Error("Failed to restore stock after order failure",
				zap.Int64("product_id", it.ProductID), zap.Int("quantity", it.Quantity), zap.Error(err))
		}
	}
}
