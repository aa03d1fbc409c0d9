package product

import (
	"context"

	"flashmart/internal/domain"
	"flashmart/internal/lock"
	"flashmart/internal/log"
)

type Store interface {
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProductStock(ctx context.Context, p *domain.Product) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Service mutates product stock under the per-product lock. Reads go
// straight to the store.
type Service struct {
	store  Store
	locker Locker
	logger *log.Logger
}

func NewService(store Store, locker Locker, logger *log.Logger) *Service {
	return &Service{store: store, locker: locker, logger: logger}
}

func (s *Service) Get(ctx context.Context, productID int64) (*domain.Product, error) {
	return s.store.GetProduct(ctx, productID)
}

func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	return s.store.ListProducts(ctx)
}

// DeductStock runs the read-check-write sequence under the product
// lock. ErrInsufficientStock is a business rejection, not a transient
// failure.
func (s *Service) DeductStock(ctx context.Context, productID int64, quantity int) (*domain.Product, error) {
	var deducted *domain.Product
	err := s.locker.WithLock(ctx, lock.ProductKey(productID), func(ctx context.Context) error {
		p, err := s.store.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if err := p.ReduceStock(quantity); err != nil {
			return err
		}
		if err := s.store.UpdateProductStock(ctx, p); err != nil {
			return err
		}
		deducted = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deducted, nil
}

// RestoreStock compensates a deduction after a downstream step failed.
func (s *Service) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	return s.locker.WithLock(ctx, lock.ProductKey(productID), func(ctx context.Context) error {
		p, err := s.store.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		p.RestoreStock(quantity)
		return s.store.UpdateProductStock(ctx, p)
	})
}
