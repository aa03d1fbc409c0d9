package domain

import "time"

type ProductStatus string

const (
	ProductActive   ProductStatus = "ACTIVE"
	ProductInactive ProductStatus = "INACTIVE"
)

type Product struct {
	ID        int64
	Name      string
	Price     int
	Stock     int
	Status    ProductStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReduceStock deducts quantity from stock. Callers must hold the
// product lock so the read-modify-write is exclusive per product.
func (p *Product) ReduceStock(quantity int) error {
	if quantity <= 0 {
		return ErrInsufficientStock
	}
	if p.Stock < quantity {
		return ErrInsufficientStock
	}
	p.Stock -= quantity
	p.UpdatedAt = time.Now()
	return nil
}

func (p *Product) RestoreStock(quantity int) {
	if quantity <= 0 {
		return
	}
	p.Stock += quantity
	p.UpdatedAt = time.Now()
}

type StockStatus string

const (
	StockAvailable StockStatus = "AVAILABLE"
	StockLow       StockStatus = "LOW_STOCK"
	StockSoldOut   StockStatus = "SOLD_OUT"
)

const lowStockThreshold = 10

func (p *Product) StockStatus() StockStatus {
	switch {
	case p.Stock <= 0:
		return StockSoldOut
	case p.Stock < lowStockThreshold:
		return StockLow
	default:
		return StockAvailable
	}
}
