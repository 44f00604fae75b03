package port

import (
	"context"
	"time"

	"github.com/rl1809/seckill/internal/core/domain"
)

type OrderRepository interface {
	// CreateOrder decrements persisted stock conditionally and inserts the order in one transaction;
	// domain.ErrPersistenceConflict when no stock row was updated
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns domain.ErrOrderNotFound if absent
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)

	// CancelOrder moves an AwaitingPayment order to Cancelled and returns its unit to persisted stock;
	// returns false if the order was no longer awaiting payment
	CancelOrder(ctx context.Context, orderID int64, at time.Time) (bool, error)

	// MarkPaid moves an AwaitingPayment order to Paid; returns false if it was not awaiting payment
	MarkPaid(ctx context.Context, orderID int64, at time.Time) (bool, error)

	// ListOrders returns an identity's orders, newest first
	ListOrders(ctx context.Context, identity string) ([]domain.Order, error)
}

type ProductRepository interface {
	// ListSchedulable returns Pending or Active products starting at or before startsBefore and ending after endsAfter
	ListSchedulable(ctx context.Context, startsBefore, endsAfter time.Time) ([]domain.Product, error)

	// UpdateStatus sets a product's lifecycle status
	UpdateStatus(ctx context.Context, productID int64, status domain.ProductStatus) error
}
