package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	OrderStatusAwaitingPayment OrderStatus = iota
	OrderStatusPaid
	OrderStatusCancelled
	OrderStatusCompleted
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusAwaitingPayment:
		return "awaiting_payment"
	case OrderStatusPaid:
		return "paid"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusAwaitingPayment
}

type Order struct {
	ID          int64
	Identity    string
	ProductID   int64
	ProductName string
	SellPrice   decimal.Decimal
	Quantity    int
	TotalAmount decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	PaidAt      *time.Time
	CancelledAt *time.Time
}

// PaymentDeadline is the instant after which an unpaid order gets cancelled.
func (o Order) PaymentDeadline(timeout time.Duration) time.Time {
	return o.CreatedAt.Add(timeout)
}

// RemainingPaymentTime returns how long the identity still has to pay, zero
// once the order left AwaitingPayment or the deadline passed.
func (o Order) RemainingPaymentTime(now time.Time, timeout time.Duration) time.Duration {
	if o.Status != OrderStatusAwaitingPayment {
		return 0
	}
	left := o.PaymentDeadline(timeout).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
