package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductStatus int

const (
	ProductStatusPending ProductStatus = iota
	ProductStatusActive
	ProductStatusEnded
)

func (s ProductStatus) String() string {
	switch s {
	case ProductStatusPending:
		return "pending"
	case ProductStatusActive:
		return "active"
	case ProductStatusEnded:
		return "ended"
	}
	return "unknown"
}

type Product struct {
	ID         int64
	Name       string
	BasePrice  decimal.Decimal
	SellPrice  decimal.Decimal
	Stock      int
	TotalStock int
	StartTime  time.Time
	EndTime    time.Time
	Status     ProductStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusAt derives the lifecycle status the product should have at now.
func (p Product) StatusAt(now time.Time) ProductStatus {
	switch {
	case !now.Before(p.EndTime):
		return ProductStatusEnded
	case !now.Before(p.StartTime):
		return ProductStatusActive
	default:
		return ProductStatusPending
	}
}

// SoldPercent is the share of the initial stock already reserved, 0..100.
func (p Product) SoldPercent() int {
	if p.TotalStock <= 0 {
		return 0
	}
	sold := p.TotalStock - p.Stock
	if sold < 0 {
		sold = 0
	}
	return sold * 100 / p.TotalStock
}

// Slot hours in which sales are scheduled.
var SlotHours = []int{8, 10, 12, 14, 16, 18, 20, 22}

// CurrentSlot maps an hour of day to the sale slot it belongs to. Hours
// before the first slot map to the first one, hours after the last map to
// the last one.
func CurrentSlot(hour int) int {
	slot := SlotHours[0]
	for _, h := range SlotHours {
		if hour >= h {
			slot = h
		}
	}
	return slot
}
