package domain

import "github.com/shopspring/decimal"

type ReserveResult int

const (
	ReserveSuccess ReserveResult = iota + 1
	ReserveSoldOut
	ReserveAlreadyReserved
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveSuccess:
		return "success"
	case ReserveSoldOut:
		return "sold_out"
	case ReserveAlreadyReserved:
		return "already_reserved"
	}
	return "unknown"
}

// TokenClaims is what a possession token binds.
type TokenClaims struct {
	Identity   string `json:"identity"`
	ProductID  int64  `json:"productId"`
	MintTimeMs int64  `json:"mintTimeMs"`
}

type ProductSnapshot struct {
	Name      string          `json:"name"`
	SellPrice decimal.Decimal `json:"sellPrice"`
}

type CreateOrderMessage struct {
	OrderID         int64           `json:"orderId"`
	Identity        string          `json:"identity"`
	ProductID       int64           `json:"productId"`
	Token           string          `json:"token"`
	ProductSnapshot ProductSnapshot `json:"productSnapshot"`
}

type TimeoutCheckMessage struct {
	OrderID   int64  `json:"orderId"`
	ProductID int64  `json:"productId"`
	Identity  string `json:"identity"`
}

// PurchaseResult is the pending-result record clients poll after a purchase.
type PurchaseResult struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"orderId,omitempty,string"`
	Message string `json:"message,omitempty"`
}
