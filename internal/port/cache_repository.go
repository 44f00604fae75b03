package port

import (
	"context"
	"time"

	"github.com/rl1809/seckill/internal/core/domain"
)

type StockLedger interface {
	// Reserve atomically checks the identity, checks stock, decrements and records the identity
	Reserve(ctx context.Context, productID int64, identity string) (domain.ReserveResult, error)

	// Restore reverses a reservation; returns false if the identity held none
	Restore(ctx context.Context, productID int64, identity string) (bool, error)
}

type ProductCache interface {
	// GetProduct returns the read-side snapshot, domain.ErrNotFound if absent
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)

	// SaveProduct writes the snapshot and seeds the stock counter if missing
	SaveProduct(ctx context.Context, product domain.Product, slot int, expireAt time.Time) error

	// SetProductStatus updates the status field of an existing snapshot
	SetProductStatus(ctx context.Context, productID int64, status domain.ProductStatus) error

	// SlotProducts lists product ids scheduled in a slot hour
	SlotProducts(ctx context.Context, slot int) ([]int64, error)
}

type TokenStore interface {
	// Mint stores claims under a derived digest and returns the digest
	Mint(ctx context.Context, claims domain.TokenClaims) (string, error)

	// Consume checks the token against identity and productID, then deletes it.
	// domain.ErrInvalidOrExpiredToken if absent or already consumed,
	// domain.ErrTokenMismatch (token left in place) if the claims differ
	Consume(ctx context.Context, token, identity string, productID int64) (domain.TokenClaims, error)
}

type ResultStore interface {
	SetResult(ctx context.Context, identity string, productID int64, result domain.PurchaseResult, ttl time.Duration) error

	// GetResult returns domain.ErrResultNotFound when nothing is pending
	GetResult(ctx context.Context, identity string, productID int64) (domain.PurchaseResult, error)
}

type MembershipFilter interface {
	Add(ctx context.Context, item string) error
	AddMany(ctx context.Context, items []string) error
	Contains(ctx context.Context, item string) (bool, error)
}

type Limiter interface {
	// Allow records a request and reports whether it is within the window threshold
	Allow(ctx context.Context, identity, route string) (bool, error)
}
