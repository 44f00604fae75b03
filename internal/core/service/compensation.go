package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
)

// canceller moves an unpaid order to Cancelled and hands its unit back to the
// ledger. The two steps are retried separately: once the database cancel is
// committed, only the ledger restore is attempted again.
type canceller struct {
	deps   Deps
	policy Policy
	logger *zap.Logger
}

func newCanceller(deps Deps, policy Policy, logger *zap.Logger) *canceller {
	return &canceller{deps: deps, policy: policy, logger: logger}
}

// cancel reports whether this call performed the cancellation. False with a
// nil error means another writer settled the order first.
func (c *canceller) cancel(ctx context.Context, order domain.Order, reason string) (bool, error) {
	logger := c.logger.With(
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID),
		zap.String("identity", order.Identity),
	)

	var cancelled bool
	attempt := 0
	err := retry(ctx, c.policy, logger, func() error {
		attempt++
		ok, err := c.deps.Orders.CancelOrder(ctx, order.ID, c.deps.Clock.Now())
		if err != nil {
			return err
		}
		// A failed attempt may still have committed.
		if !ok && attempt > 1 {
			if ok, err = c.cancelledEarlier(ctx, order.ID); err != nil {
				return err
			}
		}
		cancelled = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel order %d: %w", order.ID, err)
	}
	if !cancelled {
		logger.Info("order already settled, nothing to cancel")
		return false, nil
	}

	if err := restore(ctx, c.deps, c.policy, logger, order.ProductID, order.Identity, reason); err != nil {
		return true, err
	}
	logger.Info("order cancelled", zap.String("reason", reason))
	return true, nil
}

// cancelledEarlier reports whether the order is already Cancelled, which
// after a failed attempt means that attempt's commit went through. A
// concurrent canceller may also match; restoring twice is a no-op.
func (c *canceller) cancelledEarlier(ctx context.Context, orderID int64) (bool, error) {
	o, err := c.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	return o.Status == domain.OrderStatusCancelled && o.CancelledAt != nil, nil
}

// restore returns a reservation to the ledger under policy.
func restore(ctx context.Context, deps Deps, policy Policy, logger *zap.Logger, productID int64, identity, reason string) error {
	var restored bool
	err := retry(ctx, policy, logger, func() error {
		ok, err := deps.Ledger.Restore(ctx, productID, identity)
		if err != nil {
			return err
		}
		restored = ok
		return nil
	})
	if err != nil {
		logger.Error("restore reservation failed", zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("restore reservation: %w", err)
	}
	if restored {
		deps.Metrics.StockRestored(ctx, reason)
	} else {
		logger.Warn("no reservation to restore", zap.String("reason", reason))
	}
	return nil
}
