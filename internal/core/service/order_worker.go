package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
)

// OrderWorker turns queued reservations into persisted orders.
type OrderWorker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

func NewOrderWorker(deps Deps, cfg Config) *OrderWorker {
	deps = deps.withDefaults()
	return &OrderWorker{deps: deps, cfg: cfg, logger: deps.Logger.Named("order_worker")}
}

// HandleCreateOrder consumes the message's token, persists the order and
// schedules its payment timeout. When the order cannot be persisted the
// reservation is restored and a failed result is recorded before the error
// is returned. A timeout check that cannot be published fails the message
// with domain.ErrRetryLater so the redelivery schedules it.
func (w *OrderWorker) HandleCreateOrder(ctx context.Context, msg domain.CreateOrderMessage) error {
	ctx, span := tracer.Start(ctx, "OrderWorker.HandleCreateOrder", trace.WithAttributes(
		attribute.Int64("order_id", msg.OrderID),
		attribute.Int64("product_id", msg.ProductID),
	))
	defer span.End()

	logger := w.logger.With(
		zap.Int64("order_id", msg.OrderID),
		zap.Int64("product_id", msg.ProductID),
		zap.String("identity", msg.Identity),
	)

	err := w.persist(ctx, msg, logger)
	switch {
	case errors.Is(err, errAlreadyPersisted):
		// The earlier delivery may have committed without scheduling its
		// timeout check. Duplicate checks are harmless.
		logger.Info("order already persisted, rescheduling timeout check")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.abandon(ctx, msg, err, logger)
		return err
	default:
		logger.Info("order created")
	}

	if err := w.scheduleTimeout(ctx, msg, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

var errAlreadyPersisted = errors.New("order already persisted")

func (w *OrderWorker) persist(ctx context.Context, msg domain.CreateOrderMessage, logger *zap.Logger) error {
	err := retry(ctx, w.cfg.Persist, logger, func() error {
		_, err := w.deps.Tokens.Consume(ctx, msg.Token, msg.Identity, msg.ProductID)
		if errors.Is(err, domain.ErrInvalidOrExpiredToken) {
			return backoff.Permanent(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrInvalidOrExpiredToken) && !errors.Is(err, domain.ErrTokenMismatch) && w.exists(ctx, msg.OrderID) {
		return errAlreadyPersisted
	}
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}

	price := msg.ProductSnapshot.SellPrice
	order := domain.Order{
		ID:          msg.OrderID,
		Identity:    msg.Identity,
		ProductID:   msg.ProductID,
		ProductName: msg.ProductSnapshot.Name,
		SellPrice:   price,
		Quantity:    1,
		TotalAmount: price.Mul(decimal.NewFromInt(1)),
		Status:      domain.OrderStatusAwaitingPayment,
		CreatedAt:   w.deps.Clock.Now(),
	}

	attempt := 0
	err = retry(ctx, w.cfg.Persist, logger, func() error {
		attempt++
		// A failed attempt may still have committed.
		if attempt > 1 && w.exists(ctx, order.ID) {
			return nil
		}
		err := w.deps.Orders.CreateOrder(ctx, order)
		if errors.Is(err, domain.ErrPersistenceConflict) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (w *OrderWorker) exists(ctx context.Context, orderID int64) bool {
	_, err := w.deps.Orders.GetOrder(ctx, orderID)
	return err == nil
}

func (w *OrderWorker) abandon(ctx context.Context, msg domain.CreateOrderMessage, cause error, logger *zap.Logger) {
	reason, message := "transient", msgFailed
	switch {
	case errors.Is(cause, domain.ErrPersistenceConflict):
		reason, message = "conflict", msgSoldOut
		w.deps.Metrics.LedgerDivergence(ctx, msg.ProductID)
		logger.Error("ledger and persisted stock diverged", zap.Error(cause))
	case errors.Is(cause, domain.ErrInvalidOrExpiredToken):
		reason, message = "invalid_token", msgExpired
		logger.Warn("order token rejected", zap.Error(cause))
	default:
		logger.Error("order persistence failed", zap.Error(cause))
	}
	w.deps.Metrics.PersistFailure(ctx, reason)

	_ = restore(ctx, w.deps, w.cfg.Persist, logger, msg.ProductID, msg.Identity, "persist_failed")

	result := domain.PurchaseResult{Message: message}
	if err := w.deps.Results.SetResult(ctx, msg.Identity, msg.ProductID, result, w.cfg.ResultTTL); err != nil {
		logger.Warn("write purchase result failed", zap.Error(err))
	}
}

func (w *OrderWorker) scheduleTimeout(ctx context.Context, msg domain.CreateOrderMessage, logger *zap.Logger) error {
	check := domain.TimeoutCheckMessage{
		OrderID:   msg.OrderID,
		ProductID: msg.ProductID,
		Identity:  msg.Identity,
	}
	err := retry(ctx, w.cfg.Persist, logger, func() error {
		return w.deps.Publisher.PublishTimeoutCheck(ctx, check, w.cfg.PaymentTimeout)
	})
	if err != nil {
		logger.Error("schedule payment timeout failed, message will be redelivered", zap.Error(err))
		return fmt.Errorf("schedule timeout: %w: %w", domain.ErrRetryLater, err)
	}
	return nil
}
