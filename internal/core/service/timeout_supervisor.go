package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
)

// TimeoutSupervisor cancels orders still unpaid when their timeout check
// comes due.
type TimeoutSupervisor struct {
	deps      Deps
	cfg       Config
	canceller *canceller
	logger    *zap.Logger
}

func NewTimeoutSupervisor(deps Deps, cfg Config) *TimeoutSupervisor {
	deps = deps.withDefaults()
	logger := deps.Logger.Named("timeout_supervisor")
	return &TimeoutSupervisor{
		deps:      deps,
		cfg:       cfg,
		canceller: newCanceller(deps, cfg.Timeout, logger),
		logger:    logger,
	}
}

// HandleTimeout is safe to call any number of times for the same order: only
// an order still awaiting payment is cancelled, and only once.
func (t *TimeoutSupervisor) HandleTimeout(ctx context.Context, msg domain.TimeoutCheckMessage) error {
	ctx, span := tracer.Start(ctx, "TimeoutSupervisor.HandleTimeout", trace.WithAttributes(
		attribute.Int64("order_id", msg.OrderID),
	))
	defer span.End()

	logger := t.logger.With(zap.Int64("order_id", msg.OrderID), zap.Int64("product_id", msg.ProductID))

	var order *domain.Order
	err := retry(ctx, t.cfg.Timeout, logger, func() error {
		o, err := t.deps.Orders.GetOrder(ctx, msg.OrderID)
		if errors.Is(err, domain.ErrOrderNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if errors.Is(err, domain.ErrOrderNotFound) {
		logger.Warn("timeout check for unknown order")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("load order failed", zap.Error(err))
		return fmt.Errorf("load order %d: %w", msg.OrderID, err)
	}

	if order.Status != domain.OrderStatusAwaitingPayment {
		logger.Debug("order settled before timeout", zap.Stringer("status", order.Status))
		return nil
	}

	// Checks delivered early go back on the delay queue for the rest of the window.
	if left := order.RemainingPaymentTime(t.deps.Clock.Now(), t.cfg.PaymentTimeout); left > 0 {
		if err := t.deps.Publisher.PublishTimeoutCheck(ctx, msg, left); err != nil {
			logger.Error("reschedule timeout check failed, message will be redelivered", zap.Error(err))
			return fmt.Errorf("reschedule timeout: %w: %w", domain.ErrRetryLater, err)
		}
		logger.Info("timeout check arrived early, rescheduled", zap.Duration("remaining", left))
		return nil
	}

	cancelled, err := t.canceller.cancel(ctx, *order, "timeout")
	if cancelled {
		t.deps.Metrics.Timeout(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
