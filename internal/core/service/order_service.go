// Package service holds the purchase pipeline: the synchronous admission
// path, the asynchronous order worker, the payment timeout supervisor and the
// catalog jobs that keep the volatile store in step with the database.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/metrics"
	"github.com/rl1809/seckill/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/seckill/internal/core/service")

const (
	msgQueued        = "order queued"
	msgSoldOut       = "sold out"
	msgExpired       = "order expired, please try again"
	msgFailed        = "order could not be created, please try again"
	msgNotQueued     = "order could not be queued, please try again"
	outcomeAccepted  = "accepted"
	outcomeNotFound  = "not_found"
	outcomeInactive  = "sale_not_active"
	outcomeSoldOut   = "sold_out"
	outcomeDuplicate = "already_reserved"
	outcomeError     = "error"
)

type Config struct {
	PaymentTimeout   time.Duration
	ResultTTL        time.Duration
	SoldOutResultTTL time.Duration
	Persist          Policy
	Timeout          Policy
}

func DefaultConfig() Config {
	return Config{
		PaymentTimeout:   300 * time.Second,
		ResultTTL:        300 * time.Second,
		SoldOutResultTTL: 60 * time.Second,
		Persist:          Retries(3, 2*time.Second),
		Timeout:          Retries(3, 5*time.Second),
	}
}

// Deps are the collaborators shared by the order service, the order worker
// and the timeout supervisor. Nil Clock, Metrics and Logger fall back to the
// system clock, a no-op recorder and a no-op logger.
type Deps struct {
	Filter    port.MembershipFilter
	Products  port.ProductCache
	Ledger    port.StockLedger
	Tokens    port.TokenStore
	Results   port.ResultStore
	IDs       port.IDGenerator
	Publisher port.OrderPublisher
	Orders    port.OrderRepository
	Clock     clock.Clock
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

type OrderService struct {
	deps      Deps
	cfg       Config
	canceller *canceller
	logger    *zap.Logger
}

func NewOrderService(deps Deps, cfg Config) *OrderService {
	deps = deps.withDefaults()
	logger := deps.Logger.Named("order_service")
	return &OrderService{
		deps: deps,
		cfg:  cfg,
		// Client-facing cancels run once; the payment timeout still follows up.
		canceller: newCanceller(deps, Policy{Attempts: 1}, logger),
		logger:    logger,
	}
}

// Purchase admits one unit of productID to identity. On success the order id
// is returned immediately and the order itself is created asynchronously.
func (s *OrderService) Purchase(ctx context.Context, identity string, productID int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "OrderService.Purchase", trace.WithAttributes(
		attribute.String("identity", identity),
		attribute.Int64("product_id", productID),
	))
	defer span.End()

	orderID, err := s.purchase(ctx, identity, productID)
	s.deps.Metrics.Purchase(ctx, outcome(err))
	if err != nil && !domain.IsUserOutcome(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err == nil {
		span.SetAttributes(attribute.Int64("order_id", orderID))
	}
	return orderID, err
}

func (s *OrderService) purchase(ctx context.Context, identity string, productID int64) (int64, error) {
	known, err := s.deps.Filter.Contains(ctx, strconv.FormatInt(productID, 10))
	if err != nil {
		return 0, fmt.Errorf("membership check: %w", err)
	}
	if !known {
		return 0, domain.ErrNotFound
	}

	product, err := s.deps.Products.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product.Status != domain.ProductStatusActive {
		return 0, domain.ErrSaleNotActive
	}

	res, err := s.deps.Ledger.Reserve(ctx, productID, identity)
	if err != nil {
		return 0, fmt.Errorf("reserve: %w", err)
	}
	switch res {
	case domain.ReserveSuccess:
	case domain.ReserveSoldOut:
		s.setResult(ctx, identity, productID, domain.PurchaseResult{Message: msgSoldOut}, s.cfg.SoldOutResultTTL)
		return 0, domain.ErrSoldOut
	case domain.ReserveAlreadyReserved:
		return 0, domain.ErrAlreadyReserved
	default:
		return 0, fmt.Errorf("reserve: unexpected result %d", res)
	}

	orderID, err := s.deps.IDs.Next()
	if err != nil {
		s.release(ctx, productID, identity, "id_generation")
		return 0, fmt.Errorf("generate order id: %w", err)
	}

	token, err := s.deps.Tokens.Mint(ctx, domain.TokenClaims{
		Identity:   identity,
		ProductID:  productID,
		MintTimeMs: s.deps.Clock.Now().UnixMilli(),
	})
	if err != nil {
		s.release(ctx, productID, identity, "token_mint")
		return 0, fmt.Errorf("mint token: %w", err)
	}

	// The pending result goes in before the message so a fast worker failure
	// is never overwritten by it.
	s.setResult(ctx, identity, productID, domain.PurchaseResult{Success: true, OrderID: orderID, Message: msgQueued}, s.cfg.ResultTTL)

	err = s.deps.Publisher.PublishCreateOrder(ctx, domain.CreateOrderMessage{
		OrderID:   orderID,
		Identity:  identity,
		ProductID: productID,
		Token:     token,
		ProductSnapshot: domain.ProductSnapshot{
			Name:      product.Name,
			SellPrice: product.SellPrice,
		},
	})
	if err != nil {
		s.release(ctx, productID, identity, "publish")
		s.setResult(ctx, identity, productID, domain.PurchaseResult{Message: msgNotQueued}, s.cfg.ResultTTL)
		return 0, fmt.Errorf("publish order: %w", err)
	}

	return orderID, nil
}

// release gives a reservation back after the purchase failed past Reserve.
func (s *OrderService) release(ctx context.Context, productID int64, identity, reason string) {
	logger := s.logger.With(zap.Int64("product_id", productID), zap.String("identity", identity))
	_ = restore(ctx, s.deps, Policy{Attempts: 1}, logger, productID, identity, reason)
}

func (s *OrderService) setResult(ctx context.Context, identity string, productID int64, r domain.PurchaseResult, ttl time.Duration) {
	if err := s.deps.Results.SetResult(ctx, identity, productID, r, ttl); err != nil {
		s.logger.Warn("write purchase result failed",
			zap.Int64("product_id", productID),
			zap.String("identity", identity),
			zap.Error(err),
		)
	}
}

// Result returns the latest purchase result recorded for identity and product.
func (s *OrderService) Result(ctx context.Context, identity string, productID int64) (domain.PurchaseResult, error) {
	return s.deps.Results.GetResult(ctx, identity, productID)
}

// CancelOrder cancels an order the identity owns while it still awaits
// payment, returning its unit to both stores.
func (s *OrderService) CancelOrder(ctx context.Context, identity string, orderID int64) error {
	order, err := s.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Identity != identity {
		return domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		return domain.ErrOrderNotCancellable
	}

	cancelled, err := s.canceller.cancel(ctx, *order, "user_cancel")
	if err != nil {
		return err
	}
	if !cancelled {
		return domain.ErrOrderNotCancellable
	}
	return nil
}

// ConfirmPayment marks an order paid. Repeated notifications for a paid
// order succeed without changing anything.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID int64) error {
	paid, err := s.deps.Orders.MarkPaid(ctx, orderID, s.deps.Clock.Now())
	if err != nil {
		return err
	}
	if paid {
		s.logger.Info("order paid", zap.Int64("order_id", orderID))
		return nil
	}

	order, err := s.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusPaid {
		return nil
	}
	return domain.ErrOrderNotPayable
}

type OrderView struct {
	domain.Order
	RemainingPayment time.Duration
}

// ListOrders returns the identity's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, identity string) ([]OrderView, error) {
	orders, err := s.deps.Orders.ListOrders(ctx, identity)
	if err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, OrderView{
			Order:            o,
			RemainingPayment: o.RemainingPaymentTime(now, s.cfg.PaymentTimeout),
		})
	}
	return views, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeAccepted
	case errors.Is(err, domain.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, domain.ErrSaleNotActive):
		return outcomeInactive
	case errors.Is(err, domain.ErrSoldOut):
		return outcomeSoldOut
	case errors.Is(err, domain.ErrAlreadyReserved):
		return outcomeDuplicate
	}
	return outcomeError
}
