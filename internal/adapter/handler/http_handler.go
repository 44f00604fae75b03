package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/core/service"
)

type OrderService interface {
	Purchase(ctx context.Context, identity string, productID int64) (int64, error)
	Result(ctx context.Context, identity string, productID int64) (domain.PurchaseResult, error)
	CancelOrder(ctx context.Context, identity string, orderID int64) error
	ConfirmPayment(ctx context.Context, orderID int64) error
	ListOrders(ctx context.Context, identity string) ([]service.OrderView, error)
}

type Catalog interface {
	ListSlot(ctx context.Context, hour int) ([]service.SlotProduct, error)
	CurrentSlot() int
}

type HTTPHandler struct {
	orders  OrderService
	catalog Catalog
	logger  *zap.Logger
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	OrderID int64  `json:"order_id,omitempty,string"`
	Data    any    `json:"data,omitempty"`
}

type productJSON struct {
	ID          int64     `json:"id,string"`
	Name        string    `json:"name"`
	BasePrice   string    `json:"base_price"`
	SellPrice   string    `json:"sell_price"`
	Stock       int       `json:"stock"`
	TotalStock  int       `json:"total_stock"`
	SoldPercent int       `json:"sold_percent"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

type orderJSON struct {
	ID               int64      `json:"order_id,string"`
	ProductID        int64      `json:"product_id,string"`
	ProductName      string     `json:"product_name"`
	SellPrice        string     `json:"sell_price"`
	Quantity         int        `json:"quantity"`
	TotalAmount      string     `json:"total_amount"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

func NewHTTPHandler(orders OrderService, catalog Catalog, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, catalog: catalog, logger: logger}
}

// Register mounts the API on e. Every /api route resolves the caller's
// identity first; the buy route is additionally wrapped by limit. The
// payment callback comes from the gateway, not a visitor, and is guarded by
// notify instead.
func (h *HTTPHandler) Register(e *echo.Echo, identity, limit, notify echo.MiddlewareFunc) {
	e.GET("/health", h.HealthCheck)
	e.POST("/api/payments/notify", h.PaymentNotify, notify)

	api := e.Group("/api", identity)
	api.POST("/seckill/:productId/buy", h.Purchase, limit)
	api.GET("/seckill/:productId/result", h.Result)
	api.GET("/products", h.ListProducts)
	api.GET("/orders", h.ListOrders)
	api.POST("/orders/:orderId/cancel", h.CancelOrder)
}

func (h *HTTPHandler) Purchase(c echo.Context) error {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil || productID <= 0 {
		return c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid product id"})
	}

	orderID, err := h.orders.Purchase(c.Request().Context(), identityOf(c), productID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, response{Code: http.StatusOK, Message: "order accepted, awaiting payment", OrderID: orderID})
}

func (h *HTTPHandler) Result(c echo.Context) error {
	productID, err := strconv.ParseInt(c.Param("productId"), 10, 64)
	if err != nil || productID <= 0 {
		return c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid product id"})
	}

	result, err := h.orders.Result(c.Request().Context(), identityOf(c), productID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, response{
		Code:    http.StatusOK,
		Message: result.Message,
		OrderID: result.OrderID,
		Data:    echo.Map{"success": result.Success},
	})
}

func (h *HTTPHandler) ListProducts(c echo.Context) error {
	slot := h.catalog.CurrentSlot()
	if raw := c.QueryParam("slot"); raw != "" {
		hour, err := strconv.Atoi(raw)
		if err != nil || hour < 0 || hour > 23 {
			return c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid slot"})
		}
		slot = domain.CurrentSlot(hour)
	}

	products, err := h.catalog.ListSlot(c.Request().Context(), slot)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]productJSON, 0, len(products))
	for _, p := range products {
		out = append(out, productJSON{
			ID:          p.ID,
			Name:        p.Name,
			BasePrice:   p.BasePrice.StringFixed(2),
			SellPrice:   p.SellPrice.StringFixed(2),
			Stock:       p.Stock,
			TotalStock:  p.TotalStock,
			SoldPercent: p.SoldPercent,
			Status:      p.Status.String(),
			StartTime:   p.StartTime,
			EndTime:     p.EndTime,
		})
	}
	return c.JSON(http.StatusOK, response{
		Code:    http.StatusOK,
		Message: "ok",
		Data:    echo.Map{"slot": slot, "slots": domain.SlotHours, "products": out},
	})
}

func (h *HTTPHandler) ListOrders(c echo.Context) error {
	views, err := h.orders.ListOrders(c.Request().Context(), identityOf(c))
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]orderJSON, 0, len(views))
	for _, v := range views {
		out = append(out, orderJSON{
			ID:               v.ID,
			ProductID:        v.ProductID,
			ProductName:      v.ProductName,
			SellPrice:        v.SellPrice.StringFixed(2),
			Quantity:         v.Quantity,
			TotalAmount:      v.TotalAmount.StringFixed(2),
			Status:           v.Status.String(),
			CreatedAt:        v.CreatedAt,
			PaidAt:           v.PaidAt,
			CancelledAt:      v.CancelledAt,
			RemainingSeconds: int64(v.RemainingPayment / time.Second),
		})
	}
	return c.JSON(http.StatusOK, response{Code: http.StatusOK, Message: "ok", Data: out})
}

func (h *HTTPHandler) CancelOrder(c echo.Context) error {
	orderID, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		return c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Message: "invalid order id"})
	}
	if err := h.orders.CancelOrder(c.Request().Context(), identityOf(c), orderID); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, response{Code: http.StatusOK, Message: "order cancelled, stock restored", OrderID: orderID})
}

type paymentNotification struct {
	OutTradeNo  string `json:"out_trade_no" form:"out_trade_no"`
	TradeStatus string `json:"trade_status" form:"trade_status"`
}

// PaymentNotify receives the payment gateway's asynchronous notification and
// answers in the gateway's plain text protocol: "success" stops redelivery,
// "fail" asks for it.
func (h *HTTPHandler) PaymentNotify(c echo.Context) error {
	var n paymentNotification
	if err := c.Bind(&n); err != nil {
		return c.String(http.StatusOK, "fail")
	}
	if n.TradeStatus != "TRADE_SUCCESS" && n.TradeStatus != "TRADE_FINISHED" {
		h.logger.Info("payment not completed", zap.String("out_trade_no", n.OutTradeNo), zap.String("trade_status", n.TradeStatus))
		return c.String(http.StatusOK, "success")
	}

	orderID, err := strconv.ParseInt(n.OutTradeNo, 10, 64)
	if err != nil {
		return c.String(http.StatusOK, "fail")
	}

	err = h.orders.ConfirmPayment(c.Request().Context(), orderID)
	switch {
	case err == nil:
		return c.String(http.StatusOK, "success")
	case errors.Is(err, domain.ErrOrderNotPayable):
		// Paid after cancellation. Settling the refund happens outside this service.
		h.logger.Warn("payment for an order no longer payable", zap.Int64("order_id", orderID))
		return c.String(http.StatusOK, "success")
	default:
		h.logger.Error("confirm payment failed", zap.Int64("order_id", orderID), zap.Error(err))
		return c.String(http.StatusOK, "fail")
	}
}

func (h *HTTPHandler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) fail(c echo.Context, err error) error {
	status, message := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, response{Code: status, Message: message})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, domain.ErrSaleNotActive):
		return http.StatusBadRequest, "sale has not started or has ended"
	case errors.Is(err, domain.ErrSoldOut):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrAlreadyReserved):
		return http.StatusConflict, "already purchased"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests, please retry shortly"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, domain.ErrOrderNotCancellable):
		return http.StatusConflict, "order can no longer be cancelled"
	case errors.Is(err, domain.ErrOrderNotPayable):
		return http.StatusConflict, "order can no longer be paid"
	case errors.Is(err, domain.ErrResultNotFound):
		return http.StatusNotFound, "no purchase in progress"
	}
	return http.StatusInternalServerError, "internal error"
}
