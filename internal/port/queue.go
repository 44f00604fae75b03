package port

import (
	"context"
	"time"

	"github.com/rl1809/seckill/internal/core/domain"
)

type OrderPublisher interface {
	// PublishCreateOrder durably enqueues an order for the async worker
	PublishCreateOrder(ctx context.Context, msg domain.CreateOrderMessage) error

	// PublishTimeoutCheck enqueues a message delivered to the timeout supervisor after delay
	PublishTimeoutCheck(ctx context.Context, msg domain.TimeoutCheckMessage, delay time.Duration) error
}

type IDGenerator interface {
	Next() (int64, error)
}
