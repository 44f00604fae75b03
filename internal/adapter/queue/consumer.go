package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
)

// Handler processes one message body. A returned error rejects the message
// without requeue, unless it wraps domain.ErrRetryLater.
type Handler func(ctx context.Context, body []byte) error

// JSONHandler decodes the body into T before calling fn.
func JSONHandler[T any](fn func(context.Context, T) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var msg T
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		return fn(ctx, msg)
	}
}

type Consumer struct {
	url      string
	queue    string
	workers  int
	prefetch int
	handler  Handler
	logger   *zap.Logger
}

func NewConsumer(url, queue string, workers, prefetch int, handler Handler, logger *zap.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		url:      url,
		queue:    queue,
		workers:  workers,
		prefetch: prefetch,
		handler:  handler,
		logger:   logger.With(zap.String("queue", queue)),
	}
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff whenever the broker goes away. In-flight messages are finished
// before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	wait := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return nil
			}
			if wait < 30*time.Second {
				wait *= 2
			}
			continue
		}
		wait = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		c.logger.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn("set qos failed", zap.Error(err))
	}
	if err := DeclareTopology(ch); err != nil {
		return err
	}

	tag := "seckill-" + c.queue
	deliveries, err := ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Info("consuming", zap.Int("workers", c.workers))

	handleCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.dispatch(handleCtx, d)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		<-stopped
		return nil
	case <-stopped:
		return errors.New("deliveries channel closed")
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	if err := c.handler(ctx, d.Body); err != nil {
		requeue := errors.Is(err, domain.ErrRetryLater)
		c.logger.Error("handle message failed",
			zap.String("message_id", d.MessageId),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
