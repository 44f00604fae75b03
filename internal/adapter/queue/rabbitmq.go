// Package queue carries order messages over RabbitMQ.
//
// Topology (default exchange, all queues durable):
//
//	seckill.order.create         order creation, consumed by the order worker
//	seckill.order.timeout.delay  parking queue, messages expire into ...
//	seckill.order.timeout        timeout checks, consumed by the timeout supervisor
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/core/domain"
)

const (
	QueueCreateOrder  = "seckill.order.create"
	QueueOrderTimeout = "seckill.order.timeout"
	QueueTimeoutDelay = "seckill.order.timeout.delay"
)

var (
	ErrNotConfirmed      = errors.New("publish not confirmed by broker")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// DeclareTopology declares every queue the service uses. It is idempotent.
func DeclareTopology(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(QueueCreateOrder, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", QueueCreateOrder, err)
	}
	if _, err := ch.QueueDeclare(QueueOrderTimeout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", QueueOrderTimeout, err)
	}
	if _, err := ch.QueueDeclare(QueueTimeoutDelay, true, false, false, false, delayQueueArgs()); err != nil {
		return fmt.Errorf("declare %s: %w", QueueTimeoutDelay, err)
	}
	return nil
}

func delayQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": QueueOrderTimeout,
	}
}

func newPublishing(body []byte, delay time.Duration) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if delay > 0 {
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return pub
}

const (
	minRedialWait = time.Second
	maxRedialWait = 30 * time.Second
)

// Publisher publishes with broker confirms on a single channel. A lost
// connection is re-dialed on the next publish; while the broker stays away,
// dials are spaced with capped exponential backoff and publishes in between
// fail fast with ErrBrokerUnavailable.
type Publisher struct {
	url    string
	dial   func(url string) (*amqp.Connection, error)
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	wait     time.Duration
	nextDial time.Time
}

// NewPublisher dials url and fails if the broker is not reachable at start-up.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	p := newPublisher(url, amqp.Dial, logger)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureChannel(); err != nil {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return nil, err
	}
	return p, nil
}

func newPublisher(url string, dial func(string) (*amqp.Connection, error), logger *zap.Logger) *Publisher {
	return &Publisher{url: url, dial: dial, now: time.Now, logger: logger, wait: minRedialWait}
}

// ensureChannel must be called with p.mu held.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		if err := p.redial(); err != nil {
			return err
		}
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		_ = ch.Close()
		return err
	}
	p.ch = ch
	return nil
}

func (p *Publisher) redial() error {
	if now := p.now(); now.Before(p.nextDial) {
		return fmt.Errorf("%w: next dial in %s", ErrBrokerUnavailable, p.nextDial.Sub(now))
	}
	conn, err := p.dial(p.url)
	if err != nil {
		p.logger.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", p.wait))
		p.nextDial = p.now().Add(p.wait)
		p.wait = min(p.wait*2, maxRedialWait)
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if p.conn != nil {
		p.logger.Info("rabbitmq publisher reconnected")
	}
	p.conn = conn
	p.ch = nil
	p.wait = minRedialWait
	p.nextDial = time.Time{}
	return nil
}

func (p *Publisher) PublishCreateOrder(ctx context.Context, msg domain.CreateOrderMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal create order: %w", err)
	}
	return p.publish(ctx, QueueCreateOrder, newPublishing(body, 0))
}

func (p *Publisher) PublishTimeoutCheck(ctx context.Context, msg domain.TimeoutCheckMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal timeout check: %w", err)
	}
	return p.publish(ctx, QueueTimeoutDelay, newPublishing(body, delay))
}

func (p *Publisher) publish(ctx context.Context, queue string, pub amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, pub)
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: %w", queue, ErrNotConfirmed)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
