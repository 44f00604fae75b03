// Package metrics holds the counters the purchase pipeline reports.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rl1809/seckill"

type Recorder struct {
	purchases        metric.Int64Counter
	ledgerDivergence metric.Int64Counter
	persistFailures  metric.Int64Counter
	timeouts         metric.Int64Counter
	rateLimited      metric.Int64Counter
	compensations    metric.Int64Counter
}

// New registers the counters on the given provider. A nil provider uses the
// global one, which is a no-op until telemetry is configured.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)

	var r Recorder
	var err error
	if r.purchases, err = m.Int64Counter("seckill_purchase_total",
		metric.WithDescription("Purchase attempts by outcome")); err != nil {
		return nil, err
	}
	if r.ledgerDivergence, err = m.Int64Counter("seckill_ledger_divergence_total",
		metric.WithDescription("Reservations whose persisted stock decrement found no stock")); err != nil {
		return nil, err
	}
	if r.persistFailures, err = m.Int64Counter("seckill_order_persist_failures_total",
		metric.WithDescription("Orders abandoned by the async worker")); err != nil {
		return nil, err
	}
	if r.timeouts, err = m.Int64Counter("seckill_order_timeouts_total",
		metric.WithDescription("Unpaid orders cancelled by the timeout supervisor")); err != nil {
		return nil, err
	}
	if r.rateLimited, err = m.Int64Counter("seckill_rate_limited_total",
		metric.WithDescription("Requests rejected by the admission limiter")); err != nil {
		return nil, err
	}
	if r.compensations, err = m.Int64Counter("seckill_stock_restored_total",
		metric.WithDescription("Ledger restores by reason")); err != nil {
		return nil, err
	}
	return &r, nil
}

// Nop returns a recorder backed by the global provider. It never fails.
func Nop() *Recorder {
	r, err := New(nil)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Recorder) Purchase(ctx context.Context, outcome string) {
	r.purchases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) LedgerDivergence(ctx context.Context, productID int64) {
	r.ledgerDivergence.Add(ctx, 1, metric.WithAttributes(attribute.Int64("product_id", productID)))
}

func (r *Recorder) PersistFailure(ctx context.Context, reason string) {
	r.persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Recorder) Timeout(ctx context.Context) {
	r.timeouts.Add(ctx, 1)
}

func (r *Recorder) RateLimited(ctx context.Context, route string) {
	r.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

func (r *Recorder) StockRestored(ctx context.Context, reason string) {
	r.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
