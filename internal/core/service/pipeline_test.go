package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/seckill/internal/adapter/storage"
	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/core/snowflake"
	"github.com/rl1809/seckill/internal/metrics/metricstest"
)

// redisPipeline wires the real Redis adapters over miniredis with in-memory
// order storage and queue.
type redisPipeline struct {
	ledger    *storage.RedisAdapter
	orders    *fakeOrders
	publisher *fakePublisher
	clock     *clock.Manual
	catalog   *CatalogService
	service   *OrderService
	worker    *OrderWorker
	timeouts  *TimeoutSupervisor
}

func newRedisPipeline(t *testing.T, products ...domain.Product) *redisPipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewManual(time.Now().Truncate(time.Second))
	ids, err := snowflake.NewGenerator(1, 1, clock.NewSystem())
	require.NoError(t, err)
	filter, err := storage.NewBloomFilter(client, storage.BloomKey, 1000, 0.001)
	require.NoError(t, err)

	repo := &fakeProductRepo{products: map[int64]domain.Product{}}
	orders := newFakeOrders()
	for _, p := range products {
		repo.products[p.ID] = p
		orders.stock[p.ID] = p.Stock
	}

	ledger := storage.NewRedisAdapter(client)
	tokens := storage.NewRedisTokenStore(client, "test-secret", 300*time.Second)
	rec, _ := metricstest.NewRecorder(t)
	logger := zaptest.NewLogger(t)

	deps := Deps{
		Filter:    filter,
		Products:  ledger,
		Ledger:    ledger,
		Tokens:    tokens,
		Results:   tokens,
		IDs:       ids,
		Publisher: &fakePublisher{},
		Orders:    orders,
		Clock:     clk,
		Metrics:   rec,
		Logger:    logger,
	}
	cfg := DefaultConfig()
	cfg.Persist = Retries(3, 0)
	cfg.Timeout = Retries(3, 0)

	return &redisPipeline{
		ledger:    ledger,
		orders:    orders,
		publisher: deps.Publisher.(*fakePublisher),
		clock:     clk,
		catalog:   NewCatalogService(repo, ledger, filter, clk, 5*time.Minute, logger),
		service:   NewOrderService(deps, cfg),
		worker:    NewOrderWorker(deps, cfg),
		timeouts:  NewTimeoutSupervisor(deps, cfg),
	}
}

func saleProduct(id int64, stock int, now time.Time) domain.Product {
	return domain.Product{
		ID:         id,
		Name:       fmt.Sprintf("flash-%d", id),
		BasePrice:  decimal.RequireFromString("199.00"),
		SellPrice:  decimal.RequireFromString("99.00"),
		Stock:      stock,
		TotalStock: stock,
		StartTime:  now.Add(-time.Minute),
		EndTime:    now.Add(time.Hour),
		Status:     domain.ProductStatusActive,
	}
}

func TestPipeline_FlashSaleAgainstRedis(t *testing.T) {
	const (
		stock    = 10
		visitors = 60
	)
	now := time.Now().Truncate(time.Second)
	p := newRedisPipeline(t, saleProduct(1, stock, now))
	ctx := context.Background()

	n, err := p.catalog.WarmUp(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = p.service.Purchase(ctx, "U0", 404)
	require.ErrorIs(t, err, domain.ErrNotFound, "ids outside the catalog are filtered")

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[string]int{}
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.service.Purchase(ctx, fmt.Sprintf("U%d", i), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				outcomes["accepted"]++
			case errors.Is(err, domain.ErrSoldOut):
				outcomes["sold_out"]++
			default:
				outcomes[err.Error()]++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"accepted": stock, "sold_out": visitors - stock}, outcomes)
	left, err := p.ledger.Stock(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, left)

	for _, msg := range p.publisher.creates {
		require.NoError(t, p.worker.HandleCreateOrder(ctx, msg))
	}
	assert.Zero(t, p.orders.persistedStock(1))
	require.Len(t, p.publisher.checks, stock)

	first := p.publisher.creates[0]
	result, err := p.service.Result(ctx, first.Identity, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, first.OrderID, result.OrderID)

	// Nobody pays the first order.
	p.clock.Advance(300 * time.Second)
	require.NoError(t, p.timeouts.HandleTimeout(ctx, p.publisher.checks[0].msg))

	left, err = p.ledger.Stock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	assert.Equal(t, 1, p.orders.persistedStock(1))

	reserved, err := p.ledger.IsReserved(ctx, 1, first.Identity)
	require.NoError(t, err)
	assert.False(t, reserved)

	_, err = p.service.Purchase(ctx, "latecomer", 1)
	require.NoError(t, err)

	snapshot, err := p.ledger.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, snapshot.Stock)
	assert.Equal(t, 100, snapshot.SoldPercent())
}
