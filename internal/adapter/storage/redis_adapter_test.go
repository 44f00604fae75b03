package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/seckill/internal/core/domain"
)

func getRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testProduct(id int64, stock int) domain.Product {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.Product{
		ID:         id,
		Name:       "iPhone 15",
		BasePrice:  decimal.RequireFromString("999.00"),
		SellPrice:  decimal.RequireFromString("499.50"),
		Stock:      stock,
		TotalStock: stock,
		StartTime:  now.Add(-time.Minute),
		EndTime:    now.Add(time.Hour),
		Status:     domain.ProductStatusActive,
	}
}

func TestReserve_Success(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	require.NoError(t, adapter.SaveProduct(ctx, testProduct(1, 5), 10, time.Now().Add(time.Hour)))

	res, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReserveSuccess, res)

	stock, err := adapter.Stock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, stock)

	snap, err := adapter.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Stock, "snapshot mirrors the counter")

	reserved, err := adapter.IsReserved(ctx, 1, "U1")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestReserve_AlreadyReserved(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	require.NoError(t, adapter.SetStock(ctx, 1, 5))

	first, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)
	second, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)

	assert.Equal(t, domain.ReserveSuccess, first)
	assert.Equal(t, domain.ReserveAlreadyReserved, second)

	stock, _ := adapter.Stock(ctx, 1)
	assert.Equal(t, 4, stock, "counter decremented exactly once")
}

func TestReserve_SoldOut(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	require.NoError(t, adapter.SetStock(ctx, 1, 0))

	res, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReserveSoldOut, res)

	reserved, _ := adapter.IsReserved(ctx, 1, "U1")
	assert.False(t, reserved)
}

func TestReserve_MissingCounterIsSoldOut(t *testing.T) {
	client, _ := getRedisClient(t)
	adapter := NewRedisAdapter(client)

	res, err := adapter.Reserve(context.Background(), 99, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReserveSoldOut, res)
}

func TestReserve_LastUnitTwoCallers(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	require.NoError(t, adapter.SetStock(ctx, 1, 1))

	var wg sync.WaitGroup
	results := make([]domain.ReserveResult, 2)
	for i, id := range []string{"U1", "U2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := adapter.Reserve(ctx, 1, id)
			if err != nil {
				t.Errorf("reserve %s: %v", id, err)
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	assert.ElementsMatch(t, []domain.ReserveResult{domain.ReserveSuccess, domain.ReserveSoldOut}, results)
}

func TestReserve_ConcurrentNoOversell(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	const stock = 50
	const buyers = 300
	require.NoError(t, adapter.SetStock(ctx, 1, stock))

	var success, soldOut atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := adapter.Reserve(ctx, 1, fmt.Sprintf("user-%d", i))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			switch res {
			case domain.ReserveSuccess:
				success.Add(1)
			case domain.ReserveSoldOut:
				soldOut.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, stock, success.Load())
	assert.EqualValues(t, buyers-stock, soldOut.Load())

	left, _ := adapter.Stock(ctx, 1)
	assert.Equal(t, 0, left)
	members, _ := client.SCard(ctx, userLimitKeyPrefix+"1").Result()
	assert.EqualValues(t, stock, members)
}

func TestRestore_RoundTrip(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	require.NoError(t, adapter.SaveProduct(ctx, testProduct(1, 3), 10, time.Now().Add(time.Hour)))

	_, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)

	restored, err := adapter.Restore(ctx, 1, "U1")
	require.NoError(t, err)
	assert.True(t, restored)

	stock, _ := adapter.Stock(ctx, 1)
	assert.Equal(t, 3, stock)
	snap, _ := adapter.GetProduct(ctx, 1)
	assert.Equal(t, 3, snap.Stock)

	res, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReserveSuccess, res, "identity may reserve again after restore")
}

func TestRestore_IsIdempotent(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	require.NoError(t, adapter.SetStock(ctx, 1, 2))

	_, err := adapter.Reserve(ctx, 1, "U1")
	require.NoError(t, err)

	first, err := adapter.Restore(ctx, 1, "U1")
	require.NoError(t, err)
	second, err := adapter.Restore(ctx, 1, "U1")
	require.NoError(t, err)
	stranger, err := adapter.Restore(ctx, 1, "U2")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, stranger)

	stock, _ := adapter.Stock(ctx, 1)
	assert.Equal(t, 2, stock)
}

func TestSaveProduct_KeepsLiveStock(t *testing.T) {
	client, mr := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	p := testProduct(7, 10)
	expireAt := time.Now().Add(2 * time.Hour)

	require.NoError(t, adapter.SaveProduct(ctx, p, 14, expireAt))
	_, err := adapter.Reserve(ctx, 7, "U1")
	require.NoError(t, err)

	p.Status = domain.ProductStatusEnded
	require.NoError(t, adapter.SaveProduct(ctx, p, 14, expireAt))

	snap, err := adapter.GetProduct(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Stock, "warm-up must not reset a live counter")
	assert.Equal(t, 10, snap.TotalStock)
	assert.Equal(t, domain.ProductStatusEnded, snap.Status)
	assert.Equal(t, "iPhone 15", snap.Name)
	assert.True(t, p.SellPrice.Equal(snap.SellPrice))
	assert.True(t, p.StartTime.Equal(snap.StartTime))
	assert.True(t, mr.TTL(productKeyPrefix+"7") > 0)

	ids, err := adapter.SlotProducts(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)
}

func TestGetProduct_NotFound(t *testing.T) {
	client, _ := getRedisClient(t)
	adapter := NewRedisAdapter(client)

	_, err := adapter.GetProduct(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetProductStatus(t *testing.T) {
	client, _ := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	p := testProduct(3, 1)
	p.Status = domain.ProductStatusPending
	require.NoError(t, adapter.SaveProduct(ctx, p, 8, time.Now().Add(time.Hour)))

	require.NoError(t, adapter.SetProductStatus(ctx, 3, domain.ProductStatusActive))
	require.NoError(t, adapter.SetProductStatus(ctx, 4, domain.ProductStatusActive))

	snap, err := adapter.GetProduct(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusActive, snap.Status)

	exists, _ := client.Exists(ctx, productKeyPrefix+"4").Result()
	assert.Zero(t, exists, "status update must not create a partial snapshot")
}
