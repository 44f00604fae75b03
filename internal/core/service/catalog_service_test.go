package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
)

func catalogProduct(id int64, start, end time.Time, status domain.ProductStatus) domain.Product {
	return domain.Product{
		ID:         id,
		Name:       "p",
		BasePrice:  decimal.NewFromInt(100),
		SellPrice:  decimal.NewFromInt(50),
		Stock:      10,
		TotalStock: 10,
		StartTime:  start,
		EndTime:    end,
		Status:     status,
	}
}

type catalogEnv struct {
	repo    *fakeProductRepo
	cache   *fakeProductCache
	filter  *fakeFilter
	clock   *clock.Manual
	catalog *CatalogService
}

func newCatalogEnv(t *testing.T, products ...domain.Product) *catalogEnv {
	repo := &fakeProductRepo{products: map[int64]domain.Product{}}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	env := &catalogEnv{
		repo:   repo,
		cache:  newFakeProductCache(),
		filter: newFakeFilter(),
		clock:  clock.NewManual(baseTime),
	}
	env.catalog = NewCatalogService(env.repo, env.cache, env.filter, env.clock, 5*time.Minute, zaptest.NewLogger(t))
	return env
}

func TestWarmUp_LoadsRunningAndImminentSales(t *testing.T) {
	env := newCatalogEnv(t,
		catalogProduct(1, baseTime.Add(-time.Hour), baseTime.Add(time.Hour), domain.ProductStatusActive),
		catalogProduct(2, baseTime.Add(3*time.Minute), baseTime.Add(time.Hour), domain.ProductStatusPending),
		catalogProduct(3, baseTime.Add(2*time.Hour), baseTime.Add(3*time.Hour), domain.ProductStatusPending),
		catalogProduct(4, baseTime.Add(-2*time.Hour), baseTime.Add(-time.Hour), domain.ProductStatusEnded),
	)

	n, err := env.catalog.WarmUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Contains(t, env.cache.products, int64(1))
	assert.Contains(t, env.cache.products, int64(2))
	assert.NotContains(t, env.cache.products, int64(3))
	assert.NotContains(t, env.cache.products, int64(4))

	assert.True(t, env.filter.items["1"])
	assert.True(t, env.filter.items["2"])
	assert.False(t, env.filter.items["3"])

	assert.Equal(t, baseTime.Add(time.Hour+30*time.Minute), env.cache.expiry[1])
	// Product 1 started at 09:00, product 2 at 10:03.
	assert.Equal(t, []int64{1}, env.cache.slots[8])
	assert.Equal(t, []int64{2}, env.cache.slots[10])
}

func TestRefreshStatuses(t *testing.T) {
	env := newCatalogEnv(t,
		catalogProduct(1, baseTime.Add(-time.Minute), baseTime.Add(time.Hour), domain.ProductStatusPending),
		catalogProduct(2, baseTime.Add(-2*time.Hour), baseTime.Add(-time.Second), domain.ProductStatusActive),
		catalogProduct(3, baseTime.Add(time.Minute), baseTime.Add(time.Hour), domain.ProductStatusPending),
		catalogProduct(4, baseTime.Add(-time.Hour), baseTime.Add(time.Hour), domain.ProductStatusActive),
		catalogProduct(5, baseTime.Add(-2*time.Hour), baseTime.Add(-time.Hour), domain.ProductStatusPending),
	)
	for _, p := range env.repo.products {
		require.NoError(t, env.cache.SaveProduct(context.Background(), p, 10, p.EndTime))
	}

	n, err := env.catalog.RefreshStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := map[int64]domain.ProductStatus{
		1: domain.ProductStatusActive,
		2: domain.ProductStatusEnded,
		3: domain.ProductStatusPending,
		4: domain.ProductStatusActive,
		5: domain.ProductStatusEnded,
	}
	for id, status := range want {
		assert.Equal(t, status, env.repo.products[id].Status, "db status of %d", id)
		assert.Equal(t, status, env.cache.products[id].Status, "snapshot status of %d", id)
	}
}

func TestWarmUpAfterRefreshMakesSaleBuyable(t *testing.T) {
	env := newCatalogEnv(t,
		catalogProduct(1, baseTime.Add(2*time.Minute), baseTime.Add(time.Hour), domain.ProductStatusPending),
	)
	_, err := env.catalog.WarmUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusPending, env.cache.products[1].Status)

	env.clock.Advance(2 * time.Minute)
	_, err = env.catalog.RefreshStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusActive, env.cache.products[1].Status)
}

func TestListSlot(t *testing.T) {
	env := newCatalogEnv(t)
	early := catalogProduct(2, baseTime, baseTime.Add(time.Hour), domain.ProductStatusActive)
	early.Stock = 4
	late := catalogProduct(1, baseTime.Add(30*time.Minute), baseTime.Add(time.Hour), domain.ProductStatusPending)
	require.NoError(t, env.cache.SaveProduct(context.Background(), late, 10, late.EndTime))
	require.NoError(t, env.cache.SaveProduct(context.Background(), early, 10, early.EndTime))
	// Listed in the slot but its snapshot has expired.
	env.cache.slots[10] = append(env.cache.slots[10], 99)

	got, err := env.catalog.ListSlot(context.Background(), 11)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].ID)
	assert.Equal(t, 60, got[0].SoldPercent)
	assert.EqualValues(t, 1, got[1].ID)
	assert.Zero(t, got[1].SoldPercent)

	assert.Equal(t, 10, env.catalog.CurrentSlot())
}
