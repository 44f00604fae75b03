package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/port"
)

// Snapshots outlive the sale window by this much so late result polls and
// cancellations still find them.
const snapshotGrace = 30 * time.Minute

// CatalogService loads upcoming sales into the volatile store and keeps
// product statuses in step with the clock.
type CatalogService struct {
	repo   port.ProductRepository
	cache  port.ProductCache
	filter port.MembershipFilter
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger
}

func NewCatalogService(repo port.ProductRepository, cache port.ProductCache, filter port.MembershipFilter,
	clk clock.Clock, window time.Duration, logger *zap.Logger) *CatalogService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{
		repo:   repo,
		cache:  cache,
		filter: filter,
		clock:  clk,
		window: window,
		logger: logger.Named("catalog"),
	}
}

// WarmUp writes every running product, and every product starting within
// the warm-up window, to the volatile store and the membership filter. Live
// stock counters are never reset. It returns how many products were loaded.
func (c *CatalogService) WarmUp(ctx context.Context) (int, error) {
	now := c.clock.Now()
	products, err := c.repo.ListSchedulable(ctx, now.Add(c.window), now)
	if err != nil {
		return 0, fmt.Errorf("list schedulable products: %w", err)
	}

	var errs []error
	ids := make([]string, 0, len(products))
	for _, p := range products {
		slot := domain.CurrentSlot(p.StartTime.Hour())
		if err := c.cache.SaveProduct(ctx, p, slot, p.EndTime.Add(snapshotGrace)); err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, strconv.FormatInt(p.ID, 10))
	}
	if len(ids) > 0 {
		if err := c.filter.AddMany(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("add to membership filter: %w", err))
		}
	}

	if len(ids) > 0 {
		c.logger.Info("products warmed up", zap.Int("count", len(ids)))
	}
	return len(ids), errors.Join(errs...)
}

// RefreshStatuses moves started products to Active and finished ones to
// Ended, in the database and then in the snapshot. It returns how many
// products changed.
func (c *CatalogService) RefreshStatuses(ctx context.Context) (int, error) {
	now := c.clock.Now()
	// Every started product that is not yet marked ended, whatever its end time.
	products, err := c.repo.ListSchedulable(ctx, now, time.Unix(0, 0))
	if err != nil {
		return 0, fmt.Errorf("list started products: %w", err)
	}

	var (
		changed int
		errs    []error
	)
	for _, p := range products {
		want := p.StatusAt(now)
		if want == p.Status {
			continue
		}
		if err := c.repo.UpdateStatus(ctx, p.ID, want); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.cache.SetProductStatus(ctx, p.ID, want); err != nil {
			errs = append(errs, fmt.Errorf("snapshot status %d: %w", p.ID, err))
		}
		changed++
		c.logger.Info("product status changed",
			zap.Int64("product_id", p.ID),
			zap.Stringer("from", p.Status),
			zap.Stringer("to", want),
		)
	}
	return changed, errors.Join(errs...)
}

type SlotProduct struct {
	domain.Product
	SoldPercent int
}

// ListSlot returns the snapshots scheduled in a slot hour, earliest start
// first. Snapshots that already expired are skipped.
func (c *CatalogService) ListSlot(ctx context.Context, hour int) ([]SlotProduct, error) {
	ids, err := c.cache.SlotProducts(ctx, domain.CurrentSlot(hour))
	if err != nil {
		return nil, err
	}

	out := make([]SlotProduct, 0, len(ids))
	for _, id := range ids {
		p, err := c.cache.GetProduct(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, SlotProduct{Product: *p, SoldPercent: p.SoldPercent()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CurrentSlot is the slot hour for the catalog clock's current time.
func (c *CatalogService) CurrentSlot() int {
	return domain.CurrentSlot(c.clock.Now().Hour())
}

// Run refreshes statuses and warms up once, then repeats each on its own
// ticker until ctx is cancelled.
func (c *CatalogService) Run(ctx context.Context, warmUpEvery, statusEvery time.Duration) {
	c.refresh(ctx)
	c.warmUp(ctx)

	warm := time.NewTicker(warmUpEvery)
	defer warm.Stop()
	status := time.NewTicker(statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			c.refresh(ctx)
		case <-warm.C:
			c.warmUp(ctx)
		}
	}
}

func (c *CatalogService) refresh(ctx context.Context) {
	if _, err := c.RefreshStatuses(ctx); err != nil {
		c.logger.Error("refresh product statuses failed", zap.Error(err))
	}
}

func (c *CatalogService) warmUp(ctx context.Context) {
	if _, err := c.WarmUp(ctx); err != nil {
		c.logger.Error("warm up failed", zap.Error(err))
	}
}
