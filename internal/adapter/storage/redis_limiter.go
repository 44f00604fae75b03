package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/seckill/internal/clock"
)

const limitKeyFormat = "limit:%s:%s"

// SlidingWindowLimiter counts requests per (identity, route) over a rolling
// window using a sorted set of arrival timestamps.
type SlidingWindowLimiter struct {
	client    redis.Cmdable
	clock     clock.Clock
	threshold int64
	window    time.Duration
	ttl       time.Duration
}

func NewSlidingWindowLimiter(client redis.Cmdable, clk clock.Clock, threshold int, window, ttl time.Duration) *SlidingWindowLimiter {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &SlidingWindowLimiter{
		client:    client,
		clock:     clk,
		threshold: int64(threshold),
		window:    window,
		ttl:       ttl,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, identity, route string) (bool, error) {
	key := fmt.Sprintf(limitKeyFormat, identity, route)
	now := l.clock.Now().UnixMilli()
	cutoff := now - l.window.Milliseconds()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now),
			Member: strconv.FormatInt(now, 10) + "-" + uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, l.ttl)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("limiter %s: %w", key, err)
	}

	return card.Val() <= l.threshold, nil
}
