package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

const BloomKey = "seckill:bloom:product"

const (
	bloomSeedPrimary   uint64 = 0x9e3779b97f4a7c15
	bloomSeedSecondary uint64 = 0xc2b2ae3d27d4eb4f
)

// BloomFilter is a Bloom filter whose bit array is a Redis string.
type BloomFilter struct {
	client redis.Cmdable
	key    string
	bits   uint64
	hashes uint64
}

func NewBloomFilter(client redis.Cmdable, key string, capacity uint64, errorRate float64) (*BloomFilter, error) {
	if capacity == 0 {
		return nil, errors.New("bloom: capacity must be positive")
	}
	if errorRate <= 0 || errorRate >= 1 {
		return nil, fmt.Errorf("bloom: error rate %v out of (0,1)", errorRate)
	}

	bits := optimalBits(capacity, errorRate)
	return &BloomFilter{
		client: client,
		key:    key,
		bits:   bits,
		hashes: optimalHashes(bits, capacity),
	}, nil
}

func optimalBits(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n)*math.Log(p)/(math.Ln2*math.Ln2))) + 1
}

func optimalHashes(m, n uint64) uint64 {
	return uint64(float64(m)/float64(n)*math.Ln2) + 1
}

func (b *BloomFilter) Bits() uint64   { return b.bits }
func (b *BloomFilter) Hashes() uint64 { return b.hashes }

// offsets derives k bit positions from two seeded xxhash digests.
func (b *BloomFilter) offsets(item string) []int64 {
	h1 := seededHash(bloomSeedPrimary, item)
	h2 := seededHash(bloomSeedSecondary, item) | 1

	out := make([]int64, b.hashes)
	for i := uint64(0); i < b.hashes; i++ {
		out[i] = int64((h1 + i*h2) % b.bits)
	}
	return out
}

func seededHash(seed uint64, item string) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.WriteString(item)
	return d.Sum64()
}

func (b *BloomFilter) Add(ctx context.Context, item string) error {
	return b.AddMany(ctx, []string{item})
}

func (b *BloomFilter) AddMany(ctx context.Context, items []string) error {
	if len(items) == 0 {
		return nil
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			for _, off := range b.offsets(item) {
				pipe.SetBit(ctx, b.key, off, 1)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bloom add: %w", err)
	}
	return nil
}

func (b *BloomFilter) Contains(ctx context.Context, item string) (bool, error) {
	offs := b.offsets(item)
	cmds := make([]*redis.IntCmd, len(offs))

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, off := range offs {
			cmds[i] = pipe.GetBit(ctx, b.key, off)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bloom contains: %w", err)
	}

	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}
