package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/seckill/internal/core/domain"
)

const (
	stockKeyPrefix     = "seckill:stock:"
	userLimitKeyPrefix = "seckill:user_limit:"
	productKeyPrefix   = "seckill:product:"
	slotKeyFormat      = "seckill:slot:%d:products"
)

const (
	reserveSoldOut  = 0
	reserveSuccess  = 1
	reserveReserved = 2
)

// KEYS: stock counter, reservation set, product snapshot. ARGV: identity.
var reserveScript = redis.NewScript(`
local stock_key = KEYS[1]
local users_key = KEYS[2]
local product_key = KEYS[3]
local identity = ARGV[1]

if redis.call('SISMEMBER', users_key, identity) == 1 then
	return 2
end

local current = redis.call('GET', stock_key)
if not current then
	return 0
end

current = tonumber(current)
if current <= 0 then
	return 0
end

local left = redis.call('DECR', stock_key)
redis.call('SADD', users_key, identity)
if redis.call('EXISTS', product_key) == 1 then
	redis.call('HSET', product_key, 'stock', left)
end

return 1
`)

// Only an identity that actually holds a reservation gives a unit back, so a
// repeated restore is a no-op.
var restoreScript = redis.NewScript(`
local stock_key = KEYS[1]
local users_key = KEYS[2]
local product_key = KEYS[3]
local identity = ARGV[1]

if redis.call('SREM', users_key, identity) == 0 then
	return 0
end

local left = redis.call('INCR', stock_key)
if redis.call('EXISTS', product_key) == 1 then
	redis.call('HSET', product_key, 'stock', left)
end

return 1
`)

// KEYS: stock counter, product snapshot, slot set, reservation set.
// ARGV: initial stock, expire-at unix seconds, product id, field/value pairs.
var saveProductScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
local stock = redis.call('GET', KEYS[1])

local fields = {}
for i = 4, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[2], 'stock', stock, unpack(fields))
redis.call('SADD', KEYS[3], ARGV[3])

for i = 1, 4 do
	redis.call('EXPIREAT', KEYS[i], ARGV[2])
end

return tonumber(stock)
`)

var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

type RedisAdapter struct {
	client redis.Cmdable
}

func NewRedisAdapter(client redis.Cmdable) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func ledgerKeys(productID int64) []string {
	id := strconv.FormatInt(productID, 10)
	return []string{stockKeyPrefix + id, userLimitKeyPrefix + id, productKeyPrefix + id}
}

func (r *RedisAdapter) Reserve(ctx context.Context, productID int64, identity string) (domain.ReserveResult, error) {
	code, err := reserveScript.Run(ctx, r.client, ledgerKeys(productID), identity).Int()
	if err != nil {
		return 0, fmt.Errorf("reserve script: %w", err)
	}

	switch code {
	case reserveSuccess:
		return domain.ReserveSuccess, nil
	case reserveSoldOut:
		return domain.ReserveSoldOut, nil
	case reserveReserved:
		return domain.ReserveAlreadyReserved, nil
	}
	return 0, fmt.Errorf("reserve script: unexpected result %d", code)
}

func (r *RedisAdapter) Restore(ctx context.Context, productID int64, identity string) (bool, error) {
	restored, err := restoreScript.Run(ctx, r.client, ledgerKeys(productID), identity).Int()
	if err != nil {
		return false, fmt.Errorf("restore script: %w", err)
	}
	return restored == 1, nil
}

// SetStock overwrites the volatile counter. Intended for tests and operators.
func (r *RedisAdapter) SetStock(ctx context.Context, productID int64, quantity int) error {
	return r.client.Set(ctx, stockKeyPrefix+strconv.FormatInt(productID, 10), quantity, 0).Err()
}

func (r *RedisAdapter) Stock(ctx context.Context, productID int64) (int, error) {
	n, err := r.client.Get(ctx, stockKeyPrefix+strconv.FormatInt(productID, 10)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrNotFound
	}
	return n, err
}

func (r *RedisAdapter) IsReserved(ctx context.Context, productID int64, identity string) (bool, error) {
	return r.client.SIsMember(ctx, userLimitKeyPrefix+strconv.FormatInt(productID, 10), identity).Result()
}

func (r *RedisAdapter) SaveProduct(ctx context.Context, p domain.Product, slot int, expireAt time.Time) error {
	id := strconv.FormatInt(p.ID, 10)
	keys := []string{
		stockKeyPrefix + id,
		productKeyPrefix + id,
		fmt.Sprintf(slotKeyFormat, slot),
		userLimitKeyPrefix + id,
	}
	args := []any{
		p.Stock, expireAt.Unix(), p.ID,
		"id", p.ID,
		"name", p.Name,
		"sell_price", p.SellPrice.String(),
		"base_price", p.BasePrice.String(),
		"total_stock", p.TotalStock,
		"status", int(p.Status),
		"start_time", p.StartTime.UnixMilli(),
		"end_time", p.EndTime.UnixMilli(),
	}
	if err := saveProductScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("save product %d: %w", p.ID, err)
	}
	return nil
}

func (r *RedisAdapter) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, productKeyPrefix+strconv.FormatInt(productID, 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseProduct(fields)
}

func (r *RedisAdapter) SetProductStatus(ctx context.Context, productID int64, status domain.ProductStatus) error {
	key := productKeyPrefix + strconv.FormatInt(productID, 10)
	return setStatusScript.Run(ctx, r.client, []string{key}, int(status)).Err()
}

func (r *RedisAdapter) SlotProducts(ctx context.Context, slot int) ([]int64, error) {
	members, err := r.client.SMembers(ctx, fmt.Sprintf(slotKeyFormat, slot)).Result()
	if err != nil {
		return nil, fmt.Errorf("slot %d members: %w", slot, err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseProduct(f map[string]string) (*domain.Product, error) {
	var (
		p   domain.Product
		err error
	)
	if p.ID, err = strconv.ParseInt(f["id"], 10, 64); err != nil {
		return nil, fmt.Errorf("product snapshot id: %w", err)
	}
	p.Name = f["name"]
	if p.SellPrice, err = decimal.NewFromString(f["sell_price"]); err != nil {
		return nil, fmt.Errorf("product snapshot sell_price: %w", err)
	}
	if p.BasePrice, err = decimal.NewFromString(f["base_price"]); err != nil {
		return nil, fmt.Errorf("product snapshot base_price: %w", err)
	}
	p.Stock, _ = strconv.Atoi(f["stock"])
	p.TotalStock, _ = strconv.Atoi(f["total_stock"])
	status, _ := strconv.Atoi(f["status"])
	p.Status = domain.ProductStatus(status)
	start, _ := strconv.ParseInt(f["start_time"], 10, 64)
	end, _ := strconv.ParseInt(f["end_time"], 10, 64)
	p.StartTime = time.UnixMilli(start).UTC()
	p.EndTime = time.UnixMilli(end).UTC()
	return &p, nil
}
