package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/seckill/internal/core/domain"
)

const (
	tokenKeyPrefix  = "seckill:token:"
	resultKeyFormat = "seckill:result:%s:%d"
)

// RedisTokenStore keeps possession tokens and pending purchase results.
type RedisTokenStore struct {
	client redis.Cmdable
	secret []byte
	ttl    time.Duration
}

func NewRedisTokenStore(client redis.Cmdable, secret string, ttl time.Duration) *RedisTokenStore {
	return &RedisTokenStore{client: client, secret: []byte(secret), ttl: ttl}
}

func (s *RedisTokenStore) digest(c domain.TokenClaims) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%d", c.Identity, c.ProductID, c.MintTimeMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *RedisTokenStore) Mint(ctx context.Context, claims domain.TokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}

	token := s.digest(claims)
	if err := s.client.Set(ctx, tokenKeyPrefix+token, payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// Consume verifies the token before deleting it. Only the caller whose DEL
// removes the key wins, so a token validates at most once.
func (s *RedisTokenStore) Consume(ctx context.Context, token, identity string, productID int64) (domain.TokenClaims, error) {
	key := tokenKeyPrefix + token
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TokenClaims{}, domain.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return domain.TokenClaims{}, fmt.Errorf("load token: %w", err)
	}

	var claims domain.TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return domain.TokenClaims{}, fmt.Errorf("%w: malformed payload", domain.ErrInvalidOrExpiredToken)
	}
	if !hmac.Equal([]byte(s.digest(claims)), []byte(token)) ||
		claims.Identity != identity || claims.ProductID != productID {
		return domain.TokenClaims{}, domain.ErrTokenMismatch
	}

	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return domain.TokenClaims{}, fmt.Errorf("delete token: %w", err)
	}
	if deleted == 0 {
		return domain.TokenClaims{}, domain.ErrInvalidOrExpiredToken
	}
	return claims, nil
}

func (s *RedisTokenStore) SetResult(ctx context.Context, identity string, productID int64, result domain.PurchaseResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.client.Set(ctx, fmt.Sprintf(resultKeyFormat, identity, productID), payload, ttl).Err()
}

func (s *RedisTokenStore) GetResult(ctx context.Context, identity string, productID int64) (domain.PurchaseResult, error) {
	var result domain.PurchaseResult

	payload, err := s.client.Get(ctx, fmt.Sprintf(resultKeyFormat, identity, productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, domain.ErrResultNotFound
	}
	if err != nil {
		return result, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}
