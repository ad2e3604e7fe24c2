package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

const (
	stockKeyPrefix       = "stock:"
	holdKeyPrefix        = "hold:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	holdKeyTTL           = 24 * time.Hour
)

// Returns -1 when the item has no stock key, 0 when stock is short,
// 1 after decrementing or when the hold is already recorded.
var reserveStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 1
end

local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end

local quantity = tonumber(ARGV[1])
if tonumber(current) >= quantity then
	redis.call('DECRBY', KEYS[1], quantity)
	redis.call('SET', KEYS[2], quantity, 'EX', ARGV[2])
	return 1
end

return 0
`)

// Returns 0 when there is no hold to give back, -1 when the stock key was
// removed by an item delete (it is not recreated), 1 after incrementing.
var releaseStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return 0
end
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// RedisAdapter is a stock ledger and idempotency guard backed by Redis.
// Reserve and release run as server-side scripts, so each is a single
// atomic step with respect to every other client.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func holdKey(holdID, itemID string) string {
	return holdKeyPrefix + holdID + ":" + itemID
}

func (r *RedisAdapter) TryReserve(ctx context.Context, holdID, itemID string, quantity int) error {
	if quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	result, err := reserveStockScript.Run(ctx, r.client,
		[]string{stockKeyPrefix + itemID, holdKey(holdID, itemID)},
		quantity, int(holdKeyTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	switch result {
	case 1:
		return nil
	case -1:
		return domain.NotFound(itemID)
	default:
		return domain.InsufficientStock(itemID)
	}
}

func (r *RedisAdapter) Release(ctx context.Context, holdID, itemID string, quantity int) error {
	result, err := releaseStockScript.Run(ctx, r.client,
		[]string{stockKeyPrefix + itemID, holdKey(holdID, itemID)},
		quantity,
	).Int()
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if result < 0 {
		return domain.NotFound(itemID)
	}
	return nil
}

func (r *RedisAdapter) SetStock(ctx context.Context, itemID string, quantity int) error {
	return r.client.Set(ctx, stockKeyPrefix+itemID, quantity, 0).Err()
}

// SeedStock sets the stock only if the item has none yet.
func (r *RedisAdapter) SeedStock(ctx context.Context, itemID string, quantity int) (bool, error) {
	return r.client.SetNX(ctx, stockKeyPrefix+itemID, quantity, 0).Result()
}

func (r *RedisAdapter) RemoveStock(ctx context.Context, itemID string) error {
	return r.client.Del(ctx, stockKeyPrefix+itemID).Err()
}

// Stocks reads availability for many items in one round trip. Items with
// no stock key are absent from the result.
func (r *RedisAdapter) Stocks(ctx context.Context, itemIDs []string) (map[string]int, error) {
	if len(itemIDs) == 0 {
		return map[string]int{}, nil
	}

	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = stockKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read stock: %w", err)
	}

	stocks := make(map[string]int, len(itemIDs))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("parse stock for %s: %w", itemIDs[i], err)
		}
		stocks[itemIDs[i]] = n
	}
	return stocks, nil
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
