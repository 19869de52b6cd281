package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/redis/go-redis/v9"
)

// clampScript decrements a stock key with a zero floor in one round trip and
// returns {newQuantity, shortfall}.
var clampScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local next = current - amount
local shortfall = 0
if next < 0 then
  shortfall = -next
  next = 0
end
redis.call('SET', KEYS[1], next)
return {next, shortfall}
`)

// RedisCounters keeps stock quantities in Redis under stock:{productId}.
// Useful when several instances share one ledger.
type RedisCounters struct {
	client *redis.Client
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

// Dial connects to Redis and verifies the connection with a short ping.
func Dial(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (c *RedisCounters) DecrementClamped(ctx context.Context, productID string, amount int64) (int64, int64, error) {
	res, err := clampScript.Run(ctx, c.client, []string{"stock:" + productID}, amount).Int64Slice()
	if err != nil {
		return 0, 0, errs.Transient("stock.counter", productID, fmt.Errorf("redis eval: %w", err))
	}
	if len(res) != 2 {
		return 0, 0, errs.Transient("stock.counter", productID, fmt.Errorf("redis eval: unexpected reply %v", res))
	}
	return res[0], res[1], nil
}

// Seed sets the absolute quantity for a product; used by composition roots to
// load initial stock.
func (c *RedisCounters) Seed(ctx context.Context, productID string, quantity int64) error {
	if err := c.client.Set(ctx, "stock:"+productID, quantity, 0).Err(); err != nil {
		return errs.Transient("stock.counter", productID, fmt.Errorf("redis set: %w", err))
	}
	return nil
}
