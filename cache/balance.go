// Package cache keeps computed client balances in Redis.
//
// Keys:
//
//	points:balance:gen:<client>          generation counter (INCR on every ledger write)
//	points:balance:<client>:<generation> JSON balance, expires after TTL
//
// A balance is only ever read under the current generation, so an entry
// written from an older ledger is dead on arrival and simply expires.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/points-ledger/points"
)

const DefaultTTL = 10 * time.Minute

// Balances implements points.BalanceCache.
type Balances struct {
	Redis *redis.Client
	TTL   time.Duration
}

// NewClient connects to redisURL and pings it.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	return client, nil
}

func NewBalances(client *redis.Client, ttl time.Duration) *Balances {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Balances{Redis: client, TTL: ttl}
}

func genKey(clientID points.ClientID) string {
	return "points:balance:gen:" + string(clientID)
}

func valueKey(clientID points.ClientID, generation int64) string {
	return fmt.Sprintf("points:balance:%s:%d", clientID, generation)
}

func (c *Balances) Lookup(ctx context.Context, clientID points.ClientID) (points.Balance, int64, bool, error) {
	gen, err := c.Redis.Get(ctx, genKey(clientID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return points.Balance{}, 0, false, err
	}

	raw, err := c.Redis.Get(ctx, valueKey(clientID, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return points.Balance{}, gen, false, nil
	}
	if err != nil {
		return points.Balance{}, 0, false, err
	}

	var b points.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		// Treat garbage as a miss; the next Store overwrites it.
		return points.Balance{}, gen, false, nil
	}
	return b, gen, true, nil
}

func (c *Balances) Store(ctx context.Context, generation int64, b points.Balance) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, valueKey(b.ClientID, generation), raw, c.TTL).Err()
}

func (c *Balances) Invalidate(ctx context.Context, clientID points.ClientID) error {
	return c.Redis.Incr(ctx, genKey(clientID)).Err()
}
