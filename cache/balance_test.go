package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/cache"
	"github.com/warp/points-ledger/points"
)

func newTestCache(t *testing.T) (*cache.Balances, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := cache.NewClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return cache.NewBalances(client, time.Minute), mr
}

func sample(id points.ClientID) points.Balance {
	return points.Balance{
		ClientID: id,
		Credited: decimal.NewFromInt(100),
		Debited:  decimal.NewFromInt(30),
		Held:     decimal.RequireFromString("12.5"),
	}
}

func TestBalances_MissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, gen, hit, err := c.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(0), gen)

	require.NoError(t, c.Store(ctx, gen, sample("c1")))

	b, _, hit, err := c.Lookup(ctx, "c1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "70", b.Current().String())
	assert.Equal(t, "57.5", b.Available().String())
}

func TestBalances_InvalidateHidesOldValue(t *testing.T) {
	// GIVEN: A cached balance
	// WHEN: The client's generation is bumped
	// THEN: The old value is no longer served

	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, 0, sample("c1")))
	require.NoError(t, c.Invalidate(ctx, "c1"))

	_, gen, hit, err := c.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(1), gen)

	// A reader that looked up before the bump stores under the old generation
	require.NoError(t, c.Store(ctx, 0, sample("c1")))
	_, _, hit, err = c.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBalances_TTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, 0, sample("c1")))
	mr.FastForward(2 * time.Minute)

	_, _, hit, err := c.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBalances_GarbageIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("points:balance:c1:0", "not json"))

	_, _, hit, err := c.Lookup(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBalances_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := cache.NewBalances(client, 0)
	assert.Equal(t, cache.DefaultTTL, c.TTL)

	mr.Close()
	_, _, _, err := c.Lookup(context.Background(), "c1")
	assert.Error(t, err)
	assert.Error(t, c.Invalidate(context.Background(), "c1"))
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := cache.NewClient(context.Background(), "://nope")
	assert.Error(t, err)
}
