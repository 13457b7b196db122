/*
Package cache keeps consigner balances in Redis for read-heavy dashboards.

PURPOSE:
  The database balance row is the source of truth. The cache is a
  read-through copy: the engine reads it first, fills it on a miss and
  writes the committed row through after every operation that touches
  the consigner.

VERSIONS:
  Every balance row write bumps ledger.Balance.Version. Set only replaces
  a cached value with a strictly newer version, so a reader that loaded
  the row before a commit cannot put its stale copy back afterwards.

DEGRADATION:
  A nil client, or any Redis error, behaves like a miss. Balance reads
  never fail because Redis is down.

KEYS:
  balance:consigner:<id>  JSON ledger.Balance, expires after TTL
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/fleet-ledger/ledger"
)

const BalanceKeyFmt = "balance:consigner:%d"

const balanceKeyPattern = "balance:consigner:*"

// DefaultTTL bounds staleness if an invalidation is ever lost.
const DefaultTTL = 5 * time.Minute

// BalanceCache is a Redis-backed balance cache. The zero value and a nil
// *BalanceCache are both valid, disabled caches.
type BalanceCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewBalanceCache wraps a client. A nil client disables caching.
func NewBalanceCache(client redis.Cmdable, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BalanceCache{client: client, ttl: ttl}
}

// Connect dials Redis and pings it. On failure the client is closed and
// the error returned so the caller can run without a cache.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func BalanceKey(id ledger.ConsignerID) string {
	return fmt.Sprintf(BalanceKeyFmt, id)
}

func (c *BalanceCache) enabled() bool {
	return c != nil && c.client != nil
}

// Get returns the cached balance, or nil on a miss.
func (c *BalanceCache) Get(ctx context.Context, id ledger.ConsignerID) (*ledger.Balance, error) {
	if !c.enabled() {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, BalanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached balance %d: %w", id, err)
	}
	var b ledger.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode cached balance %d: %w", id, err)
	}
	return &b, nil
}

// setIfNewer writes ARGV[1] with a PX of ARGV[3] unless the cached JSON
// already carries a version >= ARGV[2]. Returns 1 when written.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, decoded = pcall(cjson.decode, cur)
	if ok and type(decoded) == 'table' and tonumber(decoded['version']) and tonumber(decoded['version']) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Set caches b unless the cache already holds the same or a newer version.
func (c *BalanceCache) Set(ctx context.Context, b ledger.Balance) error {
	if !c.enabled() {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance %d: %w", b.ConsignerID, err)
	}
	err = setIfNewer.Run(ctx, c.client, []string{BalanceKey(b.ConsignerID)},
		string(raw), b.Version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("cache balance %d: %w", b.ConsignerID, err)
	}
	return nil
}

// Invalidate deletes the keys of the given consigners.
func (c *BalanceCache) Invalidate(ctx context.Context, ids ...ledger.ConsignerID) error {
	if !c.enabled() || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = BalanceKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate balances: %w", err)
	}
	return nil
}

// Reset deletes every cached balance. Used when the store is wiped.
func (c *BalanceCache) Reset(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, balanceKeyPattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan cached balances: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cached balances: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
