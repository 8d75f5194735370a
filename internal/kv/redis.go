// SPDX-License-Identifier: MIT

// Package kv wraps the Redis client behind the small surface the engine
// needs: an advisory lock, sliding-window counters and JSON value caches.
// All keys live under the rw: prefix.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stellwerk/railwatch/internal/model"
)

// Key layout. Keys are built here and nowhere else.
const (
	keyDetectLock      = "rw:lock:detect"
	keyActiveConflicts = "rw:conflicts:active"
)

// RateKey is the sliding-window counter key for one controller and
// operation kind.
func RateKey(controllerID int64, kind string) string {
	return fmt.Sprintf("rw:rl:%d:%s", controllerID, kind)
}

// DecisionKey caches one decision document.
func DecisionKey(decisionID int64) string {
	return fmt.Sprintf("rw:decision:%d", decisionID)
}

// Client is the engine's Redis handle.
type Client struct {
	rdb   *redis.Client
	owner string // lock ownership token, unique per process
}

// New connects and verifies the server is reachable.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, model.Wrap(model.CodeTransient, err, "redis ping")
	}
	return &Client{rdb: rdb, owner: uuid.NewString()}, nil
}

// NewFromClient wraps an existing client, used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, owner: uuid.NewString()}
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Owner returns this process's lock ownership token.
func (c *Client) Owner() string { return c.owner }

// releaseScript deletes the lock only when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireDetectLock takes the cross-process detection lock. false means
// another process holds it.
func (c *Client) AcquireDetectLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, keyDetectLock, c.owner, ttl).Result()
	if err != nil {
		return false, model.Wrap(model.CodeTransient, err, "acquire lock")
	}
	return ok, nil
}

// ReleaseDetectLock drops the lock if still owned. Losing it to TTL expiry
// beforehand is not an error.
func (c *Client) ReleaseDetectLock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{keyDetectLock}, c.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return model.Wrap(model.CodeTransient, err, "release lock")
	}
	return nil
}

// SlideWindow records one hit on a sliding-window counter and returns the
// hit count inside the window, including this one. The caller compares
// against its limit; a rejected hit still counts, matching the strictest
// reading of per-controller quotas.
func (c *Client) SlideWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-window).UnixNano()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := c.rdb.TxPipeline()
	// Exclusive bound: a hit exactly window old is still inside it.
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("(%d", cutoff))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "slide window")
	}
	return card.Val(), nil
}

// OldestInWindow returns the timestamp of the oldest hit still inside the
// window, for computing a retry-after hint. ok is false when the window is
// empty.
func (c *Client) OldestInWindow(ctx context.Context, key string) (time.Time, bool, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, model.Wrap(model.CodeTransient, err, "oldest in window")
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, int64(zs[0].Score)).UTC(), true, nil
}

// SetJSON caches a JSON-encoded value with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return model.Wrap(model.CodeInternal, err, "marshal cache value")
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return model.Wrap(model.CodeTransient, err, "set cache value")
	}
	return nil
}

// GetJSON loads a cached value. found is false on a cache miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, model.Wrap(model.CodeTransient, err, "get cache value")
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return false, model.Wrap(model.CodeInternal, err, "decode cache value")
	}
	return true, nil
}

// Invalidate removes cached keys. Missing keys are fine.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return model.Wrap(model.CodeTransient, err, "invalidate cache")
	}
	return nil
}

// CacheActiveConflicts publishes the active conflict snapshot.
func (c *Client) CacheActiveConflicts(ctx context.Context, conflicts []model.Conflict, ttl time.Duration) error {
	return c.SetJSON(ctx, keyActiveConflicts, conflicts, ttl)
}

// CachedActiveConflicts reads the active conflict snapshot, if present.
func (c *Client) CachedActiveConflicts(ctx context.Context) ([]model.Conflict, bool, error) {
	var out []model.Conflict
	found, err := c.GetJSON(ctx, keyActiveConflicts, &out)
	return out, found, err
}

// InvalidateActiveConflicts drops the snapshot after any conflict mutation.
func (c *Client) InvalidateActiveConflicts(ctx context.Context) error {
	return c.Invalidate(ctx, keyActiveConflicts)
}
