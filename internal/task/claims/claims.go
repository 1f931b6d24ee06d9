// Package claims provides durable in-flight registries for the task engine,
// so a dispatch key is held across processes and restarts, not just inside
// one worker pool.
package claims

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notifyfwd/internal/storage"
	"notifyfwd/internal/task/engine"
)

// Store is the slice of storage.Store the storage claimer needs.
type Store interface {
	AcquireClaim(ctx context.Context, key, owner string, until time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, key, owner string) error
}

// StoreClaimer keeps claims in the notification database. Like RedisClaimer
// it tags claims with a per-instance owner token, so it never releases a
// claim another process took over after expiry.
type StoreClaimer struct {
	st    Store
	owner string
	now   func() time.Time
}

func NewStoreClaimer(st Store) *StoreClaimer {
	return &StoreClaimer{st: st, owner: uuid.NewString(), now: time.Now}
}

func (c *StoreClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.st.AcquireClaim(ctx, key, c.owner, c.now().Add(ttl))
}

func (c *StoreClaimer) Release(ctx context.Context, key string) error {
	return c.st.ReleaseClaim(ctx, key, c.owner)
}

// releaseScript deletes the key only while it still carries our token, so an
// expired claim taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer keeps claims in Redis using SET NX with a TTL.
type RedisClaimer struct {
	rdb    redis.UniversalClient
	prefix string
	owner  string
}

func NewRedisClaimer(rdb redis.UniversalClient, prefix string) *RedisClaimer {
	if prefix == "" {
		prefix = "notifyfwd:claim:"
	}
	return &RedisClaimer{rdb: rdb, prefix: prefix, owner: uuid.NewString()}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, c.owner, ttl).Result()
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, c.rdb, []string{c.prefix + key}, c.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (c *RedisClaimer) Close() error { return c.rdb.Close() }

// Config selects a claimer.
//
// Driver values:
//   - "" or "none": in-process dedup only
//   - "storage": the notification store (durable only for sqlite/postgres)
//   - "redis": a Redis server at RedisAddr
type Config struct {
	Driver    string
	RedisAddr string
}

// Open builds the configured claimer. It returns a nil claimer for
// in-process dedup only. The returned close func is never nil.
func Open(ctx context.Context, cfg Config, st storage.Store) (engine.Claimer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, noop, nil
	case "storage":
		if st == nil {
			return nil, noop, errors.New("claims driver storage needs a store")
		}
		return NewStoreClaimer(st), noop, nil
	case "redis":
		addr := strings.TrimSpace(cfg.RedisAddr)
		if addr == "" {
			return nil, noop, errors.New("claims redis_addr is required")
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, err
		}
		rc := NewRedisClaimer(rdb, "")
		return rc, rc.Close, nil
	default:
		return nil, noop, errors.New("unknown claims driver: " + cfg.Driver)
	}
}
