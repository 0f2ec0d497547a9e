package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// Redis is a KV backed by Redis hashes. Safe for multi-instance deployments.
//
// Each record lives at {prefix}{table}:key as a hash with fields "val" and
// "ver". The table name is a hash tag so a record and its table index share a
// cluster slot.
type Redis struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ KV     = (*Redis)(nil)
	_ Lister = (*Redis)(nil)
)

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key prefix (default "reconciler:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.keyPrefix = prefix }
}

// NewRedis wraps a connected *goredis.Client or *goredis.ClusterClient.
func NewRedis(client goredis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, keyPrefix: "reconciler:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) itemKey(table, key string) string {
	return r.keyPrefix + "{" + table + "}:" + key
}

func (r *Redis) indexKey(table string) string {
	return r.keyPrefix + "{" + table + "}"
}

// casScript writes a record if its version matches.
// KEYS[1] = record hash key
// KEYS[2] = table index set
// ARGV[1] = value
// ARGV[2] = expected version
// ARGV[3] = record key (for the index)
//
// Returns the new version, or -1 on mismatch.
var casScript = goredis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
if cur ~= tonumber(ARGV[2]) then
    return -1
end
local nextVer = cur + 1
redis.call("HSET", KEYS[1], "val", ARGV[1], "ver", nextVer)
redis.call("SADD", KEYS[2], ARGV[3])
return nextVer
`)

// Get returns the stored item.
func (r *Redis) Get(ctx context.Context, table, key string) (Item, error) {
	vals, err := r.client.HMGet(ctx, r.itemKey(table, key), "val", "ver").Result()
	if err != nil {
		return Item{}, fmt.Errorf("store/redis: get: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return Item{}, ErrNotFound
	}

	val, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("store/redis: bad version %q: %w", verStr, err)
	}
	return Item{Value: []byte(val), Version: ver}, nil
}

// Put writes value if the stored version matches expectedVersion.
func (r *Redis) Put(ctx context.Context, table, key string, value []byte, expectedVersion int64) (int64, error) {
	next, err := casScript.Run(ctx, r.client,
		[]string{r.itemKey(table, key), r.indexKey(table)},
		value, expectedVersion, key,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("store/redis: put: %w", err)
	}
	if next < 0 {
		return 0, ErrConflict
	}
	return next, nil
}

// Keys lists every key ever written to table.
func (r *Redis) Keys(ctx context.Context, table string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client if it owns a connection pool.
func (r *Redis) Close() error {
	if c, ok := r.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
