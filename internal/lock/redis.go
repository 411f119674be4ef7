package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "settle:lock:"

// Compare-and-delete: release only if the stored token is ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Compare-and-expire: extend only if the stored token is ours.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisBackend implements locking with SET NX plus a TTL. The TTL bounds
// how long a crashed holder can block others; release and extension are
// Lua compare-and-delete / compare-and-expire on the owner token.
type RedisBackend struct {
	client redis.Cmdable
}

// NewRedisBackend creates a Redis lock backend. The caller owns the client
// lifecycle.
func NewRedisBackend(client redis.Cmdable) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

// TryAcquire is an atomic set-if-absent with TTL.
func (b *RedisBackend) TryAcquire(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	return b.client.SetNX(ctx, redisKeyPrefix+key, token, expiry).Result()
}

// Release deletes the key only if token still owns it.
func (b *RedisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{redisKeyPrefix + key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend resets the TTL only if token still owns the key.
func (b *RedisBackend) Extend(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client,
		[]string{redisKeyPrefix + key}, token, expiry.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ Backend = (*RedisBackend)(nil)
