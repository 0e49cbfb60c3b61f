// Package guard provides short-lived exclusive locks keyed by gateway token,
// so that duplicate confirm callbacks do not reach the gateway concurrently.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrHeld = errors.New("lock is held by another caller")

// Locker acquires a lock on key for at most ttl. The returned func releases
// it and is safe to call after the lock expired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Nop never contends. The commit claim stored on the payment still lets a
// single caller talk to the gateway; Nop only gives up rejecting duplicates
// before they reach the database.
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// releaseScript deletes the key only if it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "confirm:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.prefix + key
	val := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, val, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func() {
		// the caller's context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{k}, val).Err()
	}, nil
}
