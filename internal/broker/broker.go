// Package broker is a thin semantic layer over redis: typed commands for
// the key/value, list, hash, set and pub/sub operations the backend uses,
// with local retry of transient failures and a circuit breaker in front.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or a blocking pop
// times out without an item.
var ErrNotFound = errors.New("broker: not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription. Channel is closed when
// the subscription is closed.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Broker is the command surface the rest of the backend depends on. The
// redis-backed Client is the production implementation; Fake is the
// in-process one used by tests.
type Broker interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when the key does not exist; reports whether the
	// write happened. First writer wins.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	LPush(ctx context.Context, key string, values ...[]byte) error
	// BRPop blocks up to timeout for an item on the tail of the list.
	// Returns ErrNotFound on timeout.
	BRPop(ctx context.Context, timeout time.Duration, key string) ([]byte, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// ScanKeys returns all keys matching pattern. Used by crash recovery;
	// the keyspace under laps:job:* is small and TTL-bounded.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
