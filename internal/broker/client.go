package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lapsproject/laps/internal/config"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
)

const (
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond
)

// Client is the redis-backed Broker.
type Client struct {
	rc      *redis.Client
	breaker *gobreaker.CircuitBreaker
	// OnError is invoked once per command that fails after retries.
	// Optional; used for metrics.
	OnError func()
}

// Connect dials redis and pings it once within the dial timeout.
func Connect(ctx context.Context, cfg config.Redis) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("broker: redis address is empty")
	}

	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Db,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("broker: connect: %w", err)
	}

	logging.Component("broker").WithField("addr", cfg.Addr).Info("connected to redis")
	return NewClient(rc), nil
}

// NewClient wraps an existing redis client.
func NewClient(rc *redis.Client) *Client {
	settings := gobreaker.Settings{
		Name: "redis",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 10 * time.Second,
	}
	return &Client{
		rc:      rc,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// do runs fn through the breaker, retrying transient failures locally.
// redis.Nil never counts as a failure and is surfaced as ErrNotFound.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var last error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err := fn()
			if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			last = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		return nil, last
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if c.OnError != nil {
		c.OnError()
	}
	return ecode.Wrap(ecode.KindBrokerUnavailable, op, err)
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.do(ctx, "set", func() error {
		return c.rc.Set(ctx, key, value, ttl).Err()
	})
}

func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, "setnx", func() error {
		var err error
		ok, err = c.rc.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "get", func() error {
		var err error
		out, err = c.rc.Get(ctx, key).Bytes()
		return err
	})
	return out, err
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.do(ctx, "del", func() error {
		return c.rc.Del(ctx, keys...).Err()
	})
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, "exists", func() error {
		var err error
		n, err = c.rc.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, "expire", func() error {
		return c.rc.Expire(ctx, key, ttl).Err()
	})
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "incr", func() error {
		var err error
		n, err = c.rc.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "decr", func() error {
		var err error
		n, err = c.rc.Decr(ctx, key).Result()
		return err
	})
	return n, err
}

func (c *Client) LPush(ctx context.Context, key string, values ...[]byte) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.do(ctx, "lpush", func() error {
		return c.rc.LPush(ctx, key, args...).Err()
	})
}

// BRPop blocks on the tail of the list. Blocking commands bypass the
// retry loop; a timeout is reported as ErrNotFound, matching redis
// semantics where nil means no item arrived in time.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) ([]byte, error) {
	vals, err := c.rc.BRPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if c.OnError != nil {
			c.OnError()
		}
		return nil, ecode.Wrap(ecode.KindBrokerUnavailable, "brpop", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, ecode.Newf(ecode.KindBrokerUnavailable, "brpop: unexpected reply of %d elements", len(vals))
	}
	return []byte(vals[1]), nil
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := c.do(ctx, "lrange", func() error {
		vals, err := c.rc.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(vals))
		for i, v := range vals {
			out[i] = []byte(v)
		}
		return nil
	})
	return out, err
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, "llen", func() error {
		var err error
		n, err = c.rc.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.do(ctx, "hset", func() error {
		return c.rc.HSet(ctx, key, args...).Err()
	})
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := c.do(ctx, "hget", func() error {
		var err error
		out, err = c.rc.HGet(ctx, key, field).Result()
		return err
	})
	return out, err
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, "hgetall", func() error {
		var err error
		out, err = c.rc.HGetAll(ctx, key).Result()
		return err
	})
	if err == nil && len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, err
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.do(ctx, "hdel", func() error {
		return c.rc.HDel(ctx, key, fields...).Err()
	})
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.do(ctx, "sadd", func() error {
		return c.rc.SAdd(ctx, key, args...).Err()
	})
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.do(ctx, "srem", func() error {
		return c.rc.SRem(ctx, key, args...).Err()
	})
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.do(ctx, "smembers", func() error {
		var err error
		out, err = c.rc.SMembers(ctx, key).Result()
		return err
	})
	return out, err
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.do(ctx, "publish", func() error {
		return c.rc.Publish(ctx, channel, payload).Err()
	})
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

func (c *Client) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := c.rc.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so callers can rely on the
	// subscription being active before they re-check state.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, ecode.Wrap(ecode.KindBrokerUnavailable, "subscribe", err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan Message, 8), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			// A subscriber that stopped reading must not pin this
			// goroutine once the buffer fills.
			select {
			case sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := c.do(ctx, "scan", func() error {
		out = out[:0]
		iter := c.rc.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val())
		}
		return iter.Err()
	})
	return out, err
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", func() error {
		return c.rc.Ping(ctx).Err()
	})
}

func (c *Client) Close() error { return c.rc.Close() }

var _ Broker = (*Client)(nil)
