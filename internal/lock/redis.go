package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/store"
)

// NewRedisClient connects to Redis using cfg and pings it.
// Returns nil if the URL is empty (Redis not configured).
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the key's expiry out only while it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a distributed keyed lock built on SET NX PX. Each key carries a
// random token so a holder never releases a lock it no longer owns. While a
// lock is held its keys are renewed every third of the TTL, so a resolve that
// outlives the TTL keeps exclusivity until it releases.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedis creates a lock that expires after ttl and waits up to wait per Lock call.
func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: "identity:lock:",
		ttl:    ttl,
		wait:   wait,
		retry:  25 * time.Millisecond,
	}
}

// Lock acquires every key in sorted order or none of them.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return func() {}, nil
	}

	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := r.acquire(ctx, r.prefix+key, token, deadline); err != nil {
			r.release(held, token)
			return nil, err
		}
		held = append(held, r.prefix+key)
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go r.renew(held, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			r.release(held, token)
		})
	}, nil
}

func (r *Redis) renew(keys []string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 3
	if interval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ttl := strconv.FormatInt(r.ttl.Milliseconds(), 10)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		for _, key := range keys {
			// A failed renewal is retried on the next tick; the key stays
			// ours until it actually expires.
			_ = extendScript.Run(ctx, r.client, []string{key}, token, ttl).Err()
		}
		cancel()
	}
}

func (r *Redis) acquire(ctx context.Context, key, token string, deadline time.Time) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire %s: %w", key, errors.Join(store.ErrUnavailable, err))
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("acquire %s: %w", key, store.ErrLockTimeout)
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Redis) release(keys []string, token string) {
	// Release must run even if the request context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, key := range keys {
		_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}
}
