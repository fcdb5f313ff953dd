package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/generic"
)

const keyPrefix = "couponledger:lock:"

// cmdable is the subset of the redis client the lock uses.
type cmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis implements a distributed per-key lock using SETNX + TTL. The TTL
// bounds how long a crashed holder can block others.
type Redis struct {
	client cmdable
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedis builds a Redis lock from the redis section of the config.
func NewRedis(client cmdable, cfg config.RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	l := &Redis{client: client, ttl: cfg.LockTTL, wait: cfg.LockWait, poll: cfg.LockPoll}
	if l.ttl <= 0 {
		l.ttl = 10 * time.Second
	}
	if l.wait <= 0 {
		l.wait = DefaultWait
	}
	if l.poll <= 0 {
		l.poll = 25 * time.Millisecond
	}
	return l, nil
}

// Lock polls SETNX until it wins, the wait budget elapses or ctx ends.
func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	owner := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	backoff := retry.NewConstant(l.poll)
	err := retry.Do(waitCtx, backoff, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, redisKey, owner, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx %s: %w", redisKey, err)
		}
		if !ok {
			return retry.RetryableError(errHeld)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errHeld) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", generic.ErrLockTimeout, key)
		}
		return nil, err
	}

	return func() { l.release(redisKey, owner) }, nil
}

var errHeld = errors.New("lock held")

// release deletes the key only while we still own it. It runs on a fresh
// context so a cancelled request still frees the lock.
func (l *Redis) release(redisKey, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	l.client.Eval(ctx, releaseScript, []string{redisKey}, owner)
}

// NewRedisClient connects to Redis from URL or address and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, errors.New("redis url or address is required")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
