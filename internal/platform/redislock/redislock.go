// Package redislock is a Redis-backed keyed mutex used to serialize slot
// reservations across server replicas.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTTL   = 10 * time.Second
	defaultRetry = 25 * time.Millisecond
	keyPrefix    = "intake:lock:"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can keep a key.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

func WithRetryInterval(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

func WithLogger(logger zerolog.Logger) Option { return func(l *Locker) { l.logger = logger } }

// New connects to the Redis at url ("redis://host:6379/0") and pings it.
func New(ctx context.Context, url string, opts ...Option) (*Locker, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

func NewWithClient(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{client: client, ttl: defaultTTL, retry: defaultRetry, logger: zerolog.Nop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", rkey, err)
		}
		if ok {
			return l.unlocker(rkey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(rkey, token string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(rkey, token) }) }
}

func (l *Locker) release(rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.client, []string{rkey}, token).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		l.logger.Warn().Err(err).Str("key", rkey).Msg("slot lock release failed; it will expire")
	case err == nil && n == 0:
		l.logger.Warn().Str("key", rkey).Dur("ttl", l.ttl).Msg("slot lock expired before release")
	}
}

// Ping reports whether Redis is reachable.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.client.Close()
}
