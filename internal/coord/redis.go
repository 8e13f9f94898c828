// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/metrics"
)

const (
	defaultOpTimeout       = 3 * time.Second
	subscriptionBufferSize = 256
	sharedChannelSize      = 1024
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL       string        // redis:// or rediss:// URL; takes precedence over Addr
	Addr      string        // Redis server address (host:port)
	Password  string        // Redis password (optional)
	DB        int           // Redis database number
	PoolSize  int           // 0 keeps the client default
	OpTimeout time.Duration // per-round-trip deadline
}

func (c RedisConfig) options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
		}
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	return opts, nil
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Redis-backed implementation of Store.
type RedisStore struct {
	client    *redis.Client
	subs      *subscriber
	logger    zerolog.Logger
	opTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, config RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := config.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %w", ErrStore, err)
	}

	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to coordination store")

	return NewRedisStoreFromClient(client, config.OpTimeout, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership of it.
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration, logger zerolog.Logger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &RedisStore{
		client:    client,
		subs:      newSubscriber(client, opTimeout, logger),
		logger:    logger,
		opTimeout: opTimeout,
	}
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) fail(op, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		err = ErrClosed
	}
	metrics.IncStoreError(op)
	return fmt.Errorf("%w: %s %s: %w", ErrStore, op, key, err)
}

// Incr atomically increments the counter at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.fail("incr", key, err)
	}
	return n, nil
}

// Get retrieves a value; a missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("get", key, err)
	}
	return val, true, nil
}

// Set stores a value with TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.fail("setnx", key, err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if it still holds expected.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, s.fail("cad", key, err)
	}
	return n == 1, nil
}

// Expire refreshes the TTL of key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return s.fail("expire", key, err)
	}
	return nil
}

// Del removes key.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.fail("del", key, err)
	}
	return nil
}

// Publish sends message to every current subscriber of topic.
func (s *RedisStore) Publish(ctx context.Context, topic, message string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Publish(ctx, topic, message).Err(); err != nil {
		return s.fail("publish", topic, err)
	}
	return nil
}

// Subscribe adds topic to the store's shared subscriber connection and
// waits for Redis to confirm it. Subscribers that fall behind lose messages
// instead of stalling the other topics.
func (s *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	sub, err := s.subs.subscribe(ctx, topic)
	if err != nil {
		return nil, s.fail("subscribe", topic, err)
	}
	return sub, nil
}

// Subscribers reports how many live subscriptions this store holds for topic.
func (s *RedisStore) Subscribers(topic string) int {
	return s.subs.subscribers(topic)
}

// Ping checks if Redis is available.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

// Close ends every subscription and closes the Redis connections.
func (s *RedisStore) Close() error {
	subErr := s.subs.close()
	if err := s.client.Close(); err != nil {
		return err
	}
	return subErr
}
