package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps configuration blobs in Redis and announces changes on a pub/sub channel per
// key.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

const defaultRedisKeyPrefix = "mcp:config:"

// WithRedisKeyPrefix sets the prefix of every Redis key. Default: "mcp:config:".
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// WithRedisStoreLogger sets the logger for the RedisStore.
func WithRedisStoreLogger(logger *slog.Logger) RedisStoreOption {
	return func(r *RedisStore) {
		r.logger = logger
	}
}

// NewRedisStore creates a RedisStore over client.
func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	r := &RedisStore{
		client:    client,
		keyPrefix: defaultRedisKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return blob, nil
}

// Set implements Store and announces the change to watchers.
func (r *RedisStore) Set(ctx context.Context, key string, blob []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyPrefix+key, blob, 0)
		pipe.Publish(ctx, r.channel(key), "set")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Watch implements Watcher using the change channel written by Set.
func (r *RedisStore) Watch(ctx context.Context, key string, changed func()) error {
	sub := r.client.Subscribe(ctx, r.channel(key))
	defer func() {
		_ = sub.Close()
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel(key), err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			r.logger.Debug("config key changed", "key", key)
			changed()
		}
	}
}

func (r *RedisStore) channel(key string) string {
	return r.keyPrefix + "changed:" + key
}
