package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

// DefaultAddress is the default Redis address.
const DefaultAddress = "localhost:6379"

// connectTimeout bounds the connection verification ping.
const connectTimeout = 5 * time.Second

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address cannot be empty")

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is the host:port of the Redis server.
	Address string `yaml:"address" env:"REDIS_ADDRESS"`
	// Password authenticates the connection. Empty for none.
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	// DB selects the logical database.
	DB int `yaml:"db" env:"REDIS_DB"`
	// TTL expires written keys. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl" env:"REDIS_TTL"`
}

// SetDefaults fills unset fields.
func (c *RedisConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
}

// Redis is a Store backed by a Redis server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis store and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return &Redis{client: client, ttl: cfg.TTL}, nil
}

// Put stores value under key, applying the configured TTL.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, "kvstore.put", err)
	}
	return nil
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, errs.Wrap(errs.KindUnavailable, "kvstore.get", err)
	}
	return value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, "kvstore.delete", err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
