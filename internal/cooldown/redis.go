package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker shares cooldown state between processes. A key is claimed with
// SET NX and expires after the window.
type RedisTracker struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the shared tracker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"-" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
}

// NewRedisTracker connects to redis and verifies the connection.
func NewRedisTracker(ctx context.Context, cfg RedisConfig) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "qmoi:cooldown:"
	}
	return &RedisTracker{client: client, prefix: prefix}, nil
}

// Allow implements Tracker.
func (t *RedisTracker) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := t.client.SetNX(ctx, t.prefix+key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown claim %s: %w", key, err)
	}
	return ok, nil
}

// Reset implements Tracker.
func (t *RedisTracker) Reset(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.prefix+key).Err()
}

// Close releases the redis connection pool.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}
