package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared fixed-window limiter.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	Prefix      string
	Limit       int
	Window      time.Duration
}

// Redis counts requests per key in fixed windows using INCR and EXPIRE.
type Redis struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "adgate:watch"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   2,
	})
	return &Redis{client: client, prefix: prefix, limit: cfg.Limit, window: window}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.limit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	full := r.prefix + ":" + key
	count, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", full, err)
	}
	if count == 1 {
		seconds := r.window.Round(time.Second)
		if seconds < time.Second {
			seconds = time.Second
		}
		if err := r.client.Expire(ctx, full, seconds).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", full, err)
		}
	}
	if count <= int64(r.limit) {
		return true, 0, nil
	}
	ttl, err := r.client.TTL(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", full, err)
	}
	if ttl <= 0 {
		return false, r.window, nil
	}
	return false, ttl, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
