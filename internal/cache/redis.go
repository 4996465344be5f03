package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	TLSEnabled bool
}

const pending = "pending"

// Redis is an Idempotency backed by redis. A key holds "pending" while its
// request runs and the JSON response afterwards.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: "idem:"}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Begin(ctx context.Context, key string, ttl time.Duration) (*Response, error) {
	k := r.prefix + key
	ok, err := r.rdb.SetNX(ctx, k, pending, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: reserve %s: %w", key, err)
	}
	if ok {
		return nil, nil
	}
	raw, err := r.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return r.Begin(ctx, key, ttl)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	if raw == pending {
		return nil, ErrInFlight
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return &resp, nil
}

func (r *Redis) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis: store %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Abort(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}
