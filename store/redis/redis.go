// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis implements the coordination store on a Redis server, the
// deployment shared by clients running on different hosts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/liner/store"
	"github.com/redis/go-redis/v9"
)

var _ store.Backend = (*Backend)(nil)

// Config holds Redis connection settings.
type Config struct {
	URL         string // redis://host:port/db
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Backend is a store.Backend on a go-redis client.
type Backend struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	b := &Backend{client: redis.NewClient(opts)}
	if err := b.Ping(ctx); err != nil {
		b.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return b, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client) *Backend {
	return &Backend{client: c}
}

func (b *Backend) HSet(ctx context.Context, key, field, value string) error {
	return b.client.HSet(ctx, key, field, value).Err()
}

func (b *Backend) HDel(ctx context.Context, key, field string) error {
	return b.client.HDel(ctx, key, field).Err()
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	return v, err
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	return b.client.Set(ctx, key, value, 0).Err()
}

func (b *Backend) SetNX(ctx context.Context, key, value string) (bool, error) {
	return b.client.SetNX(ctx, key, value, 0).Result()
}

func (b *Backend) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.client.RPush(ctx, key, args...).Err()
}

func (b *Backend) LDrain(ctx context.Context, key string) ([][]byte, error) {
	var rng *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	vals := rng.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (b *Backend) LLast(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.LIndex(ctx, key, -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	return v, err
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return b.client.Close()
}
