// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds runtime components from configuration.
package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/liner/config"
	"github.com/absmach/liner/store"
	"github.com/absmach/liner/store/badger"
	"github.com/absmach/liner/store/etcd"
	"github.com/absmach/liner/store/memory"
	"github.com/absmach/liner/store/redis"
)

// OpenStore connects to the coordination store selected by cfg.Type.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", config.StoreMemory:
		logger.Info("Using in-memory coordination store")
		return memory.New(), nil

	case config.StoreRedis:
		b, err := redis.New(ctx, redis.Config{
			URL:         cfg.Redis.URL,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Using redis coordination store", slog.String("url", cfg.Redis.URL))
		return b, nil

	case config.StoreEtcd:
		b, err := etcd.New(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		logger.Info("Using etcd coordination store", slog.Any("endpoints", cfg.Etcd.Endpoints))
		return b, nil

	case config.StoreBadger:
		b, err := badger.New(badger.Config{Dir: cfg.Badger.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		logger.Info("Using BadgerDB coordination store", slog.String("dir", cfg.Badger.Dir))
		return b, nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// StoreOptions returns the adapter options configured by cfg.
func StoreOptions(cfg config.StoreConfig) []store.Option {
	return []store.Option{
		store.WithTimeout(cfg.Timeout),
		store.WithCompression(cfg.Compression),
	}
}
