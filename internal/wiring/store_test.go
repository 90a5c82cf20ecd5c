// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"testing"

	"github.com/absmach/liner/config"
	"github.com/absmach/liner/store/badger"
	"github.com/absmach/liner/store/etcd"
	"github.com/absmach/liner/store/memory"
	"github.com/absmach/liner/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStoreMemory(t *testing.T) {
	for _, typ := range []string{"", config.StoreMemory} {
		b, err := OpenStore(context.Background(), config.StoreConfig{Type: typ}, nil)
		require.NoError(t, err)
		assert.IsType(t, &memory.Backend{}, b)
		require.NoError(t, b.Close())
	}
}

func TestOpenStoreBadger(t *testing.T) {
	cfg := config.Default().Store
	cfg.Type = config.StoreBadger
	cfg.Badger.Dir = t.TempDir()

	b, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &badger.Backend{}, b)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpenStoreEtcd(t *testing.T) {
	endpoint := testutil.StartEtcd(t)

	cfg := config.Default().Store
	cfg.Type = config.StoreEtcd
	cfg.Etcd.Endpoints = []string{endpoint}

	b, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &etcd.Backend{}, b)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpenStoreErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"unknown type", config.StoreConfig{Type: "zookeeper"}},
		{"redis without url", config.StoreConfig{Type: config.StoreRedis}},
		{"etcd without endpoints", config.StoreConfig{Type: config.StoreEtcd}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := OpenStore(context.Background(), tc.cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestStoreOptions(t *testing.T) {
	opts := StoreOptions(config.Default().Store)
	assert.Len(t, opts, 2)
}
