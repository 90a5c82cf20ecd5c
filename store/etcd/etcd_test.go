// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/liner/store"
	"github.com/absmach/liner/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

var ns atomic.Int64

func TestBackend(t *testing.T) {
	endpoint := testutil.StartEtcd(t)
	root, err := New(Config{Endpoints: []string{endpoint}, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })

	// Every subtest gets its own key namespace on the shared server.
	testutil.RunBackendSuite(t, func(t *testing.T) store.Backend {
		prefix := fmt.Sprintf("/suite-%d/", ns.Add(1))
		return NewFromKV(namespace.NewKV(root.kv, prefix))
	})
}

func TestBackend_LargeBatches(t *testing.T) {
	endpoint := testutil.StartEtcd(t)
	b, err := New(Config{Endpoints: []string{endpoint}})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	values := make([][]byte, 3*maxTxnOps+7)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("v%04d", i))
	}
	require.NoError(t, b.RPush(ctx, "big", values...))

	last, err := b.LLast(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, values[len(values)-1], last)

	got, err := b.LDrain(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, values, got)

	keys := make([]string, 2*maxTxnOps)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		require.NoError(t, b.Set(ctx, keys[i], "v"))
	}
	require.NoError(t, b.Del(ctx, keys...))
	_, err = b.Get(ctx, keys[len(keys)-1])
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBackend_DelLeavesSiblingKeys(t *testing.T) {
	endpoint := testutil.StartEtcd(t)
	b, err := New(Config{Endpoints: []string{endpoint}})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.HSet(ctx, "liner:topic:a:addr", "x", "1"))
	require.NoError(t, b.HSet(ctx, "liner:topic:ab:addr", "y", "2"))
	require.NoError(t, b.Del(ctx, "liner:topic:a:addr"))

	all, err := b.HGetAll(ctx, "liner:topic:ab:addr")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"y": "2"}, all)

	resp, err := b.kv.Get(ctx, "liner:topic:a:addr", clientv3.WithPrefix(), clientv3.WithCountOnly())
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
}

func TestNew_NoEndpoints(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
