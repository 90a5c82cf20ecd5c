// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"testing"

	"github.com/absmach/liner/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendFactory returns a fresh, empty backend for one subtest.
type BackendFactory func(t *testing.T) store.Backend

// RunBackendSuite exercises the store.Backend contract against newBackend.
func RunBackendSuite(t *testing.T, newBackend BackendFactory) {
	t.Run("Hash", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		all, err := b.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Empty(t, all)

		require.NoError(t, b.HSet(ctx, "h", "a", "1"))
		require.NoError(t, b.HSet(ctx, "h", "b", "2"))
		require.NoError(t, b.HSet(ctx, "h", "a", "3"))

		all, err = b.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "3", "b": "2"}, all)

		require.NoError(t, b.HDel(ctx, "h", "a"))
		require.NoError(t, b.HDel(ctx, "h", "missing"))
		all, err = b.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"b": "2"}, all)
	})

	t.Run("HashFieldsWithSeparators", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.HSet(ctx, "liner:topic:t:addr", "127.0.0.1:9000", "x"))
		require.NoError(t, b.HSet(ctx, "liner:topic:t:addr", "[::1]:9001", "y"))
		require.NoError(t, b.HSet(ctx, "liner:topic:t:addr2", "127.0.0.1:9002", "z"))

		all, err := b.HGetAll(ctx, "liner:topic:t:addr")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"127.0.0.1:9000": "x", "[::1]:9001": "y"}, all)
	})

	t.Run("String", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Get(ctx, "s")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, b.Set(ctx, "s", "v1"))
		v, err := b.Get(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)

		ok, err := b.SetNX(ctx, "s", "v2")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.SetNX(ctx, "n", "0")
		require.NoError(t, err)
		assert.True(t, ok)
		v, err = b.Get(ctx, "n")
		require.NoError(t, err)
		assert.Equal(t, "0", v)
	})

	t.Run("List", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.LLast(ctx, "l")
		require.ErrorIs(t, err, store.ErrNotFound)

		drained, err := b.LDrain(ctx, "l")
		require.NoError(t, err)
		assert.Empty(t, drained)

		require.NoError(t, b.RPush(ctx, "l", []byte("a"), []byte("b")))
		require.NoError(t, b.RPush(ctx, "l", []byte("c")))

		last, err := b.LLast(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), last)

		drained, err = b.LDrain(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, drained)

		drained, err = b.LDrain(ctx, "l")
		require.NoError(t, err)
		assert.Empty(t, drained)
	})

	t.Run("ListKeepsOrderAcrossManyPushes", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		var want [][]byte
		for i := 0; i < 25; i++ {
			v := []byte{byte(i)}
			want = append(want, v)
			require.NoError(t, b.RPush(ctx, "l", v))
		}
		got, err := b.LDrain(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Del", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.HSet(ctx, "h", "f", "v"))
		require.NoError(t, b.Set(ctx, "s", "v"))
		require.NoError(t, b.RPush(ctx, "l", []byte("v")))
		require.NoError(t, b.Set(ctx, "keep", "v"))

		require.NoError(t, b.Del(ctx, "h", "s", "l", "missing"))

		all, err := b.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Empty(t, all)
		_, err = b.Get(ctx, "s")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = b.LLast(ctx, "l")
		assert.ErrorIs(t, err, store.ErrNotFound)

		v, err := b.Get(ctx, "keep")
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	})

	t.Run("Ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(context.Background()))
	})
}
