// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/liner/store"
	"github.com/absmach/liner/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	testutil.RunBackendSuite(t, func(t *testing.T) store.Backend {
		return New()
	})
}

func TestBackend_Isolation(t *testing.T) {
	b := New()
	ctx := context.Background()

	v := []byte("abc")
	require.NoError(t, b.RPush(ctx, "l", v))
	v[0] = 'x'

	last, err := b.LLast(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), last)

	require.NoError(t, b.HSet(ctx, "h", "f", "1"))
	all, err := b.HGetAll(ctx, "h")
	require.NoError(t, err)
	all["f"] = "2"
	all, err = b.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "1", all["f"])
}

func TestBackend_Close(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	ctx := context.Background()
	assert.ErrorIs(t, b.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, b.Set(ctx, "k", "v"), ErrClosed)
	_, err := b.HGetAll(ctx, "h")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackend_CanceledContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Set(ctx, "k", "v"), context.Canceled)
	assert.Zero(t, b.Keys())
}
