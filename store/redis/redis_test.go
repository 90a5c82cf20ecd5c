// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/absmach/liner/store"
	"github.com/absmach/liner/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set LINER_TEST_REDIS_URL (for example redis://localhost:6379/15) to run
// these tests against a live server. The database is flushed.
const urlEnv = "LINER_TEST_REDIS_URL"

var keyspace atomic.Int64

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	url := os.Getenv(urlEnv)
	if url == "" {
		t.Skipf("%s not set", urlEnv)
	}
	b, err := New(context.Background(), Config{URL: url})
	require.NoError(t, err)
	require.NoError(t, b.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	testutil.RunBackendSuite(t, func(t *testing.T) store.Backend {
		return newTestBackend(t)
	})
}

func TestBackend_Adapter(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	topic := fmt.Sprintf("t%d", keyspace.Add(1))
	a, err := store.NewAdapter(b, "x", topic)
	require.NoError(t, err)
	defer a.Close()
	a.SetAddress("127.0.0.1:7001")

	require.NoError(t, a.RegisterTopic(ctx, topic))
	addrs, err := a.AddressesOfTopic(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:7001"}, addrs)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{URL: "://bad"})
	assert.Error(t, err)
}
