// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get(16)
	*b = append(*b, "hello"...)
	Put(b)

	b2 := Get(16)
	if len(*b2) != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", len(*b2))
	}
	Put(b2)
}

func TestGetHonorsSize(t *testing.T) {
	b := Get(defaultCap * 4)
	if cap(*b) < defaultCap*4 {
		t.Fatalf("expected capacity >= %d, got %d", defaultCap*4, cap(*b))
	}
	Put(b)
}

func TestOversizedBufferNotPooled(t *testing.T) {
	b := Get(maxPooledCap + 1)
	if cap(*b) < maxPooledCap+1 {
		t.Fatalf("expected capacity >= %d, got %d", maxPooledCap+1, cap(*b))
	}
	Put(b) // discarded, must not panic
	Put(nil)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := Get(64 + i)
			*b = append(*b, "concurrent frame"...)
			Put(b)
		}(i)
	}
	wg.Wait()
}
