// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles frame encoding buffers.
package bufpool

import "sync"

const (
	defaultCap = 4 << 10

	// Frames larger than this are encoded into one-off buffers.
	maxPooledCap = 256 << 10
)

var pool = sync.Pool{New: func() any {
	b := make([]byte, 0, defaultCap)
	return &b
}}

// Get returns an empty buffer with capacity for at least size bytes.
func Get(size int) *[]byte {
	if size > maxPooledCap {
		b := make([]byte, 0, size)
		return &b
	}
	b := pool.Get().(*[]byte)
	if cap(*b) < size {
		*b = make([]byte, 0, size)
	}
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool unless it grew past the pooling limit.
func Put(b *[]byte) {
	if b == nil || cap(*b) > maxPooledCap {
		return
	}
	pool.Put(b)
}
