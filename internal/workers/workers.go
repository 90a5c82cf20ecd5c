// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workers provides the bounded pool that runs decode, connect and
// write work off the reactor goroutines.
package workers

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used for non-positive pool sizes.
const DefaultSize = 16

// Pool runs submitted tasks with bounded concurrency. Submit never blocks
// the caller; tasks wait for a slot on their own goroutine.
type Pool struct {
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	running atomic.Int64
}

// New returns a pool running at most size tasks at once.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit schedules fn. It reports false if the pool is closed.
func (p *Pool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Acquire only fails on a done context.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		fn()
	}()
	return true
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects further submissions and waits for the submitted tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
