// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process coordination store backend. Clients
// sharing one Backend value behave as if they shared a remote store.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/liner/store"
)

var _ store.Backend = (*Backend)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory backend closed")

// Backend is an in-memory implementation of store.Backend.
type Backend struct {
	mu      sync.RWMutex
	hashes  map[string]map[string]string
	strings map[string]string
	lists   map[string][][]byte
	closed  bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		lists:   make(map[string][][]byte),
	}
}

func (b *Backend) HSet(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (b *Backend) HDel(ctx context.Context, key, field string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	if h, ok := b.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(b.hashes, key)
		}
	}
	return nil
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(b.hashes[key]))
	for f, v := range b.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return "", err
	}

	v, ok := b.strings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	b.strings[key] = value
	return nil
}

func (b *Backend) SetNX(ctx context.Context, key, value string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return false, err
	}

	if _, ok := b.strings[key]; ok {
		return false, nil
	}
	b.strings[key] = value
	return true, nil
}

func (b *Backend) RPush(ctx context.Context, key string, values ...[]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	for _, v := range values {
		b.lists[key] = append(b.lists[key], append([]byte(nil), v...))
	}
	return nil
}

func (b *Backend) LDrain(ctx context.Context, key string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	out := b.lists[key]
	delete(b.lists, key)
	return out, nil
}

func (b *Backend) LLast(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	l := b.lists[key]
	if len(l) == 0 {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), l[len(l)-1]...), nil
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}

	for _, k := range keys {
		delete(b.hashes, k)
		delete(b.strings, k)
		delete(b.lists, k)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.check(ctx)
}

// Close makes every further operation fail with ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Keys returns the number of keys of any kind; used by tests.
func (b *Backend) Keys() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hashes) + len(b.strings) + len(b.lists)
}

func (b *Backend) check(ctx context.Context) error {
	if b.closed {
		return ErrClosed
	}
	return ctx.Err()
}
