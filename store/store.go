// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store is the coordination-store layer: topic membership, address
// routing and per-pair sequence checkpoints shared by all liner clients.
//
// Backend is the small key-value contract implemented by memory, redis, etcd
// and badger. Adapter builds the typed operations used by the delivery engine
// on top of it.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by backends for absent keys.
	ErrNotFound = errors.New("key not found")

	// ErrBackend wraps every failed round-trip to the coordination store.
	ErrBackend = errors.New("coordination store failure")
)

// Backend is a key-value service with hash, string and list values.
// Keys of different kinds never collide; Del removes a key of any kind.
type Backend interface {
	// HSet sets field in the hash at key.
	HSet(ctx context.Context, key, field, value string) error
	// HDel removes field from the hash at key.
	HDel(ctx context.Context, key, field string) error
	// HGetAll returns every field of the hash at key; an absent hash is empty.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Get returns the string at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a string at key.
	Set(ctx context.Context, key, value string) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string) (bool, error)

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...[]byte) error
	// LDrain atomically returns and removes every element of the list at key.
	LDrain(ctx context.Context, key string) ([][]byte, error)
	// LLast returns the tail element of the list at key or ErrNotFound.
	LLast(ctx context.Context, key string) ([]byte, error)

	// Del removes keys of any kind.
	Del(ctx context.Context, keys ...string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
