// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements the coordination store on an embedded BadgerDB.
// It serves clients that share one process, or a single daemon that keeps
// its checkpoints and parked messages on local disk.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/liner/store"
	"github.com/dgraph-io/badger/v4"
)

var _ store.Backend = (*Backend)(nil)

// Key layout mirrors the etcd backend:
//
//	{key}                 string value
//	{key}/h/{field}       hash field
//	{key}/l/{ordinal}     list element, 8-byte big-endian ordinal
const (
	hashInfix = "/h/"
	listInfix = "/l/"

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // data directory
	InMemory bool   // keep everything in memory; Dir is ignored
}

// Backend is a store.Backend on BadgerDB.
type Backend struct {
	db   *badger.DB
	last atomic.Uint64

	gcStop chan struct{}
	gcDone chan struct{}
	mu     sync.Mutex
	closed bool
}

// New opens the database and starts value log garbage collection.
func New(cfg Config) (*Backend, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Checkpoints are rewritten often and a lost tail only causes duplicates
	// the listener already drops.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		db:     db,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	b.last.Store(uint64(time.Now().UnixNano()))
	go b.runGC()
	return b, nil
}

func (b *Backend) HSet(ctx context.Context, key, field, value string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key+hashInfix+field), []byte(value))
	})
}

func (b *Backend) HDel(ctx context.Context, key, field string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key + hashInfix + field))
	})
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	prefix := []byte(key + hashInfix)
	out := make(map[string]string)
	err := b.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			field := string(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				out[field] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := b.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = string(val)
			return nil
		})
	})
	return v, err
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

func (b *Backend) SetNX(ctx context.Context, key, value string) (bool, error) {
	var created bool
	err := b.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set([]byte(key), []byte(value))
	})
	return created, err
}

func (b *Backend) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, v := range values {
			k := binary.BigEndian.AppendUint64([]byte(key+listInfix), b.last.Add(1))
			if err := txn.Set(k, append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) LDrain(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := b.update(ctx, func(txn *badger.Txn) error {
		out = out[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(key + listInfix)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			out = append(out, v)
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) LLast(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := b.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(key + listInfix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if !it.Valid() {
			return store.ErrNotFound
		}
		var err error
		v, err = it.Item().ValueCopy(nil)
		return err
	})
	return v, err
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(key + "/")
			it := txn.NewIterator(opts)
			var children [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				children = append(children, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range children {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db.IsClosed() {
		return badger.ErrDBClosed
	}
	return nil
}

// Close stops garbage collection and closes the database. It is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.gcStop)
	<-b.gcDone
	return b.db.Close()
}

func (b *Backend) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *Backend) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func (b *Backend) runGC() {
	defer close(b.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect.
			_ = b.db.RunValueLogGC(gcDiscardRatio)
		case <-b.gcStop:
			return
		}
	}
}
