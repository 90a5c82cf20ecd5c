// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd implements the coordination store on etcd.
//
// etcd is a flat key space, so the structured kinds are laid out as:
//
//	{key}                 string value
//	{key}/h/{field}       hash field
//	{key}/l/{ordinal}     list element, ordinals sort in push order
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/absmach/liner/store"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var _ store.Backend = (*Backend)(nil)

const (
	hashInfix = "/h/"
	listInfix = "/l/"

	// maxTxnOps stays below the server's default --max-txn-ops of 128.
	maxTxnOps = 100
)

// Config holds etcd client settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// Backend is a store.Backend on an etcd v3 client.
type Backend struct {
	kv     clientv3.KV
	client *clientv3.Client // nil unless owned
	last   atomic.Int64
}

// New dials the etcd cluster.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are not configured")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Backend{kv: client, client: client}, nil
}

// NewFromKV wraps an existing KV, such as a namespaced view of a shared
// client. Close leaves it open.
func NewFromKV(kv clientv3.KV) *Backend {
	return &Backend{kv: kv}
}

func (b *Backend) HSet(ctx context.Context, key, field, value string) error {
	_, err := b.kv.Put(ctx, key+hashInfix+field, value)
	return err
}

func (b *Backend) HDel(ctx context.Context, key, field string) error {
	_, err := b.kv.Delete(ctx, key+hashInfix+field)
	return err
}

func (b *Backend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	prefix := key + hashInfix
	resp, err := b.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key[len(prefix):])] = string(kv.Value)
	}
	return out, nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, error) {
	resp, err := b.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", store.ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b *Backend) SetNX(ctx context.Context, key, value string) (bool, error) {
	resp, err := b.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (b *Backend) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	ops := make([]clientv3.Op, len(values))
	for i, v := range values {
		ops[i] = clientv3.OpPut(key+listInfix+b.ordinal(), string(v))
	}
	return b.commit(ctx, ops)
}

func (b *Backend) LDrain(ctx context.Context, key string) ([][]byte, error) {
	prefix := key + listInfix
	resp, err := b.kv.Txn(ctx).Then(
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)),
		clientv3.OpDelete(prefix, clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return nil, err
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	out := make([][]byte, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Value
	}
	return out, nil
}

func (b *Backend) LLast(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.kv.Get(ctx, key+listInfix, clientv3.WithLastKey()...)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ops := make([]clientv3.Op, 0, 2*len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpDelete(k), clientv3.OpDelete(k+"/", clientv3.WithPrefix()))
	}
	return b.commit(ctx, ops)
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.kv.Get(ctx, "liner:ping", clientv3.WithCountOnly())
	return err
}

func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// commit applies ops in transactions of at most maxTxnOps operations.
func (b *Backend) commit(ctx context.Context, ops []clientv3.Op) error {
	for len(ops) > 0 {
		n := min(len(ops), maxTxnOps)
		if _, err := b.kv.Txn(ctx).Then(ops[:n]...).Commit(); err != nil {
			return err
		}
		ops = ops[n:]
	}
	return nil
}

// ordinal returns a key suffix that sorts after every suffix this process
// produced before, and after those of other processes that pushed earlier.
func (b *Backend) ordinal() string {
	for {
		prev := b.last.Load()
		next := max(time.Now().UnixNano(), prev+1)
		if b.last.CompareAndSwap(prev, next) {
			return fmt.Sprintf("%020d", next)
		}
	}
}
