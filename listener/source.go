// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/liner/message"
)

// source is the receive state of one (sender, topic) pair.
type source struct {
	// mu serializes delivery so the handler sees one message at a time per
	// source in increasing sequence order.
	mu     sync.Mutex
	loaded atomic.Bool
	last   atomic.Uint64

	flushMu  sync.Mutex
	flushed  uint64 // guarded by flushMu
	flushing atomic.Bool
}

func (s *source) dirty() bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.loaded.Load() && s.last.Load() > s.flushed
}

// source returns the state for key, creating it if needed.
func (l *Listener) source(key message.Source) *source {
	l.srcMu.Lock()
	defer l.srcMu.Unlock()
	if s, ok := l.sources.Get(key); ok {
		return s
	}
	s := &source{}
	l.sources.Add(key, s)
	return s
}

// evicted runs under srcMu when the cache drops a source to make room. The
// checkpoint is written before srcMu is released, so a later lookup of key
// loads the progress made here. The state still referenced by open
// connections keeps working; it is only forgotten here.
func (l *Listener) evicted(key message.Source, s *source) {
	if !s.dirty() {
		return
	}
	l.flush(context.Background(), key, s)
}

// deliver applies deduplication and hands accepted messages to the handler.
func (l *Listener) deliver(s *source, m *message.Message) {
	key := m.Source()

	s.mu.Lock()
	if !s.loaded.Load() {
		l.load(key, s)
	}
	if m.Sequence <= s.last.Load() {
		s.mu.Unlock()
		l.cfg.Metrics.RecordDuplicate()
		l.logger.Debug("dropping duplicate message",
			slog.String("sender", key.Name),
			slog.String("topic", key.Topic),
			slog.Uint64("sequence", m.Sequence))
		return
	}
	s.last.Store(m.Sequence)

	latency := float64(l.cfg.Clock.Now().UnixMilli() - int64(m.Timestamp))
	l.cfg.Metrics.RecordReceived(m.FrameSize(), latency)
	if l.handler != nil {
		l.handler(m)
	}
	s.mu.Unlock()

	s.flushMu.Lock()
	due := s.loaded.Load() && m.Sequence-s.flushed >= l.cfg.FlushTolerance
	s.flushMu.Unlock()
	if due {
		l.scheduleFlush(key, s)
	}
}

// load reads the checkpoint of a source seen for the first time. On store
// failure the source stays unloaded and delivery proceeds from zero, so a
// restart may redeliver but never loses a message.
func (l *Listener) load(key message.Source, s *source) {
	seq, err := l.store.LastReceived(l.ctx, key.Name, key.Topic)
	if err != nil {
		l.logger.Warn("failed to load receive checkpoint",
			slog.String("sender", key.Name),
			slog.String("topic", key.Topic),
			slog.String("error", err.Error()))
		l.cfg.Metrics.RecordError("store")
		return
	}
	s.flushMu.Lock()
	s.flushed = seq
	s.flushMu.Unlock()
	if seq > s.last.Load() {
		s.last.Store(seq)
	}
	s.loaded.Store(true)
}

func (l *Listener) scheduleFlush(key message.Source, s *source) {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	ok := l.pool.Submit(func() {
		defer s.flushing.Store(false)
		l.flush(context.Background(), key, s)
	})
	if !ok {
		s.flushing.Store(false)
	}
}

// flush persists the last accepted sequence of a source if it moved.
func (l *Listener) flush(ctx context.Context, key message.Source, s *source) {
	if !s.loaded.Load() {
		return
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	last := s.last.Load()
	if last <= s.flushed {
		return
	}
	if err := l.store.SetLastReceived(ctx, key.Name, key.Topic, last); err != nil {
		l.logger.Warn("failed to store receive checkpoint",
			slog.String("sender", key.Name),
			slog.String("topic", key.Topic),
			slog.Uint64("sequence", last),
			slog.String("error", err.Error()))
		l.cfg.Metrics.RecordError("store")
		return
	}
	s.flushed = last
	l.cfg.Metrics.RecordCheckpoint("received")
}

// flushDirty schedules a flush for every source with unsaved progress.
func (l *Listener) flushDirty() {
	for _, key := range l.sources.Keys() {
		s, ok := l.sources.Peek(key)
		if ok && s.dirty() {
			l.scheduleFlush(key, s)
		}
	}
}
