// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/absmach/liner/message"
	"github.com/absmach/liner/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	stateIdle int32 = iota
	stateConnecting
	stateConnected
)

// destination is the outbound state of one address.
type destination struct {
	addr  string
	ready atomic.Bool // queued for the reactor's write pass
	state atomic.Int32
	tried atomic.Bool // a connect was attempted at least once

	mu       sync.Mutex
	queue    []*message.Message
	listener store.Identity

	// wmu is held by whichever task works on the connection. Write tasks
	// only try it and leave the batch to the holder.
	wmu      sync.Mutex
	conn     net.Conn
	w        *bufio.Writer
	h        handle
	lastSent uint64

	liveMu sync.Mutex
	live   net.Conn
}

func (d *destination) setLive(conn net.Conn) {
	d.liveMu.Lock()
	d.live = conn
	d.liveMu.Unlock()
}

// closeLive closes the current connection without taking wmu.
func (d *destination) closeLive() {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()
	if d.live != nil {
		d.live.Close()
	}
}

// closeConn tears the connection down. Callers hold wmu.
func (d *destination) closeConn() {
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = nil
	d.w = nil
	d.setLive(nil)
	d.state.Store(stateIdle)
}

func (d *destination) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// connect dials d, loads its checkpoints and parked frames, and hands the
// connection to the reactor.
func (s *Sender) connect(d *destination) {
	d.tried.Store(true)

	ctx, span := s.tracer.Start(s.ctx, "liner.sender.connect",
		trace.WithAttributes(attribute.String("address", d.addr)))
	defer span.End()

	conn, last, err := s.open(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.state.Store(stateIdle)
		if s.ctx.Err() != nil {
			return
		}
		s.cfg.Metrics.RecordConnectFailure()
		s.logger.Debug("failed to connect to destination",
			slog.String("address", d.addr),
			slog.String("error", err.Error()))
		s.requestConnect(d.addr, false)
		return
	}

	d.wmu.Lock()
	h := handle(s.handles.Add(1))
	d.conn = conn
	d.w = bufio.NewWriterSize(conn, s.cfg.WriteBufferSize)
	d.h = h
	d.lastSent = last
	d.setLive(conn)
	d.state.Store(stateConnected)
	d.wmu.Unlock()

	s.wg.Add(1)
	go s.watch(h, conn)

	if !s.post(event{kind: evConnected, h: h, d: d}) || s.ctx.Err() != nil {
		d.closeLive()
		return
	}
	s.logger.Debug("connected to destination",
		slog.String("address", d.addr),
		slog.Uint64("handle", uint64(h)),
		slog.Uint64("last_sent", last))
	s.notify(d)
}

func (s *Sender) open(ctx context.Context, d *destination) (net.Conn, uint64, error) {
	id, err := s.store.ListenerIdentity(ctx, d.addr)
	if err != nil {
		return nil, 0, err
	}
	d.mu.Lock()
	d.listener = id
	d.mu.Unlock()

	v, err := s.breakers.execute(d.addr, func() (any, error) {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
		return s.cfg.Dial(dctx, d.addr)
	})
	if err != nil {
		return nil, 0, err
	}
	conn := v.(net.Conn)

	last, err := s.lastSent(ctx, id)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}

	if err := s.store.SaveDestination(ctx, d.addr, id); err != nil {
		s.logger.Warn("failed to record destination",
			slog.String("address", d.addr),
			slog.String("error", err.Error()))
	}
	s.unpark(ctx, d, id)
	return conn, last, nil
}

// lastSent returns the highest sequence already delivered to id, taking the
// destination's own receive checkpoint into account.
func (s *Sender) lastSent(ctx context.Context, id store.Identity) (uint64, error) {
	if err := s.store.InitLastSent(ctx, id); err != nil {
		return 0, err
	}
	sent, err := s.store.LastSent(ctx, id)
	if err != nil {
		return 0, err
	}
	acked, err := s.store.PeerLastReceived(ctx, id)
	if err != nil {
		return 0, err
	}
	return max(sent, acked), nil
}

// unpark moves frames parked for id ahead of the live queue of d.
func (s *Sender) unpark(ctx context.Context, d *destination, id store.Identity) {
	frames, err := s.store.DrainParked(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load parked messages",
			slog.String("address", d.addr),
			slog.String("error", err.Error()))
		return
	}
	if len(frames) == 0 {
		return
	}

	msgs := make([]*message.Message, 0, len(frames))
	for _, f := range frames {
		m, err := message.Decode(f)
		if err != nil {
			s.logger.Warn("discarding malformed parked frame",
				slog.String("address", d.addr),
				slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, m)
	}

	d.mu.Lock()
	d.queue = append(msgs, d.queue...)
	d.mu.Unlock()
	s.cfg.Metrics.RecordEnqueued(len(msgs))
	s.logger.Info("resending parked messages",
		slog.String("address", d.addr),
		slog.Int("count", len(msgs)))
}

// write drains the queue of d onto its connection. A task that finds the
// connection busy returns; the busy task picks the frames up on release.
func (s *Sender) write(d *destination) {
	if !d.wmu.TryLock() {
		return
	}
	s.writeBatch(d)
	d.wmu.Unlock()

	if d.state.Load() == stateConnected && d.queued() > 0 {
		s.notify(d)
	}
}

// writeBatch runs with wmu held.
func (s *Sender) writeBatch(d *destination) {
	if d.conn == nil {
		return
	}

	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	listener := d.listener
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, span := s.tracer.Start(s.ctx, "liner.sender.write",
		trace.WithAttributes(
			attribute.String("address", d.addr),
			attribute.Int("queued", len(batch))))
	defer span.End()

	last := d.lastSent
	var frames, bytes int
	var err error
	for _, m := range batch {
		if m.Sequence <= last {
			continue
		}
		if err = message.WriteFrame(d.w, m); err != nil {
			break
		}
		frames++
		bytes += m.FrameSize()
		last = m.Sequence
	}
	if err == nil {
		err = d.w.Flush()
	}

	if err != nil {
		// Nothing in the batch is known to have arrived.
		retry := make([]*message.Message, 0, len(batch))
		for _, m := range batch {
			if m.Sequence > d.lastSent {
				retry = append(retry, m)
			}
		}
		d.mu.Lock()
		d.queue = append(retry, d.queue...)
		d.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.cfg.Metrics.RecordBatch(0, 0, len(batch)-len(retry))
		s.cfg.Metrics.RecordError("write")
		s.logger.Warn("failed to write to destination",
			slog.String("address", d.addr),
			slog.Int("requeued", len(retry)),
			slog.String("error", err.Error()))

		d.closeConn()
		if s.ctx.Err() == nil {
			s.requestConnect(d.addr, false)
		}
		return
	}

	d.lastSent = last
	span.SetAttributes(attribute.Int("frames", frames), attribute.Int64("last_sent", int64(last)))
	s.cfg.Metrics.RecordBatch(frames, bytes, len(batch))
	if frames == 0 {
		return
	}
	if err := s.store.SetLastSent(context.Background(), listener, last); err != nil {
		s.logger.Warn("failed to store send checkpoint",
			slog.String("address", d.addr),
			slog.Uint64("sequence", last),
			slog.String("error", err.Error()))
		s.cfg.Metrics.RecordError("store")
		return
	}
	s.cfg.Metrics.RecordCheckpoint("sent")
}

// drop handles a hangup of connection h.
func (s *Sender) drop(d *destination, h handle) {
	d.wmu.Lock()
	if d.h != h || d.conn == nil {
		d.wmu.Unlock()
		return
	}
	d.closeConn()
	d.wmu.Unlock()

	s.logger.Debug("destination hung up", slog.String("address", d.addr))
	if s.ctx.Err() == nil {
		s.requestConnect(d.addr, false)
	}
}

// park closes d and stores every queued frame it has not delivered.
func (s *Sender) park(d *destination) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.closeConn()

	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	listener := d.listener
	d.mu.Unlock()

	frames := make([][]byte, 0, len(batch))
	for _, m := range batch {
		if m.Sequence > d.lastSent {
			frames = append(frames, m.Encode())
		}
	}
	if len(frames) == 0 {
		return nil
	}

	ctx := context.Background()
	if listener == (store.Identity{}) {
		id, err := s.store.ListenerIdentity(ctx, d.addr)
		if err != nil {
			s.logger.Error("dropping undelivered messages for unknown destination",
				slog.String("address", d.addr),
				slog.Int("count", len(frames)),
				slog.String("error", err.Error()))
			return fmt.Errorf("failed to park %d messages for %s: %w", len(frames), d.addr, err)
		}
		listener = id
	}
	if err := s.store.ParkFrames(ctx, listener, frames); err != nil {
		s.logger.Error("failed to park undelivered messages",
			slog.String("address", d.addr),
			slog.Int("count", len(frames)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to park %d messages for %s: %w", len(frames), d.addr, err)
	}
	if err := s.store.SaveDestination(ctx, d.addr, listener); err != nil {
		s.logger.Warn("failed to record destination",
			slog.String("address", d.addr),
			slog.String("error", err.Error()))
	}
	s.cfg.Metrics.RecordParked(len(frames))
	s.logger.Info("parked undelivered messages",
		slog.String("address", d.addr),
		slog.String("listener", listener.String()),
		slog.Int("count", len(frames)))
	return nil
}
