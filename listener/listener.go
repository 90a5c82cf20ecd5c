// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package listener is the inbound reactor of a liner client. It accepts peer
// connections, decodes frames, drops messages whose sequence number was
// already accepted from the same source, hands the rest to the client and
// checkpoints progress in the coordination store.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/liner/internal/workers"
	"github.com/absmach/liner/message"
	"github.com/absmach/liner/metrics"
	"github.com/absmach/liner/ratelimit"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults for zero Config fields.
const (
	DefaultReadBufferSize = 64 * 1024
	DefaultMaxEvents      = 128
	DefaultFlushTolerance = 100
	DefaultSourceCapacity = 4096
	DefaultKeepAlive      = 15 * time.Second
)

// ErrStopped is returned when starting a listener that was already stopped.
var ErrStopped = errors.New("listener stopped")

// Handler receives every accepted message. Calls for one source never
// overlap; calls for different sources may run concurrently.
type Handler func(m *message.Message)

// Checkpointer persists the last accepted sequence number per source.
type Checkpointer interface {
	LastReceived(ctx context.Context, senderName, topic string) (uint64, error)
	SetLastReceived(ctx context.Context, senderName, topic string, seq uint64) error
}

// Config holds the listener configuration.
type Config struct {
	ReadBufferSize int
	MaxFrameSize   int
	// MaxEvents sizes the reactor event queue.
	MaxEvents int
	// FlushTolerance is the number of accepted messages per source between
	// checkpoints.
	FlushTolerance uint64
	// FlushInterval checkpoints dirty sources periodically; zero disables it.
	FlushInterval  time.Duration
	SourceCapacity int
	TCPKeepAlive   time.Duration

	Limiter *ratelimit.PeerLimiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   clock.Clock
}

type handle uint64

type eventKind int

const (
	evAccepted eventKind = iota
	evClosed
)

type event struct {
	kind eventKind
	h    handle
	conn net.Conn
}

// Listener is the inbound reactor. The reactor goroutine owns the
// connection table; connections are referred to by handle everywhere else.
type Listener struct {
	cfg     Config
	ln      net.Listener
	store   Checkpointer
	pool    *workers.Pool
	handler Handler
	logger  *slog.Logger

	events chan event
	conns  map[handle]net.Conn
	next   handle

	srcMu   sync.Mutex
	sources *lru.Cache[message.Source, *source]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // accept loop and connection readers

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wraps ln. Nothing is accepted until Start.
func New(ln net.Listener, store Checkpointer, pool *workers.Pool, h Handler, cfg Config) (*Listener, error) {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = message.DefaultMaxFrameSize
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.FlushTolerance == 0 {
		cfg.FlushTolerance = DefaultFlushTolerance
	}
	if cfg.SourceCapacity <= 0 {
		cfg.SourceCapacity = DefaultSourceCapacity
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:     cfg,
		ln:      ln,
		store:   store,
		pool:    pool,
		handler: h,
		logger:  cfg.Logger,
		events:  make(chan event, cfg.MaxEvents),
		conns:   make(map[handle]net.Conn),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	sources, err := lru.NewWithEvict(cfg.SourceCapacity, l.evicted)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}
	l.sources = sources
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Start launches the accept loop and the reactor.
func (l *Listener) Start() error {
	if l.ctx.Err() != nil {
		return ErrStopped
	}
	l.startOnce.Do(func() {
		l.started.Store(true)
		l.wg.Add(1)
		go l.acceptLoop()
		go l.run()
		l.logger.Info("listener started", slog.String("address", l.ln.Addr().String()))
	})
	return nil
}

// Stop closes the listening socket and every connection, waits for readers
// to finish and checkpoints every source.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		err = l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		l.cancel()
		if l.started.Load() {
			<-l.done
		}
		l.wg.Wait()

		for _, key := range l.sources.Keys() {
			if s, ok := l.sources.Peek(key); ok {
				l.flush(context.Background(), key, s)
			}
		}
		l.logger.Info("listener stopped", slog.String("address", l.ln.Addr().String()))
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logger.Error("failed to accept connection", slog.String("error", err.Error()))
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if !l.cfg.Limiter.Allow(conn.RemoteAddr()) {
			l.logger.Warn("connection rate limit exceeded, rejecting connection",
				slog.String("remote", conn.RemoteAddr().String()))
			l.cfg.Metrics.RecordRejected()
			conn.Close()
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			l.configureTCPConn(tcpConn)
		}

		select {
		case l.events <- event{kind: evAccepted, conn: conn}:
		case <-l.ctx.Done():
			conn.Close()
			return
		}
	}
}

// run is the reactor loop.
func (l *Listener) run() {
	defer close(l.done)

	var tick <-chan time.Time
	if l.cfg.FlushInterval > 0 {
		ticker := l.cfg.Clock.Ticker(l.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-l.ctx.Done():
			for h, conn := range l.conns {
				conn.Close()
				delete(l.conns, h)
			}
			for {
				select {
				case ev := <-l.events:
					if ev.kind == evAccepted {
						ev.conn.Close()
					}
				default:
					return
				}
			}

		case ev := <-l.events:
			switch ev.kind {
			case evAccepted:
				l.next++
				h := l.next
				l.conns[h] = ev.conn
				l.cfg.Metrics.RecordConnection(metrics.Inbound)
				l.logger.Debug("connection accepted",
					slog.Uint64("handle", uint64(h)),
					slog.String("remote", ev.conn.RemoteAddr().String()))
				l.wg.Add(1)
				go l.serve(h, ev.conn)

			case evClosed:
				if conn, ok := l.conns[ev.h]; ok {
					conn.Close()
					delete(l.conns, ev.h)
					l.cfg.Metrics.RecordDisconnection(metrics.Inbound)
				}
			}

		case <-tick:
			l.flushDirty()
		}
	}
}

// serve reads frames from one connection until it closes.
func (l *Listener) serve(h handle, conn net.Conn) {
	defer l.wg.Done()

	touched := make(map[message.Source]*source)
	defer func() {
		for key, s := range touched {
			l.flush(context.Background(), key, s)
		}
		select {
		case l.events <- event{kind: evClosed, h: h}:
		case <-l.ctx.Done():
		}
	}()

	dec := message.NewDecoder(conn, l.cfg.ReadBufferSize, l.cfg.MaxFrameSize)
	for {
		m, err := dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, message.ErrNeedMoreData):
			continue
		case errors.Is(err, io.EOF):
			l.logger.Debug("connection closed by peer",
				slog.Uint64("handle", uint64(h)),
				slog.Int("unread", dec.Buffered()))
			return
		case errors.Is(err, message.ErrProtocol):
			l.logger.Warn("dropping connection with malformed frame",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			l.cfg.Metrics.RecordError("protocol")
			return
		case errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil:
			return
		default:
			l.logger.Warn("connection read failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			l.cfg.Metrics.RecordError("io")
			return
		}

		key := m.Source()
		s, ok := touched[key]
		if !ok {
			s = l.source(key)
			touched[key] = s
		}
		l.deliver(s, m)
	}
}

func (l *Listener) configureTCPConn(conn *net.TCPConn) {
	if l.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			l.logger.Debug("failed to enable keepalive", slog.String("error", err.Error()))
		} else {
			_ = conn.SetKeepAlivePeriod(l.cfg.TCPKeepAlive)
		}
	}
	_ = conn.SetReadBuffer(l.cfg.ReadBufferSize)
}
