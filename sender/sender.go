// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sender is the outbound reactor of a liner client. It keeps one
// connection per destination address, writes queued frames in sequence
// order, checkpoints the last written sequence in the coordination store
// and reconnects to destinations that went away.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/liner/internal/workers"
	"github.com/absmach/liner/message"
	"github.com/absmach/liner/metrics"
	"github.com/absmach/liner/store"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// Defaults for zero Config fields.
const (
	DefaultWriteBufferSize   = 64 * 1024
	DefaultMaxEvents         = 128
	DefaultReconnectInterval = time.Second
	DefaultDialTimeout       = 3 * time.Second
)

// ErrStopped is returned when using a stopped sender.
var ErrStopped = errors.New("sender stopped")

// Store is the part of the coordination store the sender relies on.
type Store interface {
	ListenerIdentity(ctx context.Context, addr string) (store.Identity, error)
	LastSent(ctx context.Context, listener store.Identity) (uint64, error)
	SetLastSent(ctx context.Context, listener store.Identity, seq uint64) error
	InitLastSent(ctx context.Context, listener store.Identity) error
	PeerLastReceived(ctx context.Context, listener store.Identity) (uint64, error)
	SaveDestination(ctx context.Context, addr string, listener store.Identity) error
	Destinations(ctx context.Context) (map[string]store.Identity, error)
	ParkFrames(ctx context.Context, listener store.Identity, frames [][]byte) error
	DrainParked(ctx context.Context, listener store.Identity) ([][]byte, error)
	LastParked(ctx context.Context, listener store.Identity) ([]byte, bool, error)
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config holds the sender configuration.
type Config struct {
	WriteBufferSize int
	// MaxEvents sizes the reactor event queue.
	MaxEvents int
	// ReconnectInterval gates retries of destinations whose connection
	// failed or dropped.
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	Breaker           BreakerConfig

	Dial    DialFunc
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Clock   clock.Clock
}

type handle uint64

type eventKind int

const (
	evConnected eventKind = iota
	evHangup
)

type event struct {
	kind eventKind
	h    handle
	d    *destination
	conn net.Conn
}

// Sender is the outbound reactor. Producers enqueue frames per address;
// the reactor goroutine starts connects and write batches on the pool.
type Sender struct {
	cfg      Config
	store    Store
	pool     *workers.Pool
	logger   *slog.Logger
	tracer   trace.Tracer
	breakers *breakers

	wake   chan struct{}
	events chan event

	// conns is owned by the reactor goroutine.
	conns   map[handle]*destination
	handles atomic.Uint64

	destMu sync.Mutex
	dests  map[string]*destination

	pendMu  sync.Mutex
	pending map[string]bool // address -> connect without waiting for the retry tick

	readyMu sync.Mutex
	ready   []*destination

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tasks  sync.WaitGroup // pool tasks started by this sender
	wg     sync.WaitGroup // connection watchers

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a sender. Nothing is dialed until Start.
func New(st Store, pool *workers.Pool, cfg Config) *Sender {
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultWriteBufferSize
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		breakers: newBreakers(cfg.Breaker, cfg.Logger),
		wake:     make(chan struct{}, 1),
		events:   make(chan event, cfg.MaxEvents),
		conns:    make(map[handle]*destination),
		dests:    make(map[string]*destination),
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Restore reloads the destinations this client delivered to before, and
// schedules a connect to those holding parked frames. It returns the
// highest sequence number known to have been assigned by this client.
func (s *Sender) Restore(ctx context.Context) (uint64, error) {
	known, err := s.store.Destinations(ctx)
	if err != nil {
		return 0, err
	}

	var highest uint64
	for addr, id := range known {
		sent, err := s.store.LastSent(ctx, id)
		if err != nil {
			return 0, err
		}
		acked, err := s.store.PeerLastReceived(ctx, id)
		if err != nil {
			return 0, err
		}
		highest = max(highest, sent, acked)

		frame, ok, err := s.store.LastParked(ctx, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if m, err := message.Decode(frame); err == nil {
			highest = max(highest, m.Sequence)
		}

		d, _ := s.destination(addr)
		d.mu.Lock()
		d.listener = id
		d.mu.Unlock()
		s.requestConnect(addr, true)
		s.logger.Debug("restored destination with parked messages",
			slog.String("address", addr),
			slog.String("listener", id.String()))
	}
	return highest, nil
}

// Start launches the reactor.
func (s *Sender) Start() error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
		s.logger.Info("sender started")
	})
	return nil
}

// Enqueue queues m for the destination at addr and wakes the reactor.
func (s *Sender) Enqueue(addr string, m *message.Message) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	d, _ := s.destination(addr)

	d.mu.Lock()
	d.queue = append(d.queue, m)
	d.mu.Unlock()
	s.cfg.Metrics.RecordEnqueued(1)

	if d.state.Load() == stateIdle && !d.tried.Load() {
		s.requestConnect(addr, true)
	}
	s.notify(d)
	return nil
}

// Queued returns the number of frames waiting for addr.
func (s *Sender) Queued(addr string) int {
	s.destMu.Lock()
	d, ok := s.dests[addr]
	s.destMu.Unlock()
	if !ok {
		return 0
	}
	return d.queued()
}

// Connected reports whether addr has a live connection.
func (s *Sender) Connected(addr string) bool {
	s.destMu.Lock()
	d, ok := s.dests[addr]
	s.destMu.Unlock()
	return ok && d.state.Load() == stateConnected
}

// Stop closes every connection and parks frames that were not written.
func (s *Sender) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
		s.tasks.Wait()
		s.wg.Wait()

		s.destMu.Lock()
		dests := make([]*destination, 0, len(s.dests))
		for _, d := range s.dests {
			dests = append(dests, d)
		}
		s.destMu.Unlock()

		for _, d := range dests {
			err = multierr.Append(err, s.park(d))
		}
		s.logger.Info("sender stopped")
	})
	return err
}

func (s *Sender) destination(addr string) (*destination, bool) {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	if d, ok := s.dests[addr]; ok {
		return d, false
	}
	d := &destination{addr: addr}
	s.dests[addr] = d
	return d, true
}

// requestConnect adds addr to the connect queue. Fresh requests are
// attempted on the next reactor iteration; the others wait for the retry
// tick.
func (s *Sender) requestConnect(addr string, fresh bool) {
	s.pendMu.Lock()
	s.pending[addr] = s.pending[addr] || fresh
	s.pendMu.Unlock()
	s.signal()
}

// notify marks d as having frames to write.
func (s *Sender) notify(d *destination) {
	if !d.ready.CompareAndSwap(false, true) {
		return
	}
	s.readyMu.Lock()
	s.ready = append(s.ready, d)
	s.readyMu.Unlock()
	s.signal()
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// submit runs fn on the pool and tracks it until Stop.
func (s *Sender) submit(fn func()) bool {
	s.tasks.Add(1)
	ok := s.pool.Submit(func() {
		defer s.tasks.Done()
		fn()
	})
	if !ok {
		s.tasks.Done()
	}
	return ok
}

// post hands an event to the reactor. It reports false after Stop.
func (s *Sender) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// run is the reactor loop.
func (s *Sender) run() {
	defer close(s.done)

	ticker := s.cfg.Clock.Ticker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		retry := false
		select {
		case <-s.ctx.Done():
			s.closeAll()
			return
		case <-s.wake:
		case ev := <-s.events:
			s.dispatch(ev)
		case <-ticker.C:
			retry = true
		}
		s.connectPending(retry)
		s.writeReady()
	}
}

func (s *Sender) dispatch(ev event) {
	switch ev.kind {
	case evConnected:
		s.conns[ev.h] = ev.d
		s.cfg.Metrics.RecordConnection(metrics.Outbound)

	case evHangup:
		d, ok := s.conns[ev.h]
		if !ok {
			return
		}
		delete(s.conns, ev.h)
		s.cfg.Metrics.RecordDisconnection(metrics.Outbound)
		h := ev.h
		s.submit(func() { s.drop(d, h) })
	}
}

// closeAll closes every connection so blocked writes return.
func (s *Sender) closeAll() {
	for h, d := range s.conns {
		d.closeLive()
		delete(s.conns, h)
	}
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evConnected {
				ev.d.closeLive()
			}
		default:
			return
		}
	}
}

func (s *Sender) connectPending(retry bool) {
	s.pendMu.Lock()
	var addrs []string
	for addr, fresh := range s.pending {
		if fresh || retry {
			addrs = append(addrs, addr)
			delete(s.pending, addr)
		}
	}
	s.pendMu.Unlock()

	for _, addr := range addrs {
		d, _ := s.destination(addr)
		if !d.state.CompareAndSwap(stateIdle, stateConnecting) {
			continue
		}
		if !s.submit(func() { s.connect(d) }) {
			d.state.Store(stateIdle)
		}
	}
}

func (s *Sender) writeReady() {
	s.readyMu.Lock()
	ready := s.ready
	s.ready = nil
	s.readyMu.Unlock()

	for _, d := range ready {
		d.ready.Store(false)
		if d.state.Load() != stateConnected {
			continue
		}
		s.submit(func() { s.write(d) })
	}
}

// watch blocks reading a write-only connection to detect hangup.
func (s *Sender) watch(h handle, conn net.Conn) {
	defer s.wg.Done()
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.post(event{kind: evHangup, h: h})
			return
		}
	}
}
