// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is the public face of a liner client: it owns topic
// registration, resolves destination topics to peer addresses, assigns
// sequence numbers and runs one listener and one sender.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/liner/config"
	"github.com/absmach/liner/internal/wiring"
	"github.com/absmach/liner/internal/workers"
	"github.com/absmach/liner/listener"
	"github.com/absmach/liner/message"
	"github.com/absmach/liner/ratelimit"
	"github.com/absmach/liner/sender"
	"github.com/absmach/liner/store"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Handler receives delivered messages. It may be called concurrently from
// several goroutines and must not block; calls for one (sender, topic)
// pair never overlap.
type Handler func(to, from string, payload []byte)

// sequenceBlock is how many sequence numbers are reserved in the store at
// a time.
const sequenceBlock = 1024

// outbox is the part of the sender used by the client.
type outbox interface {
	Enqueue(addr string, m *message.Message) error
	Stop() error
}

// Client is a thread-safe liner client.
type Client struct {
	opts        *Options
	backend     store.Backend
	ownsBackend bool
	store       *store.Adapter
	logger      *slog.Logger

	state *stateManager

	// mu serializes every public operation.
	mu      sync.Mutex
	seq     uint64
	ceiling uint64 // reserved in the store; seq never passes it
	subs    map[string]struct{}
	cache   *addressCache
	cursors map[string]int // per-topic round-robin position

	pool     *workers.Pool
	limiter  *ratelimit.PeerLimiter
	listener *listener.Listener
	sender   outbox
}

// New creates a client on backend. The backend must be reachable.
func New(backend store.Backend, opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	adapter, err := store.NewAdapter(backend, opts.Name, opts.Topic, opts.StoreOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	if err := adapter.Ping(context.Background()); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	switch {
	case opts.AdvertiseAddr != "":
		adapter.SetAddress(opts.AdvertiseAddr)
	case fixedPort(opts.Addr):
		adapter.SetAddress(opts.Addr)
	}

	return &Client{
		opts:    opts,
		backend: backend,
		store:   adapter,
		logger: opts.Logger.With(
			slog.String("client", opts.Name),
			slog.String("topic", opts.Topic)),
		state:   newStateManager(),
		subs:    make(map[string]struct{}),
		cache:   newAddressCache(opts.Delivery.AddressRefreshInterval, opts.Delivery.ForceAddressRefresh, opts.Clock),
		cursors: make(map[string]int),
	}, nil
}

// NewFromConfig opens the configured coordination store and creates a
// client owning it. Identity, delivery and store settings come from cfg;
// base supplies the logger, metrics, tracer and clock and may be nil.
// Configured subscriptions are registered.
func NewFromConfig(cfg *config.Config, base *Options) (*Client, error) {
	if base == nil {
		base = NewOptions()
	}
	backend, err := wiring.OpenStore(context.Background(), cfg.Store, base.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	opts := *base
	opts.SetName(cfg.Client.Name).
		SetTopic(cfg.Client.Topic).
		SetAddr(cfg.Client.Addr).
		SetDelivery(cfg.Delivery).
		SetStoreOptions(wiring.StoreOptions(cfg.Store)...)

	c, err := New(backend, &opts)
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.ownsBackend = true

	for _, topic := range cfg.Client.Subscriptions {
		if err := c.Subscribe(topic); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Name returns the unique name of the client.
func (c *Client) Name() string {
	return c.opts.Name
}

// Topic returns the home topic.
func (c *Client) Topic() string {
	return c.opts.Topic
}

// Addr returns the address published for the home topic, or "" before Run
// when binding an ephemeral port.
func (c *Client) Addr() string {
	return c.store.Address()
}

// State returns the lifecycle state.
func (c *Client) State() State {
	return c.state.get()
}

// Running reports whether Run succeeded and Close was not called.
func (c *Client) Running() bool {
	return c.state.isRunning()
}

// Run binds the local address, registers the home topic and subscriptions,
// and starts the listener and sender. It is a no-op when already running.
// On failure the client stays idle.
func (c *Client) Run(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.isRunning():
		return nil
	case !c.state.transition(StateIdle, StateStarting):
		return ErrClosed
	}

	if err := c.start(h); err != nil {
		c.state.set(StateIdle)
		return err
	}
	c.state.set(StateRunning)
	c.logger.Info("client running", slog.String("address", c.store.Address()))
	return nil
}

func (c *Client) start(h Handler) (err error) {
	ctx := context.Background()
	d := c.opts.Delivery

	ln, err := net.Listen("tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, c.opts.Addr, err)
	}
	pool := workers.New(d.Workers)

	advertised := c.store.Address()
	var registered []string
	defer func() {
		if err != nil {
			c.rollback(registered, advertised)
			ln.Close()
			pool.Close()
		}
	}()

	if c.opts.AdvertiseAddr == "" {
		c.store.SetAddress(ln.Addr().String())
	}

	snd := sender.New(c.store, pool, sender.Config{
		WriteBufferSize:   d.WriteBufferSize,
		MaxEvents:         d.MaxEvents,
		ReconnectInterval: d.ReconnectInterval,
		DialTimeout:       d.DialTimeout,
		Breaker: sender.BreakerConfig{
			FailureThreshold: d.Breaker.FailureThreshold,
			ResetTimeout:     d.Breaker.ResetTimeout,
		},
		Metrics: c.opts.Metrics,
		Tracer:  c.opts.Tracer,
		Logger:  c.logger,
		Clock:   c.opts.Clock,
	})
	highest, err := snd.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore delivery state: %w", err)
	}
	ceiling, err := c.store.SequenceCeiling(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore delivery state: %w", err)
	}
	c.seq = max(c.seq, highest, ceiling)
	// Reserve a fresh block on the first send.
	c.ceiling = c.seq

	registered, err = c.registerAll(ctx)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(d.RateLimit)
	lst, err := listener.New(ln, c.store, pool, deliverTo(h), listener.Config{
		ReadBufferSize: d.ReadBufferSize,
		MaxFrameSize:   d.MaxFrameSize,
		MaxEvents:      d.MaxEvents,
		FlushTolerance: d.FlushTolerance,
		FlushInterval:  d.FlushInterval,
		SourceCapacity: d.SourceCapacity,
		Limiter:        limiter,
		Metrics:        c.opts.Metrics,
		Logger:         c.logger,
		Clock:          c.opts.Clock,
	})
	if err != nil {
		limiter.Stop()
		return err
	}
	if err := lst.Start(); err != nil {
		limiter.Stop()
		return err
	}
	if err := snd.Start(); err != nil {
		lst.Stop()
		limiter.Stop()
		return err
	}

	c.pool = pool
	c.limiter = limiter
	c.listener = lst
	c.sender = snd
	return nil
}

// registerAll registers the home topic and subscriptions. It returns every
// topic it attempted, including a failed one.
func (c *Client) registerAll(ctx context.Context) ([]string, error) {
	topics := make([]string, 0, len(c.subs)+1)
	topics = append(topics, c.opts.Topic)
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	for i, topic := range topics {
		if err := c.store.RegisterTopic(ctx, topic); err != nil {
			return topics[:i+1], fmt.Errorf("%w: %w", ErrRegistration, err)
		}
	}
	return topics, nil
}

// rollback undoes the registrations of a failed start and restores the
// address advertised before it.
func (c *Client) rollback(registered []string, advertised string) {
	ctx := context.Background()
	for _, topic := range registered {
		if err := c.store.UnregisterTopic(ctx, topic); err != nil {
			c.logger.Warn("failed to roll back registration",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
	}
	c.store.SetAddress(advertised)
}

func deliverTo(h Handler) listener.Handler {
	if h == nil {
		return nil
	}
	return func(m *message.Message) {
		h(m.To, m.From, m.Payload)
	}
}

// SendTo sends payload to one member of topic, chosen round-robin.
func (c *Client) SendTo(topic string, payload []byte) error {
	return c.SendToWithID(topic, uuid.NewString(), payload)
}

// SendToWithID is SendTo with a caller supplied correlation id.
func (c *Client) SendToWithID(topic, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs, err := c.destinations(topic)
	if err != nil {
		return err
	}
	idx := c.cursors[topic]
	if idx >= len(addrs) {
		idx = 0
	}
	c.cursors[topic] = idx + 1

	return c.enqueue(addrs[idx], topic, id, clone(payload))
}

// SendAll sends payload to every member of topic. Each member gets its own
// sequence number; the result aggregates every failed enqueue.
func (c *Client) SendAll(topic string, payload []byte) error {
	return c.SendAllWithID(topic, uuid.NewString(), payload)
}

// SendAllWithID is SendAll with a caller supplied correlation id.
func (c *Client) SendAllWithID(topic, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs, err := c.destinations(topic)
	if err != nil {
		return err
	}
	payload = clone(payload)
	for _, addr := range addrs {
		err = multierr.Append(err, c.enqueue(addr, topic, id, payload))
	}
	return err
}

// destinations validates a send and resolves topic. Callers hold mu.
func (c *Client) destinations(topic string) ([]string, error) {
	if !c.state.isRunning() {
		return nil, ErrNotRunning
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if topic == c.opts.Topic {
		return nil, ErrSendToSelf
	}
	return c.resolve(context.Background(), topic)
}

// resolve returns the addresses of topic, asking the store when the cache
// entry is missing, empty or expired. A stale entry is used when the store
// is unreachable.
func (c *Client) resolve(ctx context.Context, topic string) ([]string, error) {
	if addrs, ok := c.cache.fresh(topic); ok {
		return addrs, nil
	}

	addrs, err := c.store.AddressesOfTopic(ctx, topic)
	if err != nil {
		if stale := c.cache.stale(topic); len(stale) > 0 {
			c.logger.Warn("using cached addresses, store unreachable",
				slog.String("destination", topic),
				slog.String("error", err.Error()))
			return stale, nil
		}
		return nil, fmt.Errorf("%w %q: %w", ErrResolution, topic, err)
	}
	c.cache.put(topic, addrs)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w %q", ErrResolution, topic)
	}
	return addrs, nil
}

// enqueue assigns the next sequence number and queues the message. Callers
// hold mu.
func (c *Client) enqueue(addr, topic, id string, payload []byte) error {
	if c.seq >= c.ceiling {
		next := c.seq + sequenceBlock
		if err := c.store.SetSequenceCeiling(context.Background(), next); err != nil {
			return fmt.Errorf("failed to reserve sequence numbers: %w", err)
		}
		c.ceiling = next
	}
	c.seq++
	m := message.New(topic, c.opts.Topic, c.opts.Name, id, c.seq, payload)
	if err := c.sender.Enqueue(addr, m); err != nil {
		c.seq--
		return err
	}
	return nil
}

// Subscribe registers the client as a member of topic. Only valid before Run.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	c.subs[topic] = struct{}{}

	if c.store.Address() == "" {
		// Registered by Run once the port is bound.
		return nil
	}
	if err := c.store.RegisterTopic(context.Background(), topic); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

// Unsubscribe removes the client from topic. Only valid before Run.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	delete(c.subs, topic)

	if c.store.Address() == "" {
		return nil
	}
	if err := c.store.UnregisterTopic(context.Background(), topic); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return nil
}

// ClearStoredMessages removes this client's send checkpoints, parked
// messages and destination index. Sequence numbering continues above the
// reserved ceiling, so receivers keep accepting. Only valid before Run.
func (c *Client) ClearStoredMessages() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if err := c.store.ClearStoredMessages(context.Background()); err != nil {
		return fmt.Errorf("failed to clear stored messages: %w", err)
	}
	return nil
}

// ClearAddressesOfTopic removes every registered address of the home topic.
// Only valid before Run.
func (c *Client) ClearAddressesOfTopic() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.configurable(); err != nil {
		return err
	}
	if err := c.store.ClearAddressesOfTopic(context.Background()); err != nil {
		return fmt.Errorf("failed to clear addresses of %q: %w", c.opts.Topic, err)
	}
	return nil
}

func (c *Client) configurable() error {
	switch c.state.get() {
	case StateStopping, StateClosed:
		return ErrClosed
	case StateIdle:
		return nil
	default:
		return ErrRunning
	}
}

// Close stops the sender, then the listener, and releases the store.
// Undelivered messages are parked in the store. The client lock is released
// while the reactors stop, so handlers calling back into the client get
// ErrNotRunning instead of blocking. Concurrent calls return immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	wasRunning := c.state.transition(StateRunning, StateStopping)
	if !wasRunning && !c.state.transition(StateIdle, StateStopping) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var err error
	if wasRunning {
		err = multierr.Combine(
			c.sender.Stop(),
			c.listener.Stop(),
		)
		c.pool.Close()
		c.limiter.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.set(StateClosed)

	c.store.Close()
	if c.ownsBackend {
		err = multierr.Append(err, c.backend.Close())
	}
	c.logger.Info("client closed")
	return err
}

func fixedPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != "" && port != "0"
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
