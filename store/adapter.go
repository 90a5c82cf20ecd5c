// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Key layout:
//
//	liner:topic:{topic}:addr                       hash  address -> unique name
//	liner:address:{address}                        hash  topic, name of the home registration
//	liner:recv:{self}:{home}:{sender}:{topic}      string last accepted sequence
//	liner:sent:{self}:{home}:{listener}:{topic}    string last sent sequence
//	liner:parked:{self}:{home}:{listener}:{topic}  list  undelivered frames
//	liner:dests:{self}:{home}                      hash  address -> listener identity
//	liner:seq:{self}:{home}                        string highest reserved sequence
const keyPrefix = "liner:"

// DefaultTimeout bounds a single adapter operation.
const DefaultTimeout = 5 * time.Second

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrUnknownAddress is returned when no client is registered at an address.
var ErrUnknownAddress = fmt.Errorf("%w: no listener registered at address", ErrNotFound)

// Identity names a client by its home topic and unique name.
type Identity struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

func (id Identity) String() string {
	return id.Name + "@" + id.Topic
}

// Adapter exposes the coordination operations of one client. It performs no
// caching; every call is a round-trip to the backend.
type Adapter struct {
	backend Backend
	self    Identity
	timeout time.Duration

	mu   sync.RWMutex
	addr string

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures an Adapter.
type Option func(*Adapter) error

// WithTimeout bounds every operation; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) error {
		a.timeout = d
		return nil
	}
}

// WithCompression stores parked frames zstd-compressed.
func WithCompression(enabled bool) Option {
	return func(a *Adapter) error {
		if !enabled {
			return nil
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		a.enc = enc
		return nil
	}
}

// NewAdapter binds backend to the client identified by uniqueName and homeTopic.
func NewAdapter(backend Backend, uniqueName, homeTopic string, opts ...Option) (*Adapter, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	a := &Adapter{
		backend: backend,
		self:    Identity{Name: uniqueName, Topic: homeTopic},
		timeout: DefaultTimeout,
		dec:     dec,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			dec.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close releases compression resources. The backend is not closed.
func (a *Adapter) Close() {
	if a.enc != nil {
		a.enc.Close()
	}
	a.dec.Close()
}

// Self returns the identity the adapter acts for.
func (a *Adapter) Self() Identity {
	return a.self
}

// SetAddress sets the advertised listen address used for registrations.
func (a *Adapter) SetAddress(addr string) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

// Address returns the advertised listen address.
func (a *Adapter) Address() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

// Ping checks the backend.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return wrap(a.backend.Ping(ctx))
}

// RegisterTopic adds this client's address to topic.
func (a *Adapter) RegisterTopic(ctx context.Context, topic string) error {
	addr := a.Address()
	if addr == "" {
		return errors.New("listen address is not set")
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.backend.HSet(ctx, topicKey(topic), addr, a.self.Name); err != nil {
		return wrap(err)
	}
	if topic != a.self.Topic {
		return nil
	}
	if err := a.backend.HSet(ctx, addressKey(addr), "topic", a.self.Topic); err != nil {
		return wrap(err)
	}
	return wrap(a.backend.HSet(ctx, addressKey(addr), "name", a.self.Name))
}

// UnregisterTopic removes this client's address from topic.
func (a *Adapter) UnregisterTopic(ctx context.Context, topic string) error {
	addr := a.Address()
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.backend.HDel(ctx, topicKey(topic), addr); err != nil {
		return wrap(err)
	}
	if topic == a.self.Topic {
		return wrap(a.backend.Del(ctx, addressKey(addr)))
	}
	return nil
}

// AddressesOfTopic returns the sorted addresses registered under topic.
func (a *Adapter) AddressesOfTopic(ctx context.Context, topic string) ([]string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	members, err := a.backend.HGetAll(ctx, topicKey(topic))
	if err != nil {
		return nil, wrap(err)
	}
	addrs := make([]string, 0, len(members))
	for addr := range members {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// ListenerIdentity returns the home registration of the client at addr.
func (a *Adapter) ListenerIdentity(ctx context.Context, addr string) (Identity, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	fields, err := a.backend.HGetAll(ctx, addressKey(addr))
	if err != nil {
		return Identity{}, wrap(err)
	}
	id := Identity{Name: fields["name"], Topic: fields["topic"]}
	if id.Name == "" || id.Topic == "" {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return id, nil
}

// LastReceived returns the last sequence this client accepted from
// (senderName, topic), or 0.
func (a *Adapter) LastReceived(ctx context.Context, senderName, topic string) (uint64, error) {
	return a.readSeq(ctx, recvKey(a.self, Identity{Name: senderName, Topic: topic}))
}

// SetLastReceived checkpoints the last accepted sequence from (senderName, topic).
func (a *Adapter) SetLastReceived(ctx context.Context, senderName, topic string, seq uint64) error {
	return a.writeSeq(ctx, recvKey(a.self, Identity{Name: senderName, Topic: topic}), seq)
}

// PeerLastReceived returns what listener recorded as accepted from this client.
func (a *Adapter) PeerLastReceived(ctx context.Context, listener Identity) (uint64, error) {
	return a.readSeq(ctx, recvKey(listener, a.self))
}

// LastSent returns the last sequence flushed to listener, or 0.
func (a *Adapter) LastSent(ctx context.Context, listener Identity) (uint64, error) {
	return a.readSeq(ctx, a.sentKey(listener))
}

// SetLastSent checkpoints the last sequence flushed to listener.
func (a *Adapter) SetLastSent(ctx context.Context, listener Identity, seq uint64) error {
	return a.writeSeq(ctx, a.sentKey(listener), seq)
}

// InitLastSent creates the last-sent checkpoint for listener at 0 if absent.
func (a *Adapter) InitLastSent(ctx context.Context, listener Identity) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	_, err := a.backend.SetNX(ctx, a.sentKey(listener), "0")
	return wrap(err)
}

// SequenceCeiling returns the highest sequence number this client reserved,
// or 0. Numbers above it have never been assigned.
func (a *Adapter) SequenceCeiling(ctx context.Context) (uint64, error) {
	return a.readSeq(ctx, a.seqKey())
}

// SetSequenceCeiling reserves sequence numbers up to seq.
func (a *Adapter) SetSequenceCeiling(ctx context.Context, seq uint64) error {
	return a.writeSeq(ctx, a.seqKey(), seq)
}

// SaveDestination records that this client sends to listener at addr.
func (a *Adapter) SaveDestination(ctx context.Context, addr string, listener Identity) error {
	data, err := json.Marshal(listener)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return wrap(a.backend.HSet(ctx, a.destsKey(), addr, string(data)))
}

// Destinations returns every recorded destination keyed by address.
func (a *Adapter) Destinations(ctx context.Context) (map[string]Identity, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	fields, err := a.backend.HGetAll(ctx, a.destsKey())
	if err != nil {
		return nil, wrap(err)
	}
	dests := make(map[string]Identity, len(fields))
	for addr, raw := range fields {
		var id Identity
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			continue
		}
		dests[addr] = id
	}
	return dests, nil
}

// ParkFrames stores undelivered frames for listener.
func (a *Adapter) ParkFrames(ctx context.Context, listener Identity, frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}
	values := frames
	if a.enc != nil {
		values = make([][]byte, len(frames))
		for i, f := range frames {
			values[i] = a.enc.EncodeAll(f, make([]byte, 0, len(f)/2))
		}
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return wrap(a.backend.RPush(ctx, a.parkedKey(listener), values...))
}

// DrainParked removes and returns the frames parked for listener, oldest first.
func (a *Adapter) DrainParked(ctx context.Context, listener Identity) ([][]byte, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	values, err := a.backend.LDrain(ctx, a.parkedKey(listener))
	if err != nil {
		return nil, wrap(err)
	}
	for i, v := range values {
		if values[i], err = a.unpack(v); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// LastParked returns the newest frame parked for listener, if any.
func (a *Adapter) LastParked(ctx context.Context, listener Identity) ([]byte, bool, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	v, err := a.backend.LLast(ctx, a.parkedKey(listener))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err)
	}
	frame, err := a.unpack(v)
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

// ClearStoredMessages drops parked frames, last-sent checkpoints and the
// destination index of this client. The sequence ceiling is kept: peers
// still hold receive checkpoints for numbers below it.
func (a *Adapter) ClearStoredMessages(ctx context.Context) error {
	dests, err := a.Destinations(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	keys := make([]string, 0, 2*len(dests)+1)
	for _, id := range dests {
		keys = append(keys, a.parkedKey(id), a.sentKey(id))
	}
	keys = append(keys, a.destsKey())
	return wrap(a.backend.Del(ctx, keys...))
}

// ClearAddressesOfTopic removes every address registered under the home topic.
func (a *Adapter) ClearAddressesOfTopic(ctx context.Context) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return wrap(a.backend.Del(ctx, topicKey(a.self.Topic)))
}

func (a *Adapter) unpack(v []byte) ([]byte, error) {
	if !bytes.HasPrefix(v, zstdMagic) {
		return v, nil
	}
	out, err := a.dec.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress parked frame: %w", err)
	}
	return out, nil
}

func (a *Adapter) readSeq(ctx context.Context, key string) (uint64, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	v, err := a.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap(err)
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid sequence %q at %s", ErrBackend, v, key)
	}
	return seq, nil
}

func (a *Adapter) writeSeq(ctx context.Context, key string, seq uint64) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return wrap(a.backend.Set(ctx, key, strconv.FormatUint(seq, 10)))
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) sentKey(listener Identity) string {
	return keyPrefix + "sent:" + pair(a.self, listener)
}

func (a *Adapter) parkedKey(listener Identity) string {
	return keyPrefix + "parked:" + pair(a.self, listener)
}

func (a *Adapter) seqKey() string {
	return keyPrefix + "seq:" + a.self.Name + ":" + a.self.Topic
}

func (a *Adapter) destsKey() string {
	return keyPrefix + "dests:" + a.self.Name + ":" + a.self.Topic
}

func topicKey(topic string) string {
	return keyPrefix + "topic:" + topic + ":addr"
}

func addressKey(addr string) string {
	return keyPrefix + "address:" + addr
}

func recvKey(owner, source Identity) string {
	return keyPrefix + "recv:" + pair(owner, source)
}

func pair(a, b Identity) string {
	return a.Name + ":" + a.Topic + ":" + b.Name + ":" + b.Topic
}

func wrap(err error) error {
	if err == nil || errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}
