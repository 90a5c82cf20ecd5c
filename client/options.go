// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"

	"github.com/absmach/liner/config"
	"github.com/absmach/liner/metrics"
	"github.com/absmach/liner/store"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAddr binds an ephemeral loopback port.
const DefaultAddr = "127.0.0.1:0"

// Options configures a liner client.
type Options struct {
	Name  string // unique name
	Topic string // home topic
	Addr  string // local bind address
	// AdvertiseAddr is the address published for the home topic. Empty
	// publishes the bound address.
	AdvertiseAddr string

	Delivery     config.DeliveryConfig
	StoreOptions []store.Option

	Logger  *slog.Logger
	Metrics *metrics.Metrics // nil disables metrics
	Tracer  trace.Tracer     // nil disables tracing
	Clock   clock.Clock
}

// NewOptions creates Options with the default delivery settings.
func NewOptions() *Options {
	return &Options{
		Addr:     DefaultAddr,
		Delivery: config.Default().Delivery,
	}
}

// SetName sets the unique name of the client.
func (o *Options) SetName(name string) *Options {
	o.Name = name
	return o
}

// SetTopic sets the home topic.
func (o *Options) SetTopic(topic string) *Options {
	o.Topic = topic
	return o
}

// SetAddr sets the local bind address.
func (o *Options) SetAddr(addr string) *Options {
	o.Addr = addr
	return o
}

// SetAdvertiseAddr sets the address other clients dial.
func (o *Options) SetAdvertiseAddr(addr string) *Options {
	o.AdvertiseAddr = addr
	return o
}

// SetDelivery sets the listener and sender tuning.
func (o *Options) SetDelivery(cfg config.DeliveryConfig) *Options {
	o.Delivery = cfg
	return o
}

// SetStoreOptions sets options for the coordination store adapter.
func (o *Options) SetStoreOptions(opts ...store.Option) *Options {
	o.StoreOptions = opts
	return o
}

func (o *Options) SetLogger(logger *slog.Logger) *Options {
	o.Logger = logger
	return o
}

func (o *Options) SetMetrics(m *metrics.Metrics) *Options {
	o.Metrics = m
	return o
}

func (o *Options) SetTracer(tracer trace.Tracer) *Options {
	o.Tracer = tracer
	return o
}

// SetClock replaces the clock driving refresh, flush and reconnect timing.
func (o *Options) SetClock(clk clock.Clock) *Options {
	o.Clock = clk
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.Name == "" {
		return ErrEmptyName
	}
	if o.Topic == "" {
		return ErrEmptyTopic
	}
	if o.Addr == "" {
		return ErrEmptyAddr
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return nil
}
