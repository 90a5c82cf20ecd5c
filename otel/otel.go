// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel initializes the OpenTelemetry SDK for the daemon.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/liner/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// Resource attributes identifying a liner client.
const (
	AttrClientName    = attribute.Key("liner.client.name")
	AttrClientTopic   = attribute.Key("liner.client.topic")
	AttrClientAddr    = attribute.Key("liner.client.addr")
	AttrSubscriptions = attribute.Key("liner.client.subscriptions")
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	traceBatchSize = 512
	traceBatchWait = 5 * time.Second
)

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(context.Context) error

// providers collects the shutdown hooks of what was installed so far.
type providers []ShutdownFunc

func (p providers) shutdown(ctx context.Context) error {
	var err error
	// Reverse installation order.
	for i := len(p) - 1; i >= 0; i-- {
		err = multierr.Append(err, p[i](ctx))
	}
	return err
}

// Resource describes the client as an OTel resource. The service instance
// is the client's identity, so series of clients sharing a service name
// stay apart.
func Resource(cfg config.MetricsConfig, client config.ClientConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(client.Name + "@" + client.Topic),
		AttrClientName.String(client.Name),
		AttrClientTopic.String(client.Topic),
	}
	if client.Addr != "" {
		attrs = append(attrs, AttrClientAddr.String(client.Addr))
	}
	if len(client.Subscriptions) > 0 {
		attrs = append(attrs, AttrSubscriptions.StringSlice(client.Subscriptions))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider installs global meter and tracer providers exporting over
// OTLP gRPC to cfg.Endpoint. Tracing falls back to a noop provider unless
// cfg.TracesEnabled is set.
func InitProvider(cfg config.MetricsConfig, client config.ClientConfig) (ShutdownFunc, error) {
	ctx := context.Background()

	res, err := Resource(cfg, client)
	if err != nil {
		return nil, err
	}

	var installed providers
	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		installed = append(installed, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = installed.shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	installed = append(installed, mp.Shutdown)

	return installed.shutdown, nil
}

// sampler keeps every trace at rate 1 or above and none at 0 or below.
func sampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case rate <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(rate))
	}
}

func newTracerProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.TraceSampleRate)),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(traceBatchSize),
			trace.WithBatchTimeout(traceBatchWait),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(metricInterval),
		)),
	), nil
}
