// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/liner/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

var testClient = config.ClientConfig{
	Name:          "x",
	Topic:         "tx",
	Addr:          "127.0.0.1:7400",
	Subscriptions: []string{"news", "alerts"},
}

func TestResource(t *testing.T) {
	cfg := config.Default().Metrics
	cfg.ServiceName = "liner"
	cfg.ServiceVersion = "1.2.3"

	res, err := Resource(cfg, testClient)
	require.NoError(t, err)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "liner", attrs[semconv.ServiceNameKey].AsString())
	assert.Equal(t, "1.2.3", attrs[semconv.ServiceVersionKey].AsString())
	assert.Equal(t, "x@tx", attrs[semconv.ServiceInstanceIDKey].AsString())
	assert.Equal(t, "x", attrs[AttrClientName].AsString())
	assert.Equal(t, "tx", attrs[AttrClientTopic].AsString())
	assert.Equal(t, "127.0.0.1:7400", attrs[AttrClientAddr].AsString())
	assert.Equal(t, []string{"news", "alerts"}, attrs[AttrSubscriptions].AsStringSlice())
}

func TestResourceOmitsEmptyFields(t *testing.T) {
	res, err := Resource(config.Default().Metrics, config.ClientConfig{Name: "x", Topic: "tx"})
	require.NoError(t, err)

	for _, kv := range res.Attributes() {
		assert.NotEqual(t, AttrClientAddr, kv.Key)
		assert.NotEqual(t, AttrSubscriptions, kv.Key)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.rate).Description()
		assert.Contains(t, got, "root:"+tt.want, "rate %v", tt.rate)
	}
}

func TestInitProvider(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	cfg := config.Default().Metrics
	cfg.Enabled = true
	cfg.TracesEnabled = true
	// Exporters dial lazily, so no collector is needed.
	cfg.Endpoint = "127.0.0.1:1"

	shutdown, err := InitProvider(cfg, testClient)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
	_, ok = otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInitProvider_NoTraces(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	cfg := config.Default().Metrics
	cfg.Endpoint = "127.0.0.1:1"

	shutdown, err := InitProvider(cfg, testClient)
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
