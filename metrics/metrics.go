// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments recorded by the
// listener and sender. Every method is a no-op on a nil *Metrics.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/liner"

// Connection directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Metrics holds metric instruments for one client.
type Metrics struct {
	attrs metric.MeasurementOption

	// Counters
	connectionsTotal  metric.Int64Counter
	connectFailures   metric.Int64Counter
	rejectedTotal     metric.Int64Counter
	messagesReceived  metric.Int64Counter
	duplicatesDropped metric.Int64Counter
	messagesSent      metric.Int64Counter
	messagesParked    metric.Int64Counter
	bytesReceived     metric.Int64Counter
	bytesSent         metric.Int64Counter
	checkpointsTotal  metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters
	connectionsCurrent metric.Int64UpDownCounter
	pendingMessages    metric.Int64UpDownCounter

	// Histograms
	deliveryLatency metric.Float64Histogram
	batchSize       metric.Int64Histogram
}

// New creates the instruments on the global meter provider.
func New(clientName, homeTopic string) (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName), clientName, homeTopic)
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter metric.Meter, clientName, homeTopic string) (*Metrics, error) {
	m := &Metrics{
		attrs: metric.WithAttributes(
			attribute.String("client", clientName),
			attribute.String("topic", homeTopic),
		),
	}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "liner.connections.total", "Connections established"},
		{&m.connectFailures, "liner.connect.failures.total", "Failed outbound connection attempts"},
		{&m.rejectedTotal, "liner.connections.rejected.total", "Inbound connections rejected by the accept limiter"},
		{&m.messagesReceived, "liner.messages.received.total", "Messages accepted and delivered to the handler"},
		{&m.duplicatesDropped, "liner.messages.duplicates.total", "Messages dropped as duplicates or stale retransmissions"},
		{&m.messagesSent, "liner.messages.sent.total", "Messages written to a destination"},
		{&m.messagesParked, "liner.messages.parked.total", "Messages parked in the store for later delivery"},
		{&m.bytesReceived, "liner.bytes.received.total", "Frame bytes received"},
		{&m.bytesSent, "liner.bytes.sent.total", "Frame bytes sent"},
		{&m.checkpointsTotal, "liner.checkpoints.total", "Sequence checkpoints written to the store"},
		{&m.errorsTotal, "liner.errors.total", "Errors by type"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"liner.connections.current",
		metric.WithDescription("Open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.pendingMessages, err = meter.Int64UpDownCounter(
		"liner.messages.pending",
		metric.WithDescription("Messages queued for a destination and not yet written"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingMessages gauge: %w", err)
	}

	m.deliveryLatency, err = meter.Float64Histogram(
		"liner.delivery.latency.ms",
		metric.WithDescription("Time from message construction to handler invocation in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryLatency histogram: %w", err)
	}

	m.batchSize, err = meter.Int64Histogram(
		"liner.write.batch.size",
		metric.WithDescription("Frames written per write batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records an established connection.
func (m *Metrics) RecordConnection(direction string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	dir := metric.WithAttributes(attribute.String("direction", direction))
	m.connectionsTotal.Add(ctx, 1, m.attrs, dir)
	m.connectionsCurrent.Add(ctx, 1, m.attrs, dir)
}

// RecordDisconnection records a closed connection.
func (m *Metrics) RecordDisconnection(direction string) {
	if m == nil {
		return
	}
	m.connectionsCurrent.Add(context.Background(), -1, m.attrs,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordConnectFailure records a failed outbound connection attempt.
func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Add(context.Background(), 1, m.attrs)
}

// RecordRejected records an inbound connection refused by the accept limiter.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.rejectedTotal.Add(context.Background(), 1, m.attrs)
}

// RecordReceived records an accepted message of frameSize bytes and its age.
func (m *Metrics) RecordReceived(frameSize int, latencyMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, m.attrs)
	m.bytesReceived.Add(ctx, int64(frameSize), m.attrs)
	m.deliveryLatency.Record(ctx, latencyMs, m.attrs)
}

// RecordDuplicate records a message dropped by sequence deduplication.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Add(context.Background(), 1, m.attrs)
}

// RecordEnqueued records messages added to destination queues.
func (m *Metrics) RecordEnqueued(n int) {
	if m == nil {
		return
	}
	m.pendingMessages.Add(context.Background(), int64(n), m.attrs)
}

// RecordBatch records a write batch of frames totalling bytes, and the
// number of queued frames it consumed including skipped ones.
func (m *Metrics) RecordBatch(frames, bytes, consumed int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, int64(frames), m.attrs)
	m.bytesSent.Add(ctx, int64(bytes), m.attrs)
	m.batchSize.Record(ctx, int64(frames), m.attrs)
	m.pendingMessages.Add(ctx, -int64(consumed), m.attrs)
}

// RecordParked records messages moved from memory into the store.
func (m *Metrics) RecordParked(n int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesParked.Add(ctx, int64(n), m.attrs)
	m.pendingMessages.Add(ctx, -int64(n), m.attrs)
}

// RecordCheckpoint records a sequence checkpoint of the given kind
// ("received" or "sent").
func (m *Metrics) RecordCheckpoint(kind string) {
	if m == nil {
		return
	}
	m.checkpointsTotal.Add(context.Background(), 1, m.attrs,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, m.attrs,
		metric.WithAttributes(attribute.String("type", errorType)))
}
