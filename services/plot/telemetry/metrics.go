// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the plot server's instruments. All names use the "plot_"
// prefix.
//
// Thread Safety: Safe for concurrent use after creation. Record methods on a
// nil *Metrics are no-ops.
type Metrics struct {
	// RecomputesTotal counts figure recomputes by figure and status.
	RecomputesTotal metric.Int64Counter

	// RecomputeDuration records recompute latency in seconds.
	RecomputeDuration metric.Float64Histogram

	// PushesTotal counts NEW_FIGURE pushes by figure and status.
	PushesTotal metric.Int64Counter

	// PushBytes records pushed payload sizes.
	PushBytes metric.Int64Histogram

	// ActiveSessions tracks connected peers per figure.
	ActiveSessions metric.Int64UpDownCounter

	// InboundMessagesTotal counts peer messages by figure.
	InboundMessagesTotal metric.Int64Counter

	// RowsIngestedTotal counts rows written to tables by source.
	RowsIngestedTotal metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RecomputesTotal, err = meter.Int64Counter(
		"plot_recomputes_total",
		metric.WithDescription("Total figure recomputes"),
		metric.WithUnit("{recompute}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recomputes_total: %w", err)
	}

	m.RecomputeDuration, err = meter.Float64Histogram(
		"plot_recompute_duration_seconds",
		metric.WithDescription("Figure recompute duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create recompute_duration: %w", err)
	}

	m.PushesTotal, err = meter.Int64Counter(
		"plot_pushes_total",
		metric.WithDescription("Total figure pushes to peers"),
		metric.WithUnit("{push}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pushes_total: %w", err)
	}

	m.PushBytes, err = meter.Int64Histogram(
		"plot_push_bytes",
		metric.WithDescription("Pushed payload size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576),
	)
	if err != nil {
		return nil, fmt.Errorf("create push_bytes: %w", err)
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter(
		"plot_active_sessions",
		metric.WithDescription("Currently connected figure sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_sessions: %w", err)
	}

	m.InboundMessagesTotal, err = meter.Int64Counter(
		"plot_inbound_messages_total",
		metric.WithDescription("Total messages received from peers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inbound_messages_total: %w", err)
	}

	m.RowsIngestedTotal, err = meter.Int64Counter(
		"plot_rows_ingested_total",
		metric.WithDescription("Total rows written to tables"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rows_ingested_total: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("plot"))
	if err != nil {
		// the no-op meter never fails registration
		panic(err)
	}
	return m
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

// RecordRecompute records one recompute of figure.
func (m *Metrics) RecordRecompute(ctx context.Context, figure string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("figure", figure), statusAttr(err))
	m.RecomputesTotal.Add(ctx, 1, attrs)
	m.RecomputeDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordPush records one push attempt of size bytes.
func (m *Metrics) RecordPush(ctx context.Context, figure string, size int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("figure", figure), statusAttr(err))
	m.PushesTotal.Add(ctx, 1, attrs)
	if err == nil {
		m.PushBytes.Record(ctx, int64(size), attrs)
	}
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context, figure string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("figure", figure)))
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context, figure string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("figure", figure)))
}

// RecordInbound records one peer message.
func (m *Metrics) RecordInbound(ctx context.Context, figure string) {
	if m == nil {
		return
	}
	m.InboundMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("figure", figure)))
}

// RecordRows records rows written to source.
func (m *Metrics) RecordRows(ctx context.Context, source string, n int) {
	if m == nil {
		return
	}
	m.RowsIngestedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}
