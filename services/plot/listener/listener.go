// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package listener re-derives a chart whenever its backing table changes and
// pushes each new revision to an attached peer.
//
// # Recompute
//
// On every notification the listener
//
//  1. activates its execution context for the duration of the call,
//  2. recomputes the partition count of the bound source,
//  3. clones the argument template and rebinds it to the bound source,
//  4. invokes the construction call,
//  5. serializes the result with a fresh export.Table,
//  6. replaces the current payload and bumps the revision,
//  7. pushes the NEW_FIGURE envelope if a peer is attached.
//
// The notification's own contents never change which table is rendered. A
// listener is bound to one source, typically a partitioned view, at
// creation.
//
// # Thread Safety
//
// One mutex serializes recomputes and Execute calls on the same listener, so
// revisions are produced and pushed in order. A push failure is logged and
// counted; it never fails the recompute. There is no backpressure: a slow
// peer slows recompute.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "plot.listener"

var (
	// ErrNilPayload is returned when a construction call returns no payload
	// and no error.
	ErrNilPayload = errors.New("construction returned no payload")
)

// Revision is one published result of a recompute.
type Revision struct {
	// Number increases by one per successful recompute, starting at 1.
	Number uint64

	// Payload is the new chart.
	Payload *chart.Payload
}

// Listener recomputes a chart from change notifications.
type Listener struct {
	name    string
	source  table.Source
	call    chart.Call
	args    chart.Args
	ec      *execctx.Context
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	current    *chart.Payload
	revision   uint64
	partitions int
	conn       stream.MessageStream
}

// Option configures a Listener.
type Option func(*Listener)

// WithName sets the name used in logs and metrics.
func WithName(name string) Option {
	return func(l *Listener) {
		l.name = name
	}
}

// WithMetrics sets the instruments recomputes and pushes are recorded on.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithInitial seeds the current payload without counting a revision.
func WithInitial(p *chart.Payload) Option {
	return func(l *Listener) {
		l.current = p
	}
}

// New creates a listener bound to source.
//
// Inputs:
//
//	source - The table every recompute renders from.
//	call - The construction function.
//	args - The argument template. Cloned here and again before every call.
//	ec - The execution context activated around every call.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Listener - The listener, in Idle state unless WithInitial is given.
//	error - Non-nil when a required input is missing or args cannot be cloned.
func New(source table.Source, call chart.Call, args chart.Args, ec *execctx.Context, opts ...Option) (*Listener, error) {
	if source == nil {
		return nil, errors.New("listener requires a source")
	}
	if call == nil {
		return nil, errors.New("listener requires a construction call")
	}
	if ec == nil {
		return nil, execctx.ErrNoContext
	}

	tmpl, err := args.Clone()
	if err != nil {
		return nil, err
	}
	tmpl.Table = source

	l := &Listener{
		name:       source.Name(),
		source:     source,
		call:       call,
		args:       tmpl,
		ec:         ec,
		logger:     slog.Default(),
		partitions: table.PartitionCount(source),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the listener name.
func (l *Listener) Name() string { return l.name }

// OnUpdate recomputes the chart in response to a change notification.
//
// Description:
//
//	update and isReplay are recorded on the trace span only; the chart is
//	always rebuilt from the bound source. On failure the current payload
//	and revision are unchanged and nothing is pushed.
//
// Outputs:
//
//	Revision - The new revision.
//	error - The wrapped construction or serialization error.
//
// Thread Safety: Safe for concurrent use; calls are serialized.
func (l *Listener) OnUpdate(ctx context.Context, update table.Update, isReplay bool) (Revision, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Listener.OnUpdate",
		trace.WithAttributes(
			attribute.String("figure", l.name),
			attribute.String("update.kind", update.Kind.String()),
			attribute.Bool("update.replay", isReplay),
		),
	)
	defer span.End()

	ctx, release := l.ec.Activate(ctx)
	defer release()

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	partitions := table.PartitionCount(l.source)
	payload, msg, objects, err := l.recompute(ctx)
	l.metrics.RecordRecompute(ctx, l.name, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return Revision{}, fmt.Errorf("recompute %s: %w", l.name, err)
	}

	l.current = payload
	l.partitions = partitions
	l.revision++
	rev := Revision{Number: l.revision, Payload: payload}
	span.SetAttributes(attribute.Int64("revision", int64(rev.Number)))

	if l.conn != nil {
		l.push(ctx, l.conn, msg, objects)
	}
	telemetry.SetSpanOK(span)
	return rev, nil
}

// recompute builds and serializes a payload. Caller holds l.mu.
func (l *Listener) recompute(ctx context.Context) (*chart.Payload, []byte, []any, error) {
	args, err := l.args.Clone()
	if err != nil {
		return nil, nil, nil, err
	}
	args.Table = l.source

	payload, _, err := l.call(ctx, args)
	if err != nil {
		return nil, nil, nil, err
	}
	if payload == nil {
		return nil, nil, nil, ErrNilPayload
	}

	refs := export.NewTable()
	msg, err := payload.Envelope(refs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("serialize: %w", err)
	}
	return payload, msg, refs.Objects(), nil
}

func (l *Listener) push(ctx context.Context, conn stream.MessageStream, msg []byte, objects []any) {
	err := conn.OnData(msg, objects)
	l.metrics.RecordPush(ctx, l.name, len(msg), err)
	if err != nil {
		telemetry.LoggerWithTrace(ctx, l.logger).Warn("figure push failed",
			slog.String("figure", l.name),
			slog.Uint64("revision", l.revision),
			slog.String("error", err.Error()),
		)
		return
	}
	l.logger.Debug("figure pushed",
		slog.String("figure", l.name),
		slog.Uint64("revision", l.revision),
		slog.Int("bytes", len(msg)),
		slog.Int("references", len(objects)),
	)
}

// Execute handles an inbound peer message.
//
// No peer commands are defined; the message is returned unchanged. The call
// takes the listener lock so a future command never interleaves with a
// recompute.
func (l *Listener) Execute(payload []byte, references []any) ([]byte, []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return payload, references
}

// SetConnection attaches the peer that receives pushes, replacing any
// previous one.
func (l *Listener) SetConnection(conn stream.MessageStream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil && l.conn != conn {
		l.logger.Info("figure connection replaced", slog.String("figure", l.name))
	}
	l.conn = conn
}

// Connect sends the current payload to conn and attaches it.
//
// Description:
//
//	Both steps run under the listener lock, so conn receives every revision
//	from the current one onward with none skipped or reordered. When the
//	initial send fails conn is not attached. A listener with no payload yet
//	attaches conn without sending.
func (l *Listener) Connect(ctx context.Context, conn stream.MessageStream) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil {
		refs := export.NewTable()
		msg, err := l.current.Envelope(refs)
		if err != nil {
			return fmt.Errorf("serialize %s: %w", l.name, err)
		}
		err = conn.OnData(msg, refs.Objects())
		l.metrics.RecordPush(ctx, l.name, len(msg), err)
		if err != nil {
			return fmt.Errorf("initial push %s: %w", l.name, err)
		}
	}
	if l.conn != nil && l.conn != conn {
		l.logger.Info("figure connection replaced", slog.String("figure", l.name))
	}
	l.conn = conn
	return nil
}

// Detach removes conn if it is the attached peer.
//
// Outputs:
//
//	bool - True if conn was attached and has been removed.
func (l *Listener) Detach(conn stream.MessageStream) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.conn != conn {
		return false
	}
	l.conn = nil
	return true
}

// Connected reports whether a peer is attached.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Current returns the current payload, or nil before the first recompute
// when no initial payload was given.
func (l *Listener) Current() *chart.Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Partitions returns the partition count observed at the last recompute,
// or -1 for an unpartitioned source.
func (l *Listener) Partitions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partitions
}

// Revision returns the number of successful recomputes.
func (l *Listener) Revision() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revision
}
