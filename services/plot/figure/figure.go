// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package figure is the externally visible chart object: the handle clients
// fetch, export and open sessions on.
//
// # Locking
//
// A Figure publishes the fields of its latest chart revision under its own
// RWMutex. The listener that recomputes revisions has a separate lock. The
// figure lock is never held while the listener lock is acquired: OnUpdate
// runs the listener unlocked, then takes the figure lock only to copy the
// finished revision. Revision numbers make the copy monotonic, so a slow
// publisher cannot overwrite a newer revision.
package figure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/listener"
	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

var (
	// ErrListenerNotInitialized is returned when a live operation is used on
	// a figure whose listener was never initialized.
	ErrListenerNotInitialized = errors.New("figure listener not initialized")

	// ErrNoPayload is returned when a figure is created without a payload.
	ErrNoPayload = errors.New("figure requires a payload")
)

// State is a consistent copy of a figure's published fields.
type State struct {
	Revision        uint64
	Spec            json.RawMessage
	Call            chart.Call
	Args            chart.Args
	Mappings        []*mapping.DataMapping
	HasUserTemplate bool
	HasUserColor    bool
	HasSubplots     bool

	// Payload is the revision the other fields were copied from.
	Payload *chart.Payload
}

// Figure is a named, possibly live, chart.
//
// Thread Safety: Figure is safe for concurrent use.
type Figure struct {
	name string

	mu       sync.RWMutex
	state    State
	listener *listener.Listener
	closers  []func()
}

// New creates a figure publishing payload as revision 0.
func New(name string, payload *chart.Payload) (*Figure, error) {
	if payload == nil {
		return nil, ErrNoPayload
	}
	f := &Figure{name: name}
	if err := f.publish(payload, 0); err != nil {
		return nil, err
	}
	return f, nil
}

// Name returns the figure name.
func (f *Figure) Name() string { return f.name }

// publish copies payload's fields. Caller holds f.mu or owns f exclusively.
func (f *Figure) publish(payload *chart.Payload, revision uint64) error {
	args, err := payload.Args()
	if err != nil {
		return fmt.Errorf("figure %s: %w", f.name, err)
	}
	f.state = State{
		Revision:        revision,
		Spec:            payload.Spec(),
		Call:            payload.Call(),
		Args:            args,
		Mappings:        payload.Mappings(),
		HasUserTemplate: payload.HasUserTemplate(),
		HasUserColor:    payload.HasUserColor(),
		HasSubplots:     payload.HasSubplots(),
		Payload:         payload,
	}
	return nil
}

// Snapshot returns the published fields, all from one revision.
//
// Args shares compound values with the published state; Clone it before
// mutating.
func (f *Figure) Snapshot() State {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := f.state
	s.Spec = slices.Clone(s.Spec)
	s.Mappings = slices.Clone(s.Mappings)
	return s
}

// Revision returns the published revision number.
func (f *Figure) Revision() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Revision
}

// InitializeListener creates the figure's listener and returns the handler
// to subscribe to source.
//
// Description:
//
//	The listener starts from the figure's published payload. Calling it
//	again replaces the listener; the previous handler keeps working but its
//	revisions are never published.
//
// Outputs:
//
//	table.Handler - Subscribe this to source.
//	error - Non-nil if the listener cannot be created.
func (f *Figure) InitializeListener(source table.Source, call chart.Call, args chart.Args, ec *execctx.Context, opts ...listener.Option) (table.Handler, error) {
	f.mu.RLock()
	current := f.state.Payload
	f.mu.RUnlock()

	opts = append([]listener.Option{listener.WithName(f.name), listener.WithInitial(current)}, opts...)
	l, err := listener.New(source, call, args, ec, opts...)
	if err != nil {
		return nil, fmt.Errorf("figure %s: %w", f.name, err)
	}

	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()

	return func(ctx context.Context, update table.Update, isReplay bool) error {
		return f.onListenerUpdate(ctx, l, update, isReplay)
	}, nil
}

// Listener returns the figure's listener, or nil.
func (f *Figure) Listener() *listener.Listener {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.listener
}

// OnUpdate recomputes the figure from its listener and publishes the result.
//
// Outputs:
//
//	error - ErrListenerNotInitialized, or the listener's recompute error.
func (f *Figure) OnUpdate(ctx context.Context, update table.Update, isReplay bool) error {
	l := f.Listener()
	if l == nil {
		return fmt.Errorf("figure %s: %w", f.name, ErrListenerNotInitialized)
	}
	return f.onListenerUpdate(ctx, l, update, isReplay)
}

func (f *Figure) onListenerUpdate(ctx context.Context, l *listener.Listener, update table.Update, isReplay bool) error {
	rev, err := l.OnUpdate(ctx, update, isReplay)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != l || rev.Number <= f.state.Revision {
		return nil
	}
	return f.publish(rev.Payload, rev.Number)
}

// AddConnection attaches conn to the listener. Without a listener the
// figure is static and the call does nothing.
func (f *Figure) AddConnection(conn stream.MessageStream) {
	if l := f.Listener(); l != nil {
		l.SetConnection(conn)
	}
}

// Connect sends the listener's current revision to conn as a NEW_FIGURE
// message and then attaches conn for pushes.
func (f *Figure) Connect(ctx context.Context, conn stream.MessageStream) error {
	l := f.Listener()
	if l == nil {
		return fmt.Errorf("figure %s: %w", f.name, ErrListenerNotInitialized)
	}
	return l.Connect(ctx, conn)
}

// Execute forwards an inbound peer message to the listener. Without a
// listener the message is returned unchanged.
func (f *Figure) Execute(payload []byte, references []any) ([]byte, []any) {
	if l := f.Listener(); l != nil {
		return l.Execute(payload, references)
	}
	return payload, references
}

// Export serializes the published revision, registering tables in refs.
func (f *Figure) Export(refs *export.Table) ([]byte, error) {
	f.mu.RLock()
	p := f.state.Payload
	f.mu.RUnlock()
	return p.Serialize(refs)
}

// ToBytes serializes the published revision with a fresh reference table.
//
// Outputs:
//
//	[]byte - The wire document.
//	[]any - The referenced objects, aligned with the document's indices.
//	error - Non-nil on serialization failure.
func (f *Figure) ToBytes() ([]byte, []any, error) {
	refs := export.NewTable()
	out, err := f.Export(refs)
	if err != nil {
		return nil, nil, err
	}
	return out, refs.Objects(), nil
}

// Envelope serializes the published revision as a NEW_FIGURE push.
func (f *Figure) Envelope() ([]byte, []any, error) {
	f.mu.RLock()
	p := f.state.Payload
	f.mu.RUnlock()

	refs := export.NewTable()
	out, err := p.Envelope(refs)
	if err != nil {
		return nil, nil, err
	}
	return out, refs.Objects(), nil
}

// Close releases subscriptions and views created by Build.
func (f *Figure) Close() {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func (f *Figure) onClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, fn)
}
