// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianPlot/services/plot/figure"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
)

// FigureTypeName is the registered name of the figure object type.
const FigureTypeName = "aleutian.plot.Figure"

var (
	// ErrWrongType is returned when an object type is handed an object it
	// does not handle.
	ErrWrongType = errors.New("object is not of this type")

	// ErrDuplicateType is returned when a type name is registered twice.
	ErrDuplicateType = errors.New("object type already registered")
)

// Type is a host object type that can be fetched.
type Type interface {
	Name() string
	IsType(obj any) bool

	// ToBytes exports obj once. The returned objects are the payload's
	// references in index order.
	ToBytes(obj any) ([]byte, []any, error)
}

// Bidirectional is a Type that also supports live client sessions.
type Bidirectional interface {
	Type
	CreateClientConnection(ctx context.Context, obj any, client stream.MessageStream) (stream.MessageStream, error)
}

// ObjectType registers *figure.Figure with a host.
type ObjectType struct {
	opts []ConnectionOption
}

// NewObjectType creates the figure object type. opts apply to every
// session it creates.
func NewObjectType(opts ...ConnectionOption) *ObjectType {
	return &ObjectType{opts: opts}
}

// Name returns FigureTypeName.
func (t *ObjectType) Name() string { return FigureTypeName }

// IsType reports whether obj is a *figure.Figure.
func (t *ObjectType) IsType(obj any) bool {
	_, ok := obj.(*figure.Figure)
	return ok
}

// ToBytes serializes the figure's published revision.
func (t *ObjectType) ToBytes(obj any) ([]byte, []any, error) {
	fig, ok := obj.(*figure.Figure)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %T", ErrWrongType, obj)
	}
	return fig.ToBytes()
}

// CreateClientConnection opens a live session on a figure.
//
// Description:
//
//	The listener's current revision is sent to client as a NEW_FIGURE
//	message, then client is bound for pushes. No revision produced in
//	between is lost.
//
// Inputs:
//
//	ctx - Context for the initial send.
//	obj - A *figure.Figure with an initialized listener.
//	client - Receives the initial figure, every later push and every
//	    reply to an inbound message.
//
// Outputs:
//
//	stream.MessageStream - The session, a *Connection. Feed it inbound
//	    client messages and call OnClose when the client goes away.
//	error - ErrWrongType, figure.ErrListenerNotInitialized, or the initial
//	    send error.
func (t *ObjectType) CreateClientConnection(ctx context.Context, obj any, client stream.MessageStream) (stream.MessageStream, error) {
	fig, ok := obj.(*figure.Figure)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongType, obj)
	}
	l := fig.Listener()
	if l == nil {
		return nil, fmt.Errorf("figure %s: %w", fig.Name(), figure.ErrListenerNotInitialized)
	}

	c := newConnection(l, client, t.opts...)
	if err := fig.Connect(ctx, client); err != nil {
		return nil, err
	}
	c.opened()
	return c, nil
}

var _ Bidirectional = (*ObjectType)(nil)

// Registry maps type names to object types.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds t under t.Name().
func (r *Registry) Register(t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name())
	}
	r.types[t.Name()] = t
	return nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// ForObject returns the first registered type, by name, that handles obj.
func (r *Registry) ForObject(obj any) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.namesLocked() {
		if t := r.types[name]; t.IsType(obj) {
			return t, true
		}
	}
	return nil, false
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
