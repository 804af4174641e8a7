// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execctx carries the configuration chart construction depends on
// (default template, time zone) as an explicit, scoped handle.
//
// Chart construction runs both on the caller's goroutine and from table
// notification callbacks on arbitrary goroutines. Nothing is looked up from
// process globals: the handle is activated into a context.Context for the
// duration of a construction and released afterwards.
//
//	ctx, release := ec.Activate(ctx)
//	defer release()
//	payload, _, err := call(ctx, args)
package execctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoContext is returned when construction runs without an active context.
var ErrNoContext = errors.New("no active execution context")

type ctxKey struct{}

// Context is an execution context.
//
// Thread Safety: Context is safe for concurrent use. Settings are fixed at
// construction.
type Context struct {
	name            string
	defaultTemplate string
	location        *time.Location

	active atomic.Int64
}

// Option configures a Context.
type Option func(*Context)

// WithDefaultTemplate sets the template applied when the user sets none.
func WithDefaultTemplate(name string) Option {
	return func(c *Context) {
		c.defaultTemplate = name
	}
}

// WithLocation sets the time zone used to format time values.
func WithLocation(loc *time.Location) Option {
	return func(c *Context) {
		if loc != nil {
			c.location = loc
		}
	}
}

// New creates an execution context.
func New(name string, opts ...Option) *Context {
	c := &Context{
		name:            name,
		defaultTemplate: "plotly",
		location:        time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// DefaultTemplate returns the default template name.
func (c *Context) DefaultTemplate() string { return c.defaultTemplate }

// Location returns the configured time zone.
func (c *Context) Location() *time.Location { return c.location }

// Active returns the number of unreleased activations.
func (c *Context) Active() int { return int(c.active.Load()) }

// Activate returns a child of parent carrying c, and a release function.
//
// Description:
//
//	Activations nest and are counted. The release function is idempotent
//	and must be called, typically with defer, when the scoped work ends.
func (c *Context) Activate(parent context.Context) (context.Context, func()) {
	c.active.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.active.Add(-1)
		})
	}
	return context.WithValue(parent, ctxKey{}, c), release
}

// FromContext returns the active execution context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok
}

// Require returns the active execution context or ErrNoContext.
func Require(ctx context.Context) (*Context, error) {
	c, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoContext
	}
	return c, nil
}
