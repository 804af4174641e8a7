// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session binds a figure's listener to one client connection and
// registers figures as a host object type.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianPlot/services/plot/listener"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
)

// ErrClosed is returned by OnData after OnClose.
var ErrClosed = errors.New("session closed")

// Connection is the server half of a client session. Inbound messages go
// to the listener; the listener pushes revisions to the client directly.
//
// Thread Safety: Connection is safe for concurrent use.
type Connection struct {
	listener *listener.Listener
	client   stream.MessageStream
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	closed atomic.Bool
	once   sync.Once
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionMetrics sets the instruments sessions are counted on.
func WithConnectionMetrics(m *telemetry.Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithConnectionLogger sets the logger. Defaults to slog.Default.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnection attaches client to l, replacing any previous client.
//
// The client receives nothing until the next recompute. Use
// ObjectType.CreateClientConnection to send the current figure first.
func NewConnection(l *listener.Listener, client stream.MessageStream, opts ...ConnectionOption) *Connection {
	c := newConnection(l, client, opts...)
	l.SetConnection(client)
	c.opened()
	return c
}

func newConnection(l *listener.Listener, client stream.MessageStream, opts ...ConnectionOption) *Connection {
	c := &Connection{
		listener: l,
		client:   client,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) opened() {
	c.metrics.SessionOpened(context.Background(), c.listener.Name())
	c.logger.Info("figure session opened", slog.String("figure", c.listener.Name()))
}

// OnData handles a message from the client.
//
// Description:
//
//	The message is passed to the listener's Execute and the result is
//	sent back to the client.
//
// Outputs:
//
//	error - ErrClosed after OnClose, or the client's send error.
func (c *Connection) OnData(payload []byte, references []any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.metrics.RecordInbound(context.Background(), c.listener.Name())
	out, refs := c.listener.Execute(payload, references)
	return c.client.OnData(out, refs)
}

// OnClose ends the session and detaches the client from the listener.
// Later calls do nothing. The client itself is not closed; its transport
// owns it.
func (c *Connection) OnClose() {
	c.once.Do(func() {
		c.closed.Store(true)
		detached := c.listener.Detach(c.client)
		c.metrics.SessionClosed(context.Background(), c.listener.Name())
		c.logger.Info("figure session closed",
			slog.String("figure", c.listener.Name()),
			slog.Bool("detached", detached),
		)
	})
}

// Closed reports whether OnClose has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

var _ stream.MessageStream = (*Connection)(nil)
