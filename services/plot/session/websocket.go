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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// ErrUnresolved is returned when an inbound reference cannot be resolved.
var ErrUnresolved = errors.New("unresolved reference")

// Frame is the websocket wire form of one message.
type Frame struct {
	Payload    json.RawMessage     `json:"payload"`
	References []export.Descriptor `json:"references"`
}

// Resolver maps an exported object id back to the server object.
type Resolver func(id string) (any, error)

// StreamOption configures a WebSocketStream.
type StreamOption func(*WebSocketStream)

// WithWriteTimeout sets the deadline applied to every write.
func WithWriteTimeout(d time.Duration) StreamOption {
	return func(s *WebSocketStream) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithReadLimit sets the largest inbound frame accepted, in bytes.
func WithReadLimit(n int64) StreamOption {
	return func(s *WebSocketStream) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithInboundRate limits how fast inbound frames are handed to the
// session. Reading pauses while the client is over the limit. A
// non-positive r disables limiting, the default.
func WithInboundRate(r float64, burst int) StreamOption {
	return func(s *WebSocketStream) {
		if r <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
}

// WithStreamLogger sets the logger. Defaults to slog.Default.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *WebSocketStream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WebSocketStream writes messages to a websocket as JSON frames.
//
// Thread Safety: OnData and OnClose are safe for concurrent use; writes
// are serialized.
type WebSocketStream struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readLimit    int64
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWebSocketStream wraps an upgraded connection.
func NewWebSocketStream(ws *websocket.Conn, opts ...StreamOption) *WebSocketStream {
	s := &WebSocketStream{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnData writes one frame. Every reference must implement export.Ticket.
func (s *WebSocketStream) OnData(payload []byte, references []any) error {
	descriptors, err := export.Describe(references)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	data, err := json.Marshal(Frame{Payload: payload, References: descriptors})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// OnClose sends a close frame and closes the socket. Later calls do
// nothing.
func (s *WebSocketStream) OnClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	_ = s.ws.Close()
}

func (s *WebSocketStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stream.MessageStream = (*WebSocketStream)(nil)

// Serve runs a live session for obj over ws until the client disconnects
// or ctx is done.
//
// Description:
//
//	The current figure is sent first, then every inbound frame's
//	references are resolved and the frame is handed to the session. A
//	frame that cannot be decoded or resolved is logged and skipped. When
//	the loop ends the session is closed and detached, then the socket is
//	closed.
//
// Inputs:
//
//	ctx - Ends the session when done.
//	ws - An upgraded connection. Serve owns it.
//	t - The object type that opens the session.
//	obj - The object to serve.
//	resolver - Resolves inbound reference ids. May be nil when clients send
//	    no references.
//	opts - Stream options.
//
// Outputs:
//
//	error - nil on a normal close, otherwise the session or read error.
func Serve(ctx context.Context, ws *websocket.Conn, t Bidirectional, obj any, resolver Resolver, opts ...StreamOption) error {
	out := NewWebSocketStream(ws, opts...)
	defer out.OnClose()

	sess, err := t.CreateClientConnection(ctx, obj, out)
	if err != nil {
		return err
	}
	defer sess.OnClose()

	stop := context.AfterFunc(ctx, out.OnClose)
	defer stop()

	ws.SetReadLimit(out.readLimit)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if out.isClosed() || ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if out.limiter != nil {
			if err := out.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			out.logger.Warn("invalid session frame", slog.String("error", err.Error()))
			continue
		}
		refs, err := resolveAll(frame.References, resolver)
		if err != nil {
			out.logger.Warn("unresolved session frame", slog.String("error", err.Error()))
			continue
		}
		if err := sess.OnData(frame.Payload, refs); err != nil {
			return err
		}
	}
}

func resolveAll(descriptors []export.Descriptor, resolver Resolver) ([]any, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: no resolver", ErrUnresolved)
	}
	out := make([]any, len(descriptors))
	for i, d := range descriptors {
		if d.Index != i {
			return nil, fmt.Errorf("%w: reference %d has index %d", ErrUnresolved, i, d.Index)
		}
		obj, err := resolver(d.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolved, d.ID, err)
		}
		out[i] = obj
	}
	return out, nil
}
