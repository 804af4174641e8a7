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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/figure"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	fig    *figure.Figure
	src    *table.Table
	client *websocket.Conn
	done   chan error
	cancel context.CancelFunc
}

func setupWebSocketTest(t *testing.T) *wsHarness {
	t.Helper()
	fig, src := buildFigure(t)
	h := &wsHarness{fig: fig, src: src, done: make(chan error, 1)}

	resolver := func(id string) (any, error) {
		if id == src.ID() {
			return src, nil
		}
		return nil, fmt.Errorf("unknown id %q", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.done <- err
			return
		}
		h.done <- Serve(ctx, ws, NewObjectType(), fig, resolver, WithWriteTimeout(time.Second))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *wsHarness) read(t *testing.T) Frame {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := h.client.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func (h *wsHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServe_InitialFigureThenPushes(t *testing.T) {
	h := setupWebSocketTest(t)

	first := h.read(t)
	assert.Equal(t, 0, rowsIn(t, first.Payload))
	require.Len(t, first.References, 1)
	assert.Equal(t, export.Descriptor{Index: 0, ID: h.src.ID(), Type: "Table"}, first.References[0])

	require.NoError(t, h.src.Append(context.Background(), table.Row{"AAPL", 1.0}))

	second := h.read(t)
	assert.Equal(t, 1, rowsIn(t, second.Payload))
}

func TestServe_InboundFrameIsResolvedAndAnswered(t *testing.T) {
	h := setupWebSocketTest(t)
	h.read(t)

	frame := `{"payload":{"cmd":"noop"},"references":[{"index":0,"id":"` + h.src.ID() + `","type":"Table"}]}`
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(frame)))

	reply := h.read(t)
	assert.JSONEq(t, `{"cmd":"noop"}`, string(reply.Payload))
	require.Len(t, reply.References, 1)
	assert.Equal(t, h.src.ID(), reply.References[0].ID)
}

func TestServe_SkipsBadFrames(t *testing.T) {
	h := setupWebSocketTest(t)
	h.read(t)

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage,
		[]byte(`{"payload":{},"references":[{"index":0,"id":"missing","type":"Table"}]}`)))
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(`{"payload":{"ok":true},"references":[]}`)))

	reply := h.read(t)
	assert.JSONEq(t, `{"ok":true}`, string(reply.Payload))
	assert.Empty(t, reply.References)
}

func TestServe_ClientCloseDetaches(t *testing.T) {
	h := setupWebSocketTest(t)
	h.read(t)
	require.True(t, h.fig.Listener().Connected())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, h.client.WriteMessage(websocket.CloseMessage, msg))

	assert.NoError(t, h.wait(t))
	assert.False(t, h.fig.Listener().Connected())
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	h := setupWebSocketTest(t)
	h.read(t)

	h.cancel()

	assert.NoError(t, h.wait(t))
	assert.False(t, h.fig.Listener().Connected())
}

func TestResolveAll(t *testing.T) {
	got, err := resolveAll(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	descs := []export.Descriptor{{Index: 0, ID: "a"}}
	_, err = resolveAll(descs, nil)
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = resolveAll([]export.Descriptor{{Index: 1, ID: "a"}}, func(string) (any, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrUnresolved)

	got, err = resolveAll(descs, func(id string) (any, error) { return "obj-" + id, nil })
	require.NoError(t, err)
	assert.Equal(t, []any{"obj-a"}, got)
}

func TestWithInboundRate(t *testing.T) {
	s := NewWebSocketStream(nil, WithInboundRate(5, 0))
	require.NotNil(t, s.limiter)
	assert.Equal(t, 1, s.limiter.Burst())

	s = NewWebSocketStream(nil, WithInboundRate(5, 3), WithInboundRate(0, 3))
	assert.Nil(t, s.limiter)
}
