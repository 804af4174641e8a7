// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package figure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
	"github.com/AleutianAI/AleutianPlot/services/plot/stream"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// counter is a construction call whose spec and mappings both carry the
// call number, so a torn read shows up as a mismatch.
type counter struct {
	n    atomic.Int64
	fail atomic.Bool
}

func (c *counter) call(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
	if _, err := execctx.Require(ctx); err != nil {
		return nil, nil, err
	}
	if c.fail.Load() {
		return nil, nil, errors.New("render failed")
	}
	n := c.n.Add(1)
	var traces int
	var sources []*table.Table
	if p, ok := args.Table.(table.Partitioned); ok {
		sources = p.Constituents()
	} else if t, ok := args.Table.(*table.Table); ok {
		sources = []*table.Table{t}
	}
	mappings := make([]*mapping.DataMapping, 0, len(sources))
	for _, src := range sources {
		mappings = append(mappings, mapping.New(src, map[string]string{"Price": "y", "rev": strconv.FormatInt(n, 10)}, traces))
		traces++
	}
	spec := json.RawMessage(fmt.Sprintf(`{"rev":%d,"traces":%d}`, n, traces))
	return chart.NewPayload(spec, c.call, args, mappings), mappings, nil
}

func newSource(t *testing.T) *table.Table {
	t.Helper()
	src, err := table.New("trades", "Sym", "Price")
	require.NoError(t, err)
	return src
}

func specRev(t *testing.T, spec json.RawMessage) int64 {
	t.Helper()
	var doc struct {
		Rev int64 `json:"rev"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	return doc.Rev
}

func TestNew_RequiresPayload(t *testing.T) {
	_, err := New("empty", nil)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestOnUpdate_WithoutListener(t *testing.T) {
	fig, err := New("static", chart.NewPayload(json.RawMessage(`{}`), nil, chart.Args{}, nil))
	require.NoError(t, err)

	err = fig.OnUpdate(context.Background(), table.Update{}, false)

	assert.ErrorIs(t, err, ErrListenerNotInitialized)
	assert.ErrorIs(t, fig.Connect(context.Background(), nil), ErrListenerNotInitialized)
}

func TestStaticFigure_ExecuteAndAddConnection(t *testing.T) {
	fig, err := New("static", chart.NewPayload(json.RawMessage(`{}`), nil, chart.Args{}, nil))
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	fig.AddConnection(stream.NewMockMessageStream(ctrl))

	out, refs := fig.Execute([]byte("x"), nil)
	assert.Equal(t, []byte("x"), out)
	assert.Nil(t, refs)
}

func TestBuild_PublishesNewRevisionOnChange(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}))
	c := &counter{}

	fig, sub, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src, Y: []string{"Price"}}, execctx.New("test"))
	require.NoError(t, err)
	require.NotNil(t, sub)
	defer fig.Close()

	before := fig.Snapshot()
	assert.Zero(t, before.Revision)
	assert.Equal(t, int64(1), specRev(t, before.Spec))

	require.NoError(t, src.Append(context.Background(), table.Row{"MSFT", 2.0}))

	after := fig.Snapshot()
	assert.Equal(t, uint64(1), after.Revision)
	assert.Equal(t, int64(2), specRev(t, after.Spec))
	assert.Same(t, fig.Listener().Current(), after.Payload)
}

func TestBuild_PartitionsByColumns(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}, table.Row{"MSFT", 2.0}))
	c := &counter{}

	fig, _, err := Build(context.Background(), "by-sym", c.call,
		chart.Args{Table: src, By: []string{"Sym"}}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	assert.Len(t, fig.Snapshot().Mappings, 2)
	assert.Equal(t, 2, fig.Listener().Partitions())

	require.NoError(t, src.Append(context.Background(), table.Row{"GOOG", 3.0}))

	snap := fig.Snapshot()
	assert.Len(t, snap.Mappings, 3)
	assert.Equal(t, 3, fig.Listener().Partitions())

	out, objs, err := fig.ToBytes()
	require.NoError(t, err)
	assert.Len(t, objs, 3)
	assert.Contains(t, string(out), `"trace_index":2`)
}

func TestBuild_ChangeDuringFirstRenderIsNotLost(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}, table.Row{"MSFT", 2.0}))
	c := &counter{}

	var appended atomic.Bool
	call := func(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
		p, ms, err := c.call(ctx, args)
		if err == nil && appended.CompareAndSwap(false, true) {
			require.NoError(t, src.Append(context.Background(), table.Row{"GOOG", 3.0}))
		}
		return p, ms, err
	}

	fig, _, err := Build(context.Background(), "by-sym", call,
		chart.Args{Table: src, By: []string{"Sym"}}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	snap := fig.Snapshot()
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Len(t, snap.Mappings, 3)
	assert.Equal(t, int64(2), c.n.Load())
}

func TestBuild_NoChangeKeepsRevisionZero(t *testing.T) {
	src := newSource(t)
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}))
	c := &counter{}

	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	assert.Zero(t, fig.Revision())
	assert.Equal(t, int64(1), c.n.Load())
}

func TestBuild_Errors(t *testing.T) {
	c := &counter{}
	ec := execctx.New("test")

	_, _, err := Build(context.Background(), "none", c.call, chart.Args{}, ec)
	assert.ErrorIs(t, err, ErrNoSource)

	src := newSource(t)
	_, _, err = Build(context.Background(), "ctx", c.call, chart.Args{Table: src}, nil)
	assert.ErrorIs(t, err, execctx.ErrNoContext)

	_, _, err = Build(context.Background(), "bad-key", c.call, chart.Args{Table: src, By: []string{"Nope"}}, ec)
	assert.ErrorIs(t, err, table.ErrUnknownColumn)

	c.fail.Store(true)
	_, _, err = Build(context.Background(), "render", c.call, chart.Args{Table: src, By: []string{"Sym"}}, ec)
	assert.Error(t, err)
	assert.Zero(t, src.SubscriberCount(), "partition view released on failure")
}

func TestBuild_RecomputeFailurePropagatesToMutator(t *testing.T) {
	src := newSource(t)
	c := &counter{}
	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	c.fail.Store(true)
	err = src.Append(context.Background(), table.Row{"AAPL", 1.0})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "render failed")
	assert.Zero(t, fig.Revision(), "published state unchanged")
}

func TestClose_Unsubscribes(t *testing.T) {
	src := newSource(t)
	c := &counter{}
	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src, By: []string{"Sym"}}, execctx.New("test"))
	require.NoError(t, err)
	require.Equal(t, 1, src.SubscriberCount())

	fig.Close()
	fig.Close()

	assert.Zero(t, src.SubscriberCount())
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}))
	assert.Zero(t, fig.Revision())
}

func TestConnect_SendsPublishedFigure(t *testing.T) {
	src := newSource(t)
	c := &counter{}
	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	ctrl := gomock.NewController(t)
	conn := stream.NewMockMessageStream(ctrl)

	var messages []chart.Envelope
	conn.EXPECT().OnData(gomock.Any(), gomock.Any()).DoAndReturn(func(payload []byte, refs []any) error {
		var env chart.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		messages = append(messages, env)
		assert.Len(t, refs, 1)
		return nil
	}).Times(2)

	require.NoError(t, fig.Connect(context.Background(), conn))
	require.NoError(t, src.Append(context.Background(), table.Row{"AAPL", 1.0}))

	require.Len(t, messages, 2)
	assert.Equal(t, int64(1), specRev(t, messages[0].Figure.Plotly))
	assert.Equal(t, int64(2), specRev(t, messages[1].Figure.Plotly))
}

func TestEnvelope(t *testing.T) {
	src := newSource(t)
	c := &counter{}
	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	out, objs, err := fig.Envelope()
	require.NoError(t, err)
	assert.Contains(t, string(out), chart.MessageNewFigure)
	require.Len(t, objs, 1)
	assert.Same(t, src, objs[0])
}

func TestOnUpdate_ConcurrentReadersSeeWholeRevisions(t *testing.T) {
	src := newSource(t)
	c := &counter{}
	fig, _, err := Build(context.Background(), "trades", c.call, chart.Args{Table: src}, execctx.New("test"))
	require.NoError(t, err)
	defer fig.Close()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn atomic.Int64

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := fig.Snapshot()
				var doc struct {
					Rev int64 `json:"rev"`
				}
				if err := json.Unmarshal(s.Spec, &doc); err != nil {
					torn.Add(1)
					continue
				}
				for _, m := range s.Mappings {
					if m.Columns()["rev"] != strconv.FormatInt(doc.Rev, 10) {
						torn.Add(1)
					}
				}
				if uint64(doc.Rev) != s.Revision+1 {
					torn.Add(1)
				}
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, src.Append(context.Background(), table.Row{"AAPL", float64(i)}))
			}
		}()
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, torn.Load(), "a reader observed fields from two revisions")
	assert.Equal(t, uint64(writers*perWriter), fig.Revision())
}
