// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoded struct {
	Data []struct {
		Type   string `json:"type"`
		Mode   string `json:"mode"`
		Name   string `json:"name"`
		X      []any  `json:"x"`
		Y      []any  `json:"y"`
		XAxis  string `json:"xaxis"`
		YAxis  string `json:"yaxis"`
		Line   *struct{ Color string } `json:"line"`
		Marker *struct{ Color string } `json:"marker"`
	} `json:"data"`
	Layout map[string]any `json:"layout"`
}

func decode(t *testing.T, p *chart.Payload) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal(p.Spec(), &d))
	return d
}

func setupRenderTest(t *testing.T, opts ...execctx.Option) (context.Context, *table.Table) {
	t.Helper()
	src, err := table.New("trades", "Timestamp", "Sym", "Price", "Size")
	require.NoError(t, err)
	require.NoError(t, src.Append(context.Background(),
		table.Row{1, "AAPL", 1.0, 10},
		table.Row{2, "MSFT", 2.0, 20},
		table.Row{3, "AAPL", 3.0, 30},
	))
	ctx, release := execctx.New("test", opts...).Activate(context.Background())
	t.Cleanup(release)
	return ctx, src
}

func TestBuild_RequiresExecutionContext(t *testing.T) {
	src, err := table.New("t", "Price")
	require.NoError(t, err)

	_, _, err = Line(context.Background(), chart.Args{Table: src, Y: []string{"Price"}})

	assert.ErrorIs(t, err, execctx.ErrNoContext)
}

func TestBuild_ArgumentErrors(t *testing.T) {
	ctx, src := setupRenderTest(t)

	_, _, err := Line(ctx, chart.Args{Y: []string{"Price"}})
	assert.ErrorIs(t, err, ErrNoTable)

	_, _, err = Line(ctx, chart.Args{Table: src})
	assert.ErrorIs(t, err, ErrNoY)

	_, _, err = Line(ctx, chart.Args{Table: src, X: "Nope", Y: []string{"Price"}})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, _, err = Scatter(ctx, chart.Args{Table: src, Y: []string{"Price"}, Size: "Volume"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestLine_SingleTable(t *testing.T) {
	ctx, src := setupRenderTest(t)

	p, mappings, err := Line(ctx, chart.Args{Table: src, X: "Timestamp", Y: []string{"Price"}, Title: "Prices"})
	require.NoError(t, err)

	d := decode(t, p)
	require.Len(t, d.Data, 1)
	assert.Equal(t, "scatter", d.Data[0].Type)
	assert.Equal(t, "lines", d.Data[0].Mode)
	assert.Equal(t, "Price", d.Data[0].Name)
	assert.Empty(t, d.Data[0].X)
	assert.NotNil(t, d.Data[0].X, "x is [] for the client to fill")
	assert.Equal(t, "plotly", d.Layout["template"])
	assert.Equal(t, map[string]any{"text": "Prices"}, d.Layout["title"])

	require.Len(t, mappings, 1)
	assert.Same(t, src, mappings[0].Table())
	assert.Equal(t, map[string]string{"Timestamp": "x", "Price": "y"}, mappings[0].Columns())
	assert.Zero(t, mappings[0].Trace())
	assert.Equal(t, mappings, p.Mappings())
	assert.False(t, p.HasUserTemplate())
	assert.False(t, p.HasUserColor())
}

func TestLine_PartitionedTraceGrid(t *testing.T) {
	ctx, src := setupRenderTest(t)
	view, err := table.PartitionBy(src, "Sym")
	require.NoError(t, err)
	defer view.Close()

	p, mappings, err := Line(ctx, chart.Args{Table: view, X: "Timestamp", Y: []string{"Price", "Size"}})
	require.NoError(t, err)

	d := decode(t, p)
	require.Len(t, d.Data, 4)
	names := []string{d.Data[0].Name, d.Data[1].Name, d.Data[2].Name, d.Data[3].Name}
	assert.Equal(t, []string{"AAPL, Price", "AAPL, Size", "MSFT, Price", "MSFT, Size"}, names)

	constituents := view.Constituents()
	require.Len(t, mappings, 4)
	for i, m := range mappings {
		assert.Equal(t, i, m.Trace())
		assert.Same(t, constituents[i/2], m.Table())
	}
}

func TestTemplate(t *testing.T) {
	ctx, src := setupRenderTest(t, execctx.WithDefaultTemplate("seaborn"))

	p, _, err := Bar(ctx, chart.Args{Table: src, Y: []string{"Price"}})
	require.NoError(t, err)
	assert.Equal(t, "seaborn", decode(t, p).Layout["template"])
	assert.False(t, p.HasUserTemplate())

	p, _, err = Bar(ctx, chart.Args{Table: src, Y: []string{"Price"}, Template: chart.String("plotly_dark")})
	require.NoError(t, err)
	assert.Equal(t, "plotly_dark", decode(t, p).Layout["template"])
	assert.True(t, p.HasUserTemplate())
}

func TestColorSequences(t *testing.T) {
	ctx, src := setupRenderTest(t)
	view, err := table.PartitionBy(src, "Sym")
	require.NoError(t, err)
	defer view.Close()

	p, _, err := Line(ctx, chart.Args{Table: view, Y: []string{"Price"}, ColorDiscreteSequenceLine: []string{"red"}})
	require.NoError(t, err)
	d := decode(t, p)
	require.Len(t, d.Data, 2)
	assert.Equal(t, "red", d.Data[0].Line.Color)
	assert.Equal(t, "red", d.Data[1].Line.Color)
	assert.True(t, p.HasUserColor())

	p, _, err = Scatter(ctx, chart.Args{Table: view, Y: []string{"Price"}, ColorDiscreteSequenceMarker: []string{"red", "blue"}})
	require.NoError(t, err)
	d = decode(t, p)
	assert.Equal(t, "red", d.Data[0].Marker.Color)
	assert.Equal(t, "blue", d.Data[1].Marker.Color)
	assert.Nil(t, d.Data[0].Line)
}

func TestScatter_SizeMapping(t *testing.T) {
	ctx, src := setupRenderTest(t)

	p, mappings, err := Scatter(ctx, chart.Args{Table: src, X: "Timestamp", Y: []string{"Price"}, Size: "Size"})
	require.NoError(t, err)

	assert.Equal(t, "markers", decode(t, p).Data[0].Mode)
	require.Len(t, mappings, 1)
	assert.Equal(t, "marker.size", mappings[0].Columns()["Size"])
}

func TestLayout_LabelsAndOverrides(t *testing.T) {
	ctx, src := setupRenderTest(t)

	p, _, err := Line(ctx, chart.Args{
		Table:  src,
		X:      "Timestamp",
		Y:      []string{"Price"},
		Labels: map[string]string{"Timestamp": "Time"},
		Layout: &chart.LayoutOptions{
			YAxisTitle: "USD",
			ShowLegend: chart.Bool(false),
			Extra:      map[string]string{"hovermode": "x"},
		},
	})
	require.NoError(t, err)

	layout := decode(t, p).Layout
	assert.Equal(t, map[string]any{"title": map[string]any{"text": "Time"}}, layout["xaxis"])
	assert.Equal(t, map[string]any{"title": map[string]any{"text": "USD"}}, layout["yaxis"])
	assert.Equal(t, false, layout["showlegend"])
	assert.Equal(t, "x", layout["hovermode"])
}
