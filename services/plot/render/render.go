// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render builds plotly figure specs from tables.
//
// Traces are emitted with empty data arrays. The client fills them from the
// linked tables using each trace's data mapping, so a spec never carries row
// data and stays small however large the table grows.
//
// One trace is emitted per (constituent, y column) pair. A partitioned source
// contributes one constituent per key; any other source is its own single
// constituent. Trace i has exactly one mapping with trace index i.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

var (
	// ErrNoTable is returned when args has no table.
	ErrNoTable = errors.New("render requires a table")

	// ErrUnknownColumn is returned when args names a column the table
	// does not have.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrNoY is returned when args has no y column.
	ErrNoY = errors.New("render requires at least one y column")
)

type kind struct {
	traceType string
	mode      string
}

var (
	lineKind    = kind{traceType: "scatter", mode: "lines"}
	scatterKind = kind{traceType: "scatter", mode: "markers"}
	barKind     = kind{traceType: "bar"}
)

// Line renders one line trace per constituent and y column.
func Line(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
	return build(ctx, Line, args, lineKind)
}

// Scatter renders one marker trace per constituent and y column. Size, if
// set, is linked to the marker size.
func Scatter(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
	return build(ctx, Scatter, args, scatterKind)
}

// Bar renders one bar trace per constituent and y column.
func Bar(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
	return build(ctx, Bar, args, barKind)
}

type colorSpec struct {
	Color string `json:"color"`
}

type trace struct {
	Type   string     `json:"type"`
	Mode   string     `json:"mode,omitempty"`
	Name   string     `json:"name,omitempty"`
	X      []any      `json:"x"`
	Y      []any      `json:"y"`
	Line   *colorSpec `json:"line,omitempty"`
	Marker *colorSpec `json:"marker,omitempty"`
}

type spec struct {
	Data   []trace        `json:"data"`
	Layout map[string]any `json:"layout"`
}

func build(ctx context.Context, call chart.Call, args chart.Args, k kind) (*chart.Payload, []*mapping.DataMapping, error) {
	ec, err := execctx.Require(ctx)
	if err != nil {
		return nil, nil, err
	}
	if args.Table == nil {
		return nil, nil, ErrNoTable
	}
	if len(args.Y) == 0 {
		return nil, nil, ErrNoY
	}
	if err := checkColumns(args); err != nil {
		return nil, nil, err
	}

	constituents := constituentsOf(args.Table)
	_, partitioned := args.Table.(table.Partitioned)

	out := spec{Data: make([]trace, 0, len(constituents)*len(args.Y))}
	mappings := make([]*mapping.DataMapping, 0, cap(out.Data))
	for _, c := range constituents {
		for _, y := range args.Y {
			i := len(out.Data)
			tr := trace{
				Type: k.traceType,
				Mode: k.mode,
				Name: traceName(args, c.Name(), y, partitioned),
				X:    []any{},
				Y:    []any{},
			}
			if seq := args.ColorDiscreteSequenceLine; len(seq) > 0 && k.mode == "lines" {
				tr.Line = &colorSpec{Color: seq[i%len(seq)]}
			}
			if seq := args.ColorDiscreteSequenceMarker; len(seq) > 0 && k.mode != "lines" {
				tr.Marker = &colorSpec{Color: seq[i%len(seq)]}
			}
			out.Data = append(out.Data, tr)

			columns := map[string]string{y: "y"}
			if args.X != "" {
				columns[args.X] = "x"
			}
			if args.Size != "" && k == scatterKind {
				columns[args.Size] = "marker.size"
			}
			mappings = append(mappings, mapping.New(c, columns, i))
		}
	}
	out.Layout = layoutOf(args, ec)

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("encode figure: %w", err)
	}
	return chart.NewPayload(raw, call, args, mappings), mappings, nil
}

func checkColumns(args chart.Args) error {
	cols := make([]string, 0, len(args.Y)+2)
	if args.X != "" {
		cols = append(cols, args.X)
	}
	cols = append(cols, args.Y...)
	if args.Size != "" {
		cols = append(cols, args.Size)
	}
	for _, c := range cols {
		if !args.Table.HasColumn(c) {
			return fmt.Errorf("%w: %q in %q", ErrUnknownColumn, c, args.Table.Name())
		}
	}
	return nil
}

func constituentsOf(src table.Source) []table.Source {
	p, ok := src.(table.Partitioned)
	if !ok {
		return []table.Source{src}
	}
	tables := p.Constituents()
	out := make([]table.Source, 0, len(tables))
	for _, t := range tables {
		out = append(out, t)
	}
	return out
}

func traceName(args chart.Args, constituent, y string, partitioned bool) string {
	switch {
	case partitioned && len(args.Y) > 1:
		return constituent + ", " + args.Label(y)
	case partitioned:
		return constituent
	default:
		return args.Label(y)
	}
}

func layoutOf(args chart.Args, ec *execctx.Context) map[string]any {
	layout := map[string]any{}

	template := ec.DefaultTemplate()
	if chart.UserSetTemplate(args) {
		template = *args.Template
	}
	layout["template"] = template

	if args.Title != "" {
		layout["title"] = map[string]any{"text": args.Title}
	}

	xTitle, yTitle := args.Label(args.X), ""
	if len(args.Y) == 1 {
		yTitle = args.Label(args.Y[0])
	}
	if lo := args.Layout; lo != nil {
		if lo.XAxisTitle != "" {
			xTitle = lo.XAxisTitle
		}
		if lo.YAxisTitle != "" {
			yTitle = lo.YAxisTitle
		}
		if lo.ShowLegend != nil {
			layout["showlegend"] = *lo.ShowLegend
		}
		for k, v := range lo.Extra {
			layout[k] = v
		}
	}
	if xTitle != "" {
		layout["xaxis"] = map[string]any{"title": map[string]any{"text": xTitle}}
	}
	if yTitle != "" {
		layout["yaxis"] = map[string]any{"title": map[string]any{"text": yTitle}}
	}
	return layout
}
