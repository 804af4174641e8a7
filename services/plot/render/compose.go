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
	"errors"
	"fmt"
	"strconv"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
)

var (
	// ErrNoFigures is returned when nothing is given to compose.
	ErrNoFigures = errors.New("compose requires at least one figure")

	// ErrGrid is returned for a subplot grid that cannot hold the figures.
	ErrGrid = errors.New("invalid subplot grid")
)

// subplotGap is the fraction of each cell left empty between subplots.
const subplotGap = 0.04

type rawSpec struct {
	Data   []map[string]json.RawMessage `json:"data"`
	Layout map[string]json.RawMessage   `json:"layout"`
}

// Layer overlays payloads on one set of axes.
//
// Description:
//
//	Traces are concatenated in argument order. The mappings of payload i
//	are copied with an offset equal to the number of traces before it, so
//	every mapping still points at its own trace. Layouts are merged key by
//	key, later payloads winning. The result has a user template or colour
//	if any input has one. Call and args come from the first payload.
func Layer(payloads ...*chart.Payload) (*chart.Payload, []*mapping.DataMapping, error) {
	return compose(nil, payloads, nil)
}

// Subplots arranges payloads on a rows x cols grid, filled row by row
// from the top left.
//
// Description:
//
//	Payload i gets axes x{i+1} and y{i+1} with domains for its cell, and
//	its traces are anchored to them. Mappings are renumbered as in Layer
//	and the result has the subplots flag set.
func Subplots(rows, cols int, payloads ...*chart.Payload) (*chart.Payload, []*mapping.DataMapping, error) {
	g, err := newGrid(rows, cols, len(payloads))
	if err != nil {
		return nil, nil, err
	}
	return compose(nil, payloads, g)
}

// Layered returns a Call that runs every call with the same args and
// layers the results. The returned payload's call is the layered call, so
// a listener re-runs the whole composition.
func Layered(calls ...chart.Call) chart.Call {
	var self chart.Call
	self = func(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
		payloads, err := runAll(ctx, args, calls)
		if err != nil {
			return nil, nil, err
		}
		return compose(&bound{call: self, args: args}, payloads, nil)
	}
	return self
}

// Grid returns a Call that runs every call with the same args and arranges
// the results as Subplots.
func Grid(rows, cols int, calls ...chart.Call) chart.Call {
	var self chart.Call
	self = func(ctx context.Context, args chart.Args) (*chart.Payload, []*mapping.DataMapping, error) {
		g, err := newGrid(rows, cols, len(calls))
		if err != nil {
			return nil, nil, err
		}
		payloads, err := runAll(ctx, args, calls)
		if err != nil {
			return nil, nil, err
		}
		return compose(&bound{call: self, args: args}, payloads, g)
	}
	return self
}

type bound struct {
	call chart.Call
	args chart.Args
}

func runAll(ctx context.Context, args chart.Args, calls []chart.Call) ([]*chart.Payload, error) {
	if len(calls) == 0 {
		return nil, ErrNoFigures
	}
	out := make([]*chart.Payload, 0, len(calls))
	for i, call := range calls {
		a, err := args.Clone()
		if err != nil {
			return nil, err
		}
		p, _, err := call(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

type grid struct {
	rows, cols int
}

func newGrid(rows, cols, n int) (*grid, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("%w: %dx%d", ErrGrid, rows, cols)
	}
	if n > rows*cols {
		return nil, fmt.Errorf("%w: %d figures on a %dx%d grid", ErrGrid, n, rows, cols)
	}
	return &grid{rows: rows, cols: cols}, nil
}

func axisSuffix(cell int) string {
	if cell == 0 {
		return ""
	}
	return strconv.Itoa(cell + 1)
}

// place anchors traces to cell's axes and adds the axis domains to layout.
func (g *grid) place(cell int, traces []map[string]json.RawMessage, layout map[string]json.RawMessage) error {
	suffix := axisSuffix(cell)
	row, col := cell/g.cols, cell%g.cols

	xAnchor, _ := json.Marshal("x" + suffix)
	yAnchor, _ := json.Marshal("y" + suffix)
	for _, tr := range traces {
		tr["xaxis"] = xAnchor
		tr["yaxis"] = yAnchor
	}

	w, h := 1/float64(g.cols), 1/float64(g.rows)
	// row 0 is the top row; plotly's y domain grows upward
	top := 1 - float64(row)*h
	xDomain := []float64{float64(col) * w, float64(col+1)*w - subplotGap*w}
	yDomain := []float64{top - h + subplotGap*h, top}

	if err := mergeAxis(layout, "xaxis"+suffix, xDomain, "y"+suffix); err != nil {
		return err
	}
	return mergeAxis(layout, "yaxis"+suffix, yDomain, "x"+suffix)
}

// mergeAxis sets domain and anchor on layout[key], keeping other axis
// settings such as the title.
func mergeAxis(layout map[string]json.RawMessage, key string, domain []float64, anchor string) error {
	axis := map[string]any{}
	if raw, ok := layout[key]; ok {
		if err := json.Unmarshal(raw, &axis); err != nil {
			return fmt.Errorf("layout %s: %w", key, err)
		}
	}
	axis["domain"] = domain
	axis["anchor"] = anchor
	raw, err := json.Marshal(axis)
	if err != nil {
		return err
	}
	layout[key] = raw
	return nil
}

func compose(b *bound, payloads []*chart.Payload, g *grid) (*chart.Payload, []*mapping.DataMapping, error) {
	if len(payloads) == 0 {
		return nil, nil, ErrNoFigures
	}

	out := rawSpec{Data: []map[string]json.RawMessage{}, Layout: map[string]json.RawMessage{}}
	var mappings []*mapping.DataMapping
	var userTemplate, userColor bool

	for i, p := range payloads {
		var in rawSpec
		if err := json.Unmarshal(p.Spec(), &in); err != nil {
			return nil, nil, fmt.Errorf("figure %d: %w", i, err)
		}

		// axis settings of figure i belong to its own cell on a grid
		cellLayout := map[string]json.RawMessage{}
		for k, v := range in.Layout {
			switch {
			case g != nil && k == "xaxis":
				cellLayout["xaxis"+axisSuffix(i)] = v
			case g != nil && k == "yaxis":
				cellLayout["yaxis"+axisSuffix(i)] = v
			default:
				cellLayout[k] = v
			}
		}
		if g != nil {
			if err := g.place(i, in.Data, cellLayout); err != nil {
				return nil, nil, err
			}
		}

		mappings = append(mappings, p.CopyMappings(len(out.Data))...)
		out.Data = append(out.Data, in.Data...)
		for k, v := range cellLayout {
			out.Layout[k] = v
		}
		userTemplate = userTemplate || p.HasUserTemplate()
		userColor = userColor || p.HasUserColor()
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("encode figure: %w", err)
	}

	var call chart.Call
	var args chart.Args
	if b != nil {
		call, args = b.call, b.args
	} else {
		call = payloads[0].Call()
		if args, err = payloads[0].Args(); err != nil {
			return nil, nil, err
		}
	}

	opts := []chart.Option{chart.WithUserTemplate(userTemplate), chart.WithUserColor(userColor)}
	if g != nil {
		opts = append(opts, chart.WithSubplots())
	}
	return chart.NewPayload(raw, call, args, mappings, opts...), mappings, nil
}
