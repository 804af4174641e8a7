// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chart

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/tiendc/go-deepcopy"
)

// Call constructs a chart from args.
//
// A Call must be safe to invoke repeatedly with independently cloned args
// and must not retain args after returning.
type Call func(ctx context.Context, args Args) (*Payload, []*mapping.DataMapping, error)

// LayoutOptions are optional figure-level layout overrides.
type LayoutOptions struct {
	XAxisTitle string            `json:"xaxis_title,omitempty" yaml:"xaxis_title"`
	YAxisTitle string            `json:"yaxis_title,omitempty" yaml:"yaxis_title"`
	ShowLegend *bool             `json:"showlegend,omitempty" yaml:"showlegend"`
	Extra      map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// Args is the parameter record of a chart construction.
//
// Description:
//
//	Optional features are explicit fields; presence is a non-nil pointer or
//	a non-empty slice. Table is held by reference and every other compound
//	value is owned by the record, so Clone before handing Args to a Call
//	that may run more than once.
type Args struct {
	// Table is the backing data source.
	Table table.Source `json:"-"`

	X     string   `json:"x,omitempty"`
	Y     []string `json:"y,omitempty"`
	By    []string `json:"by,omitempty"`
	Size  string   `json:"size,omitempty"`
	Title string   `json:"title,omitempty"`

	// Labels renames columns in axis titles and legends.
	Labels map[string]string `json:"labels,omitempty"`

	// Template is the plotly template name. Nil means unset.
	Template *string `json:"template,omitempty"`

	ColorDiscreteSequenceLine   []string `json:"color_discrete_sequence_line,omitempty"`
	ColorDiscreteSequenceMarker []string `json:"color_discrete_sequence_marker,omitempty"`

	Layout *LayoutOptions `json:"layout,omitempty"`
}

// Clone returns a deep copy of a. The Table reference is shared.
func (a Args) Clone() (Args, error) {
	src := a
	src.Table = nil

	var out Args
	if err := deepcopy.Copy(&out, &src); err != nil {
		return Args{}, fmt.Errorf("clone chart args: %w", err)
	}
	out.Table = a.Table
	return out, nil
}

// WithTable returns a copy of a bound to src. Compound values are shared.
func (a Args) WithTable(src table.Source) Args {
	a.Table = src
	return a
}

// Label returns the display label of a column.
func (a Args) Label(column string) string {
	if l, ok := a.Labels[column]; ok && l != "" {
		return l
	}
	return column
}

// UserSetTemplate reports whether a names a template explicitly.
func UserSetTemplate(a Args) bool {
	return a.Template != nil && *a.Template != ""
}

// UserSetColor reports whether a sets a discrete colour sequence for
// either lines or markers.
func UserSetColor(a Args) bool {
	return len(a.ColorDiscreteSequenceLine) > 0 || len(a.ColorDiscreteSequenceMarker) > 0
}

// String returns a pointer to s, for optional fields.
func String(s string) *string {
	return &s
}

// Bool returns a pointer to b, for optional fields.
func Bool(b bool) *bool {
	return &b
}
