// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mapping links table columns to visual-property slots of one trace
// in a chart.
//
// A DataMapping never carries data. The client resolves the referenced table
// and fills each visual property of the addressed trace from its column.
package mapping

import (
	"maps"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
)

// DataMapping associates a table's columns with visual properties of a
// single trace.
//
// Thread Safety: Immutable after New; safe for concurrent reads.
type DataMapping struct {
	table   any
	columns map[string]string
	trace   int
}

// Link is the wire form of a DataMapping.
type Link struct {
	// Table is the reference index of the source table.
	Table int `json:"table"`

	// DataColumns maps column name to visual property (e.g. "Price": "y").
	DataColumns map[string]string `json:"data_columns"`

	// TraceIndex addresses the trace within the figure's data array.
	TraceIndex int `json:"trace_index"`
}

// New creates a mapping for the trace at index trace.
//
// Inputs:
//
//	table - The source table. Exported by identity, so pass a pointer.
//	columns - Column name to visual property. Copied.
//	trace - Index of the target trace within its figure.
func New(table any, columns map[string]string, trace int) *DataMapping {
	cols := make(map[string]string, len(columns))
	maps.Copy(cols, columns)
	return &DataMapping{
		table:   table,
		columns: cols,
		trace:   trace,
	}
}

// Copy returns an independent mapping whose trace index is shifted by offset.
//
// Description:
//
//	Used when traces of one figure are spliced into a larger composite, e.g.
//	layering or subplots. Column/property pairs and the table are unchanged.
//	Offsets compose: m.Copy(k).Copy(j) addresses the same trace as m.Copy(k+j).
func (m *DataMapping) Copy(offset int) *DataMapping {
	return New(m.table, m.columns, m.trace+offset)
}

// Links resolves the source table through refs and returns the wire links.
//
// Description:
//
//	Resolving is what schedules the table for export; refs gains an entry
//	the first time it sees this table. Two calls with two reference tables
//	produce two independent exports.
func (m *DataMapping) Links(refs *export.Table) []Link {
	ref := refs.Reference(m.table)
	return []Link{{
		Table:       ref.Index,
		DataColumns: m.Columns(),
		TraceIndex:  m.trace,
	}}
}

// Table returns the source table.
func (m *DataMapping) Table() any {
	return m.table
}

// Columns returns a copy of the column to visual-property associations.
func (m *DataMapping) Columns() map[string]string {
	cols := make(map[string]string, len(m.columns))
	maps.Copy(cols, m.columns)
	return cols
}

// Trace returns the addressed trace index.
func (m *DataMapping) Trace() int {
	return m.trace
}

// CopyAll copies every mapping with the same offset.
func CopyAll(mappings []*DataMapping, offset int) []*DataMapping {
	out := make([]*DataMapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.Copy(offset))
	}
	return out
}
