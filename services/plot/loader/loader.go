// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader fills tables from CSV and XLSX files and keeps them in
// sync with the file on disk.
//
// The first record of a file is the header. Cells are typed by inference:
// integers become int64, other numbers float64, empty cells nil, and
// everything else stays a string.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

var (
	// ErrNoHeader is returned for a file with no header record.
	ErrNoHeader = errors.New("file has no header")

	// ErrHeaderChanged is returned by Reload when the file's columns no
	// longer match the table.
	ErrHeaderChanged = errors.New("file header does not match table")

	// ErrUnsupportedFormat is returned for a file extension with no reader.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Records is a parsed file: a header and its data rows.
type Records struct {
	Columns []string
	Rows    []table.Row
}

func parseRecords(records [][]string) (Records, error) {
	if len(records) == 0 || len(records[0]) == 0 {
		return Records{}, ErrNoHeader
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}

	rows := make([]table.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		row := make(table.Row, len(header))
		for i := range header {
			if i < len(rec) {
				row[i] = infer(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return Records{Columns: header, Rows: rows}, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func infer(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// Read parses path by extension: .csv, .xlsx or .xlsm.
func Read(path string) (Records, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSVFile(path)
	case ".xlsx", ".xlsm":
		return ReadXLSX(path, "")
	default:
		return Records{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load creates a table named name from the file at path.
func Load(ctx context.Context, name, path string) (*table.Table, error) {
	recs, err := Read(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return newTable(ctx, name, recs)
}

func newTable(ctx context.Context, name string, recs Records) (*table.Table, error) {
	t, err := table.New(name, recs.Columns...)
	if err != nil {
		return nil, err
	}
	if err := t.Append(ctx, recs.Rows...); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload replaces t's rows with the file's current contents.
//
// Outputs:
//
//	error - ErrHeaderChanged if the columns differ, a read error, or the
//	    joined errors of t's subscribers.
func Reload(ctx context.Context, t *table.Table, path string) error {
	recs, err := Read(path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	if !slices.Equal(recs.Columns, t.Columns()) {
		return fmt.Errorf("%w: %s has %v, table %q has %v", ErrHeaderChanged, path, recs.Columns, t.Name(), t.Columns())
	}
	return t.Replace(ctx, recs.Rows)
}
