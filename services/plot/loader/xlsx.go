// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/xuri/excelize/v2"
)

// ErrNoSheet is returned when a workbook has no sheet to read.
var ErrNoSheet = errors.New("workbook has no such sheet")

// ReadXLSX parses one sheet of the workbook at path. An empty sheet name
// selects the first sheet.
func ReadXLSX(path, sheet string) (Records, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Records{}, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if sheet == "" {
		if len(sheets) == 0 {
			return Records{}, ErrNoSheet
		}
		sheet = sheets[0]
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return Records{}, fmt.Errorf("%w: %q", ErrNoSheet, sheet)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return Records{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return parseRecords(rows)
}

// LoadXLSX creates a table named name from one sheet of the workbook at
// path. An empty sheet name selects the first sheet.
func LoadXLSX(ctx context.Context, name, path, sheet string) (*table.Table, error) {
	recs, err := ReadXLSX(path, sheet)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return newTable(ctx, name, recs)
}
