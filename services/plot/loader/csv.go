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
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

// ReadCSV parses CSV from r. Records may have fewer fields than the header;
// missing cells are nil.
func ReadCSV(r io.Reader) (Records, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return Records{}, fmt.Errorf("parse csv: %w", err)
	}
	return parseRecords(records)
}

// ReadCSVFile parses the CSV file at path.
func ReadCSVFile(path string) (Records, error) {
	f, err := os.Open(path)
	if err != nil {
		return Records{}, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// LoadCSV creates a table named name from the CSV file at path.
func LoadCSV(ctx context.Context, name, path string) (*table.Table, error) {
	recs, err := ReadCSVFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return newTable(ctx, name, recs)
}
