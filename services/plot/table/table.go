// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package table provides an in-memory, append-friendly tabular data source
// with synchronous change notification and partitioned views.
//
// # Notification Model
//
// Every mutation (Append, Replace) releases the table's data lock before
// dispatching to subscribers, then runs every handler on the mutating
// goroutine. Handler errors are joined and returned to the mutator, so a
// failing chart recompute surfaces to whoever changed the data.
//
// Independent tables may be mutated from independent goroutines; a single
// subscriber can therefore be invoked concurrently and must do its own
// locking.
package table

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrColumnCount is returned when a row does not match the table width.
	ErrColumnCount = errors.New("row width does not match column count")

	// ErrUnknownColumn is returned when a named column does not exist.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrNoColumns is returned when a table is created without columns.
	ErrNoColumns = errors.New("table requires at least one column")
)

// Row is a single record. Values are positional and align with Columns.
type Row []any

// UpdateKind identifies what changed.
type UpdateKind int

const (
	// UpdateAppend means rows were added at the end.
	UpdateAppend UpdateKind = iota

	// UpdateReplace means the full contents were swapped.
	UpdateReplace

	// UpdateRepartition means a partitioned view rebuilt its constituents.
	UpdateRepartition

	// UpdateSnapshot is delivered once on subscribe when replay is requested.
	UpdateSnapshot
)

// String returns the kind name used in logs.
func (k UpdateKind) String() string {
	switch k {
	case UpdateAppend:
		return "append"
	case UpdateReplace:
		return "replace"
	case UpdateRepartition:
		return "repartition"
	case UpdateSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update describes one change notification.
type Update struct {
	Kind UpdateKind

	// Source is the ID of the table that changed.
	Source string

	// Added and Removed count rows.
	Added   int
	Removed int

	// Size is the row count after the change.
	Size int
}

// Handler receives change notifications.
//
// isReplay is true only for the initial snapshot delivered by WithReplay.
type Handler func(ctx context.Context, update Update, isReplay bool) error

// Source is an observable table-like object a chart can be built from.
type Source interface {
	ID() string
	Name() string
	Columns() []string
	HasColumn(name string) bool
	Subscribe(handler Handler, opts ...SubscribeOption) (*Subscription, error)
}

// Snapshot is a point-in-time copy of a table.
type Snapshot struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Table is a named, column-typed-by-convention in-memory table.
//
// Thread Safety: Table is safe for concurrent use.
type Table struct {
	id      string
	name    string
	columns []string
	index   map[string]int

	mu   sync.RWMutex
	rows []Row

	notifier *notifier
}

// New creates an empty table.
//
// Inputs:
//
//	name - Human-readable name, used as the trace name for partitions.
//	columns - Column names, in order. Must be non-empty and unique.
//
// Outputs:
//
//	*Table - The new table.
//	error - Non-nil if columns is empty or contains duplicates.
func New(name string, columns ...string) (*Table, error) {
	if len(columns) == 0 {
		return nil, ErrNoColumns
	}
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		index[c] = i
	}
	return &Table{
		id:       uuid.NewString(),
		name:     name,
		columns:  slices.Clone(columns),
		index:    index,
		notifier: newNotifier(),
	}, nil
}

// ID returns the table's unique identity.
func (t *Table) ID() string { return t.id }

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// ExportID implements export.Ticket.
func (t *Table) ExportID() string { return t.id }

// ExportType implements export.Ticket.
func (t *Table) ExportType() string { return "Table" }

// Columns returns a copy of the column names.
func (t *Table) Columns() []string {
	return slices.Clone(t.columns)
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// ColumnIndex returns the position of a column.
func (t *Table) ColumnIndex(name string) (int, error) {
	i, ok := t.index[name]
	if !ok {
		return -1, fmt.Errorf("%w: %q in table %q", ErrUnknownColumn, name, t.name)
	}
	return i, nil
}

// Size returns the current row count.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Append adds rows and notifies subscribers.
//
// Description:
//
//	All rows are validated before any is stored. Notification runs after
//	the data lock is released.
//
// Outputs:
//
//	error - ErrColumnCount on a malformed row, or the joined handler errors.
func (t *Table) Append(ctx context.Context, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := t.validate(rows); err != nil {
		return err
	}

	t.mu.Lock()
	for _, r := range rows {
		t.rows = append(t.rows, slices.Clone(r))
	}
	size := len(t.rows)
	t.mu.Unlock()

	return t.notifier.dispatch(ctx, Update{
		Kind:   UpdateAppend,
		Source: t.id,
		Added:  len(rows),
		Size:   size,
	})
}

// Replace swaps the table contents and notifies subscribers.
func (t *Table) Replace(ctx context.Context, rows []Row) error {
	if err := t.validate(rows); err != nil {
		return err
	}

	next := make([]Row, 0, len(rows))
	for _, r := range rows {
		next = append(next, slices.Clone(r))
	}

	t.mu.Lock()
	removed := len(t.rows)
	t.rows = next
	t.mu.Unlock()

	return t.notifier.dispatch(ctx, Update{
		Kind:    UpdateReplace,
		Source:  t.id,
		Added:   len(next),
		Removed: removed,
		Size:    len(next),
	})
}

// Snapshot returns a copy of the current contents.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, slices.Clone(r))
	}
	return Snapshot{
		ID:      t.id,
		Name:    t.name,
		Columns: slices.Clone(t.columns),
		Rows:    rows,
	}
}

// Subscribe registers handler for change notifications.
//
// Description:
//
//	With WithReplay the handler is invoked once, synchronously, with an
//	UpdateSnapshot before Subscribe returns. A replay error cancels the
//	subscription and is returned.
func (t *Table) Subscribe(handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	return t.notifier.subscribe(handler, Update{
		Kind:   UpdateSnapshot,
		Source: t.id,
		Size:   t.Size(),
	}, opts...)
}

// SubscriberCount returns the number of live subscriptions.
func (t *Table) SubscriberCount() int {
	return t.notifier.count()
}

func (t *Table) validate(rows []Row) error {
	for i, r := range rows {
		if len(r) != len(t.columns) {
			return fmt.Errorf("%w: row %d has %d values, table %q has %d columns",
				ErrColumnCount, i, len(r), t.name, len(t.columns))
		}
	}
	return nil
}
