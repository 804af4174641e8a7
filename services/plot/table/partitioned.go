// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package table

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Partitioned is a Source composed of constituent tables whose union backs
// a single chart.
type Partitioned interface {
	Source
	Constituents() []*Table
	Keys() []string
}

// PartitionCount returns the number of constituents of src, or -1 when src
// is not partitioned.
func PartitionCount(src Source) int {
	p, ok := src.(Partitioned)
	if !ok {
		return -1
	}
	return len(p.Constituents())
}

// PartitionedTable splits a source table by the values of key columns.
//
// Description:
//
//	Constituents are ordered by first appearance of their key in the
//	source. A constituent keeps its *Table identity across source updates
//	for as long as its key is present. After each source update the view
//	is rebuilt and then its own subscribers receive an UpdateRepartition.
//
// Thread Safety: PartitionedTable is safe for concurrent use.
type PartitionedTable struct {
	id     string
	source *Table
	keys   []string
	keyIdx []int

	// rebuild serializes repartitioning so constituent order follows the
	// order source updates complete in.
	rebuild sync.Mutex

	mu           sync.RWMutex
	constituents []*Table
	byKey        map[string]*Table

	notifier *notifier
	upstream *Subscription
}

// PartitionBy creates a live partitioned view of src.
//
// Inputs:
//
//	src - The table to partition.
//	keys - Key column names. Must be non-empty and present in src.
//
// Outputs:
//
//	*PartitionedTable - The view. Call Close to detach it from src.
//	error - Non-nil if a key column is unknown.
func PartitionBy(src *Table, keys ...string) (*PartitionedTable, error) {
	if len(keys) == 0 {
		return nil, errors.New("partition requires at least one key column")
	}
	keyIdx := make([]int, 0, len(keys))
	for _, k := range keys {
		i, err := src.ColumnIndex(k)
		if err != nil {
			return nil, err
		}
		keyIdx = append(keyIdx, i)
	}

	p := &PartitionedTable{
		id:       uuid.NewString(),
		source:   src,
		keys:     slices.Clone(keys),
		keyIdx:   keyIdx,
		byKey:    make(map[string]*Table),
		notifier: newNotifier(),
	}

	// replay builds the initial partitions with no gap before live updates
	sub, err := src.Subscribe(p.onSourceUpdate, WithReplay())
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", src.Name(), err)
	}
	p.upstream = sub
	return p, nil
}

// ID returns the view's identity.
func (p *PartitionedTable) ID() string { return p.id }

// Name returns the source name qualified by the key columns.
func (p *PartitionedTable) Name() string {
	return p.source.Name() + " by " + strings.Join(p.keys, ",")
}

// ExportID implements export.Ticket.
func (p *PartitionedTable) ExportID() string { return p.id }

// ExportType implements export.Ticket.
func (p *PartitionedTable) ExportType() string { return "PartitionedTable" }

// Columns returns the source columns.
func (p *PartitionedTable) Columns() []string { return p.source.Columns() }

// HasColumn reports whether the source has the column.
func (p *PartitionedTable) HasColumn(name string) bool { return p.source.HasColumn(name) }

// Keys returns the key column names.
func (p *PartitionedTable) Keys() []string { return slices.Clone(p.keys) }

// Source returns the unpartitioned table.
func (p *PartitionedTable) Source() *Table { return p.source }

// Constituents returns the current constituent tables in key order.
func (p *PartitionedTable) Constituents() []*Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.constituents)
}

// Subscribe registers handler for repartition notifications.
func (p *PartitionedTable) Subscribe(handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	return p.notifier.subscribe(handler, Update{
		Kind:   UpdateSnapshot,
		Source: p.id,
		Size:   p.source.Size(),
	}, opts...)
}

// Close detaches the view from its source. Constituents stop updating.
func (p *PartitionedTable) Close() {
	p.upstream.Close()
}

func (p *PartitionedTable) onSourceUpdate(ctx context.Context, update Update, _ bool) error {
	if err := p.repartition(ctx); err != nil {
		return err
	}
	return p.notifier.dispatch(ctx, Update{
		Kind:    UpdateRepartition,
		Source:  p.id,
		Added:   update.Added,
		Removed: update.Removed,
		Size:    update.Size,
	})
}

// repartition groups the source snapshot by key and refreshes constituents.
func (p *PartitionedTable) repartition(ctx context.Context) error {
	p.rebuild.Lock()
	defer p.rebuild.Unlock()

	snap := p.source.Snapshot()

	order := make([]string, 0)
	groups := make(map[string][]Row)
	for _, r := range snap.Rows {
		key := p.keyOf(r)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	p.mu.RLock()
	existing := p.byKey
	p.mu.RUnlock()

	next := make([]*Table, 0, len(order))
	byKey := make(map[string]*Table, len(order))
	var errs []error
	for _, key := range order {
		t, ok := existing[key]
		if !ok {
			var err error
			t, err = New(key, snap.Columns...)
			if err != nil {
				return err
			}
		}
		if err := t.Replace(ctx, groups[key]); err != nil {
			errs = append(errs, fmt.Errorf("constituent %q: %w", key, err))
		}
		next = append(next, t)
		byKey[key] = t
	}

	p.mu.Lock()
	p.constituents = next
	p.byKey = byKey
	p.mu.Unlock()

	return errors.Join(errs...)
}

func (p *PartitionedTable) keyOf(r Row) string {
	parts := make([]string, 0, len(p.keyIdx))
	for _, i := range p.keyIdx {
		parts = append(parts, fmt.Sprint(r[i]))
	}
	return strings.Join(parts, ", ")
}
