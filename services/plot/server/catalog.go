// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/figure"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

var (
	// ErrNotFound is returned for an unknown figure, table or reference.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("already registered")
)

// Catalog holds the figures and tables a server exposes.
//
// Lookups by export ID check registered tables first, then the objects of
// each figure's most recent export. Exports are kept per figure and
// replaced on every export, so objects a figure no longer references are
// forgotten.
//
// Thread Safety: Catalog is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	figures  map[string]*figure.Figure
	tables   map[string]*table.Table
	exported map[string]map[string]any
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		figures:  make(map[string]*figure.Figure),
		tables:   make(map[string]*table.Table),
		exported: make(map[string]map[string]any),
	}
}

// AddFigure registers f under f.Name().
func (c *Catalog) AddFigure(f *figure.Figure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.figures[f.Name()]; ok {
		return fmt.Errorf("figure %q: %w", f.Name(), ErrDuplicate)
	}
	c.figures[f.Name()] = f
	return nil
}

// AddTable registers t under its ID.
func (c *Catalog) AddTable(t *table.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[t.ID()]; ok {
		return fmt.Errorf("table %q: %w", t.Name(), ErrDuplicate)
	}
	c.tables[t.ID()] = t
	return nil
}

// Figure returns the figure named name.
func (c *Catalog) Figure(name string) (*figure.Figure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.figures[name]
	return f, ok
}

// Figures returns every figure, sorted by name.
func (c *Catalog) Figures() []*figure.Figure {
	c.mu.RLock()
	out := make([]*figure.Figure, 0, len(c.figures))
	for _, f := range c.figures {
		out = append(out, f)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Table returns a table by ID or registered name.
//
// Description:
//
//	Registered tables match by ID or name. Any other ID is resolved like
//	an inbound reference, so partition constituents a figure references
//	can be fetched too.
func (c *Catalog) Table(idOrName string) (*table.Table, bool) {
	c.mu.RLock()
	if t, ok := c.tables[idOrName]; ok {
		c.mu.RUnlock()
		return t, true
	}
	for _, t := range c.tables {
		if t.Name() == idOrName {
			c.mu.RUnlock()
			return t, true
		}
	}
	c.mu.RUnlock()

	obj, err := c.Resolve(idOrName)
	if err != nil {
		return nil, false
	}
	t, ok := obj.(*table.Table)
	return t, ok
}

// Tables returns every registered table, sorted by name.
func (c *Catalog) Tables() []*table.Table {
	c.mu.RLock()
	out := make([]*table.Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// remember replaces the objects recorded for figure name with objects.
func (c *Catalog) remember(name string, objects []any) {
	byID := make(map[string]any, len(objects))
	for _, obj := range objects {
		if tk, ok := obj.(export.Ticket); ok {
			byID[tk.ExportID()] = obj
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exported[name] = byID
}

func (c *Catalog) lookupLocked(id string) (any, bool) {
	if t, ok := c.tables[id]; ok {
		return t, true
	}
	for _, byID := range c.exported {
		if obj, ok := byID[id]; ok {
			return obj, true
		}
	}
	return nil, false
}

// Resolve returns the object with export ID id.
func (c *Catalog) Resolve(id string) (any, error) {
	c.mu.RLock()
	obj, ok := c.lookupLocked(id)
	c.mu.RUnlock()
	if ok {
		return obj, nil
	}

	// A view may have changed its constituents since it was last served.
	for _, f := range c.Figures() {
		_, objects, err := f.ToBytes()
		if err != nil {
			continue
		}
		c.remember(f.Name(), objects)
		for _, obj := range objects {
			if tk, ok := obj.(export.Ticket); ok && tk.ExportID() == id {
				return obj, nil
			}
		}
	}
	return nil, fmt.Errorf("reference %q: %w", id, ErrNotFound)
}
