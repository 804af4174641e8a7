// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package figure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/listener"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
)

// ErrNoSource is returned by Build when args has no table.
var ErrNoSource = errors.New("figure requires a source table")

// Build constructs a live figure.
//
// Description:
//
//	When args.By is set and args.Table is a plain *table.Table, the table
//	is partitioned by those columns and the figure is bound to the view.
//	The figure subscribes to the bound source first, then runs the call
//	once, under ec, to produce revision 0. A change that lands before the
//	listener exists is held and replayed once the listener is installed,
//	so no change between the first render and the subscription is lost.
//
// Inputs:
//
//	ctx - Context for the initial construction.
//	name - Figure name.
//	call - Construction function, e.g. render.Line.
//	args - Construction arguments. Not retained; a clone is.
//	ec - Execution context for every construction.
//	opts - Listener options.
//
// Outputs:
//
//	*Figure - The live figure. Close releases its subscription and view.
//	*table.Subscription - The listener's subscription on the bound source.
//	error - Non-nil if partitioning, construction or subscription fails.
func Build(ctx context.Context, name string, call chart.Call, args chart.Args, ec *execctx.Context, opts ...listener.Option) (*Figure, *table.Subscription, error) {
	if args.Table == nil {
		return nil, nil, ErrNoSource
	}
	if ec == nil {
		return nil, nil, execctx.ErrNoContext
	}

	var view *table.PartitionedTable
	source := args.Table
	if t, ok := source.(*table.Table); ok && len(args.By) > 0 {
		p, err := table.PartitionBy(t, args.By...)
		if err != nil {
			return nil, nil, fmt.Errorf("build %s: %w", name, err)
		}
		view = p
		source = p
	}

	g := &gate{}
	sub, err := source.Subscribe(g.handle)
	if err != nil {
		if view != nil {
			view.Close()
		}
		return nil, nil, fmt.Errorf("build %s: subscribe: %w", name, err)
	}
	release := func() {
		sub.Close()
		if view != nil {
			view.Close()
		}
	}

	fig, handler, err := build(ctx, name, source, call, args, ec, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	fig.onClose(release)

	if err := g.open(ctx, handler); err != nil {
		fig.Close()
		return nil, nil, fmt.Errorf("build %s: catch up: %w", name, err)
	}
	return fig, sub, nil
}

func build(ctx context.Context, name string, source table.Source, call chart.Call, args chart.Args, ec *execctx.Context, opts ...listener.Option) (*Figure, table.Handler, error) {
	bound, err := args.WithTable(source).Clone()
	if err != nil {
		return nil, nil, err
	}

	runCtx, release := ec.Activate(ctx)
	payload, _, err := call(runCtx, bound)
	release()
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", name, err)
	}

	fig, err := New(name, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", name, err)
	}
	handler, err := fig.InitializeListener(source, call, bound, ec, opts...)
	if err != nil {
		return nil, nil, err
	}
	return fig, handler, nil
}

// gate forwards updates to a handler installed after subscription. Updates
// that arrive first are collapsed into one pending update.
type gate struct {
	mu      sync.Mutex
	next    table.Handler
	pending *table.Update
}

func (g *gate) handle(ctx context.Context, update table.Update, isReplay bool) error {
	g.mu.Lock()
	next := g.next
	if next == nil {
		g.pending = &update
	}
	g.mu.Unlock()
	if next == nil {
		return nil
	}
	return next(ctx, update, isReplay)
}

// open installs next and delivers the pending update, if any.
func (g *gate) open(ctx context.Context, next table.Handler) error {
	g.mu.Lock()
	g.next = next
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	if pending == nil {
		return nil
	}
	return next(ctx, *pending, false)
}
