// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianPlot/pkg/logging"
	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/config"
	"github.com/AleutianAI/AleutianPlot/services/plot/datagen"
	"github.com/AleutianAI/AleutianPlot/services/plot/execctx"
	"github.com/AleutianAI/AleutianPlot/services/plot/figure"
	"github.com/AleutianAI/AleutianPlot/services/plot/listener"
	"github.com/AleutianAI/AleutianPlot/services/plot/loader"
	"github.com/AleutianAI/AleutianPlot/services/plot/render"
	"github.com/AleutianAI/AleutianPlot/services/plot/server"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
)

// kinds maps FigureConfig.Kind to its construction call.
var kinds = map[string]chart.Call{
	"line":    render.Line,
	"scatter": render.Scatter,
	"bar":     render.Bar,
}

// app holds everything built from one configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	ec      *execctx.Context
	catalog *server.Catalog

	tables     map[string]*table.Table
	generators []*datagen.Stocks
	figures    []*figure.Figure
	watchers   []*loader.Watcher
}

// newLogger builds the process logger from cfg.
func newLogger(cfg config.LoggingConfig, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Format),
		Service: service,
		File:    cfg.File,
	})
}

// buildApp loads tables and builds figures.
//
// Description:
//
//	File tables are read immediately and, with Watch set, reloaded on
//	change until ctx is done. Stock tables start empty; run their
//	generators with runGenerators or tick. Every figure is registered in
//	the catalog together with its table.
//
// Outputs:
//
//	*app - Call close when done.
//	error - The first table or figure that could not be built. Anything
//	    already built is released.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		catalog: server.NewCatalog(),
		tables:  make(map[string]*table.Table, len(cfg.Tables)),
	}

	opts := []execctx.Option{execctx.WithDefaultTemplate(cfg.Execution.DefaultTemplate)}
	if cfg.Execution.Location != "" {
		loc, err := time.LoadLocation(cfg.Execution.Location)
		if err != nil {
			return nil, fmt.Errorf("execution location: %w", err)
		}
		opts = append(opts, execctx.WithLocation(loc))
	}
	a.ec = execctx.New(cfg.Execution.Name, opts...)

	for _, tc := range cfg.Tables {
		if err := a.addTable(ctx, tc); err != nil {
			a.close()
			return nil, err
		}
	}
	for _, fc := range cfg.Figures {
		if err := a.addFigure(ctx, fc); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) addTable(ctx context.Context, tc config.TableConfig) error {
	var (
		t   *table.Table
		err error
	)
	switch tc.Source {
	case config.SourceStocks:
		opts := []datagen.StocksOption{
			datagen.WithBatch(tc.Batch),
			datagen.WithStocksMetrics(a.metrics),
			datagen.WithStocksLogger(a.logger),
			datagen.WithSymbols(tc.Symbols...),
		}
		if tc.Interval > 0 {
			opts = append(opts, datagen.WithInterval(tc.Interval))
		}
		if tc.Seed != 0 {
			opts = append(opts, datagen.WithSeed(tc.Seed))
		}
		var gen *datagen.Stocks
		gen, err = datagen.NewStocks(tc.Name, opts...)
		if err == nil {
			a.generators = append(a.generators, gen)
			t = gen.Table()
		}
	case config.SourceXLSX:
		t, err = loader.LoadXLSX(ctx, tc.Name, tc.Path, tc.Sheet)
	default:
		t, err = loader.LoadCSV(ctx, tc.Name, tc.Path)
	}
	if err != nil {
		return fmt.Errorf("table %q: %w", tc.Name, err)
	}
	if t.Size() > 0 {
		a.metrics.RecordRows(ctx, t.Name(), t.Size())
	}

	if tc.Watch && tc.Source != config.SourceStocks {
		w, err := loader.Watch(ctx, t, tc.Path,
			loader.WithWatchLogger(a.logger),
			loader.WithReloadHook(func(err error) {
				if err == nil {
					a.metrics.RecordRows(ctx, t.Name(), t.Size())
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("watch table %q: %w", tc.Name, err)
		}
		a.watchers = append(a.watchers, w)
	}

	a.tables[tc.Name] = t
	return a.catalog.AddTable(t)
}

func (a *app) addFigure(ctx context.Context, fc config.FigureConfig) error {
	call, ok := kinds[fc.Kind]
	if !ok {
		return fmt.Errorf("figure %q: unknown kind %q", fc.Name, fc.Kind)
	}
	t, ok := a.tables[fc.Table]
	if !ok {
		return fmt.Errorf("figure %q: unknown table %q", fc.Name, fc.Table)
	}

	args := fc.Args()
	args.Table = t
	fig, _, err := figure.Build(ctx, fc.Name, call, args, a.ec,
		listener.WithName(fc.Name),
		listener.WithMetrics(a.metrics),
		listener.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.figures = append(a.figures, fig)
	return a.catalog.AddFigure(fig)
}

// runGenerators returns one function per generator that ticks it until
// ctx is done.
func (a *app) runGenerators(ctx context.Context) []func() error {
	fns := make([]func() error, 0, len(a.generators))
	for _, gen := range a.generators {
		fns = append(fns, func() error { return gen.Run(ctx) })
	}
	return fns
}

// tick advances every generator n times. Subscriber errors are returned.
func (a *app) tick(ctx context.Context, n int) error {
	var errs []error
	for range n {
		for _, gen := range a.generators {
			if err := gen.Tick(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// close stops watchers and releases figures.
func (a *app) close() {
	for _, w := range a.watchers {
		w.Stop()
	}
	for _, f := range a.figures {
		f.Close()
	}
}
