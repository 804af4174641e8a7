// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datagen produces ticking example tables.
package datagen

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPlot/pkg/validation"
	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
)

// StockColumns are the columns of a Stocks table, in order.
var StockColumns = []string{"Timestamp", "Sym", "Exchange", "Price", "Size"}

var (
	defaultSymbols   = []string{"CAT", "DOG", "FISH", "BIRD", "LIZARD"}
	defaultExchanges = []string{"NYPE", "PETX", "TPET"}
)

// ErrInvalidInterval is returned for a non-positive tick interval.
var ErrInvalidInterval = errors.New("tick interval must be positive")

// StocksOption configures a Stocks generator.
type StocksOption func(*Stocks)

// WithInterval sets the time between ticks. Default 1s.
func WithInterval(d time.Duration) StocksOption {
	return func(s *Stocks) { s.interval = d }
}

// WithBatch sets the rows appended per tick. Default 1.
func WithBatch(n int) StocksOption {
	return func(s *Stocks) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithSeed makes the generated sequence reproducible.
func WithSeed(seed uint64) StocksOption {
	return func(s *Stocks) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithSymbols replaces the symbol set.
func WithSymbols(syms ...string) StocksOption {
	return func(s *Stocks) {
		if len(syms) > 0 {
			s.symbols = append([]string(nil), syms...)
		}
	}
}

// WithClock sets the timestamp source. Default time.Now in UTC.
func WithClock(now func() time.Time) StocksOption {
	return func(s *Stocks) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStocksMetrics records appended rows on m.
func WithStocksMetrics(m *telemetry.Metrics) StocksOption {
	return func(s *Stocks) { s.metrics = m }
}

// WithStocksLogger sets the logger. Defaults to slog.Default.
func WithStocksLogger(logger *slog.Logger) StocksOption {
	return func(s *Stocks) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stocks appends random-walk trades to a table on a fixed interval.
//
// Thread Safety: Tick and Run may be called concurrently; ticks are
// serialized.
type Stocks struct {
	table     *table.Table
	interval  time.Duration
	batch     int
	symbols   []string
	exchanges []string
	now       func() time.Time
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewStocks creates a generator and its empty table named name. Symbols
// must pass validation.ValidateSymbol.
func NewStocks(name string, opts ...StocksOption) (*Stocks, error) {
	t, err := table.New(name, StockColumns...)
	if err != nil {
		return nil, err
	}
	s := &Stocks{
		table:     t,
		interval:  time.Second,
		batch:     1,
		symbols:   defaultSymbols,
		exchanges: defaultExchanges,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if err := validation.ValidateSymbols(s.symbols); err != nil {
		return nil, err
	}

	s.prices = make(map[string]float64, len(s.symbols))
	for i, sym := range s.symbols {
		s.prices[sym] = 100 + 10*float64(i)
	}
	return s, nil
}

// Table returns the generated table.
func (s *Stocks) Table() *table.Table { return s.table }

// Tick appends one batch of rows.
//
// Outputs:
//
//	error - The joined errors of the table's subscribers, if any.
func (s *Stocks) Tick(ctx context.Context) error {
	s.mu.Lock()
	rows := make([]table.Row, 0, s.batch)
	for range s.batch {
		rows = append(rows, s.nextLocked())
	}
	s.mu.Unlock()

	err := s.table.Append(ctx, rows...)
	s.metrics.RecordRows(ctx, s.table.Name(), len(rows))
	return err
}

func (s *Stocks) nextLocked() table.Row {
	sym := s.symbols[s.rng.IntN(len(s.symbols))]
	exchange := s.exchanges[s.rng.IntN(len(s.exchanges))]

	price := s.prices[sym] * (1 + (s.rng.Float64()-0.5)*0.02)
	price = math.Max(0.01, math.Round(price*100)/100)
	s.prices[sym] = price

	size := int64(1+s.rng.IntN(100)) * 10
	return table.Row{s.now(), sym, exchange, price, size}
}

// Run ticks until ctx is done.
//
// A tick whose subscribers fail is logged and the generator keeps
// running. Run returns nil when ctx ends.
func (s *Stocks) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("stock generator started",
		slog.String("table", s.table.Name()),
		slog.Duration("interval", s.interval),
		slog.Int("batch", s.batch),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stock generator stopped",
				slog.String("table", s.table.Name()),
				slog.Int("rows", s.table.Size()),
			)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("stock tick subscribers failed",
					slog.String("table", s.table.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
