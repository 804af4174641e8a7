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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/config"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func csvConfig(path string) config.Config {
	cfg := config.Default()
	cfg.Tables = append(cfg.Tables, config.TableConfig{Name: "trades", Source: config.SourceCSV, Path: path})
	cfg.Figures = append(cfg.Figures, config.FigureConfig{
		Name: "trades-by-sym", Kind: "bar", Table: "trades", X: "Sym", Y: []string{"Price"},
	})
	return cfg
}

func TestBuildApp_TablesAndFigures(t *testing.T) {
	path := writeCSV(t, "Sym,Price\nCAT,1.5\nDOG,2\n")
	cfg := csvConfig(path)
	require.NoError(t, cfg.Validate())

	a, err := buildApp(context.Background(), cfg, quietLogger(), telemetry.NewNoopMetrics())
	require.NoError(t, err)
	t.Cleanup(a.close)

	assert.Len(t, a.catalog.Tables(), 2)
	require.Len(t, a.catalog.Figures(), 2)
	assert.Len(t, a.generators, 1)
	assert.Equal(t, "default", a.ec.Name())

	trades, ok := a.catalog.Table("trades")
	require.True(t, ok)
	assert.Equal(t, 2, trades.Size())

	// The stocks demo figure partitions by Sym; it starts empty.
	prices, ok := a.catalog.Figure("prices")
	require.True(t, ok)
	require.NoError(t, a.tick(context.Background(), 1))
	assert.Equal(t, uint64(1), prices.Revision())
}

func TestBuildApp_BadTableReleasesFigures(t *testing.T) {
	cfg := config.Default()
	cfg.Tables = append(cfg.Tables, config.TableConfig{
		Name: "missing", Source: config.SourceCSV, Path: filepath.Join(t.TempDir(), "none.csv"),
	})

	_, err := buildApp(context.Background(), cfg, quietLogger(), telemetry.NewNoopMetrics())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildApp_UnknownColumn(t *testing.T) {
	cfg := csvConfig(writeCSV(t, "Sym,Price\nCAT,1\n"))
	cfg.Figures[1].Y = []string{"Volume"}

	_, err := buildApp(context.Background(), cfg, quietLogger(), telemetry.NewNoopMetrics())
	assert.Error(t, err)
}

func TestBuildApp_WatchReloadsFigure(t *testing.T) {
	path := writeCSV(t, "Sym,Price\nCAT,1\n")
	cfg := csvConfig(path)
	cfg.Tables[1].Watch = true

	a, err := buildApp(context.Background(), cfg, quietLogger(), telemetry.NewNoopMetrics())
	require.NoError(t, err)
	t.Cleanup(a.close)

	fig, ok := a.catalog.Figure("trades-by-sym")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("Sym,Price\nCAT,1\nDOG,2\nFISH,3\n"), 0o644))
	assert.Eventually(t, func() bool { return fig.Revision() >= 1 }, 5*time.Second, 20*time.Millisecond)
	trades, _ := a.catalog.Table("trades")
	assert.Equal(t, 3, trades.Size())
}

func TestExportCommand(t *testing.T) {
	path := writeCSV(t, "Sym,Price\nCAT,1\nDOG,2\n")
	cfgPath := filepath.Join(t.TempDir(), "plot.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
tables:
  - name: trades
    source: csv
    path: `+path+`
figures:
  - name: trades-line
    kind: line
    table: trades
    x: Sym
    y: [Price]
    title: Trades
`), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"export", "-c", cfgPath, "trades-line"})
	require.NoError(t, root.Execute())

	var got exported
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.References, 1)
	assert.Equal(t, "Table", got.References[0].Type)

	var doc chart.Document
	require.NoError(t, json.Unmarshal(got.Figure, &doc))
	require.Len(t, doc.Deephaven.Mappings, 1)
	assert.Equal(t, map[string]string{"Sym": "x", "Price": "y"}, doc.Deephaven.Mappings[0].DataColumns)
}

func TestExportCommand_TicksGeneratedTable(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"export", "--ticks", "3", "prices"})
	require.NoError(t, root.Execute())

	var got exported
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.NotEmpty(t, got.References)
}

func TestExportCommand_UnknownFigure(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"export", "nope"})
	assert.Error(t, root.Execute())
}

func TestValidateAndInitCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plot.yaml")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"init", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "wrote")

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "-c", path})
	require.NoError(t, root.Execute())
	assert.Equal(t, "configuration ok: 1 tables, 1 figures\n", out.String())

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"init", path})
	assert.Error(t, root.Execute(), "init must not overwrite")

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "--log-level", "loud"})
	assert.ErrorIs(t, root.Execute(), config.ErrInvalid)
}
