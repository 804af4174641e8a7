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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianPlot/services/plot/config"
	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/server"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// options holds flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "plot",
		Short: "Serve live plotly figures over ticking tables",
		Long: `plot builds figures from a YAML configuration and serves them over
HTTP. Each figure is re-rendered whenever its table changes and pushed to
every open websocket session.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (default: built-in stocks demo)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newExportCmd(opts),
		newValidateCmd(opts),
		newInitCmd(),
	)
	return root
}

func (o *options) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plot server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// runServe runs the server, generators and watchers until ctx is done.
func runServe(ctx context.Context, cfg config.Config) (err error) {
	logger, err := newLogger(cfg.Logging, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { err = errors.Join(err, logger.Close()) }()
	logger.Install()
	log := logger.Slog()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if serr := shutdown(context.Background()); serr != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(server.ServiceName))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a, err := buildApp(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := server.New(a.catalog,
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
		server.WithReadLimit(cfg.Server.ReadLimit),
		server.WithInboundRate(cfg.Server.InboundRate, cfg.Server.InboundBurst),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		server.WithMetrics(metrics),
		server.WithLogger(log),
	)
	if err != nil {
		return err
	}

	log.Info("plot server starting",
		slog.String("addr", cfg.Server.Addr),
		slog.Int("tables", len(cfg.Tables)),
		slog.Int("figures", len(cfg.Figures)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
	for _, fn := range a.runGenerators(gctx) {
		g.Go(fn)
	}
	return g.Wait()
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		out   string
		ticks int
	)
	cmd := &cobra.Command{
		Use:   "export <figure>",
		Short: "Print a figure's document and references as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return runExport(cmd.Context(), cfg, args[0], ticks, w)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "advance generated tables this many times first")
	return cmd
}

// exported is the output of the export command.
type exported struct {
	Figure     json.RawMessage     `json:"figure"`
	References []export.Descriptor `json:"references"`
}

func runExport(ctx context.Context, cfg config.Config, name string, ticks int, w io.Writer) error {
	logger, err := newLogger(config.LoggingConfig{Level: "error", Format: "text"}, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg.Tables = tablesFor(cfg, name)
	cfg.Figures = figuresNamed(cfg, name)
	if len(cfg.Figures) == 0 {
		return fmt.Errorf("figure %q: %w", name, server.ErrNotFound)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := range cfg.Tables {
		cfg.Tables[i].Watch = false
	}
	a, err := buildApp(ctx, cfg, logger.Slog(), telemetry.NewNoopMetrics())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.tick(ctx, ticks); err != nil {
		return err
	}

	fig, _ := a.catalog.Figure(name)
	doc, objects, err := fig.ToBytes()
	if err != nil {
		return err
	}
	refs, err := export.Describe(objects)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exported{Figure: doc, References: refs})
}

func figuresNamed(cfg config.Config, name string) []config.FigureConfig {
	for _, f := range cfg.Figures {
		if f.Name == name {
			return []config.FigureConfig{f}
		}
	}
	return nil
}

func tablesFor(cfg config.Config, figureName string) []config.TableConfig {
	figs := figuresNamed(cfg, figureName)
	if len(figs) == 0 {
		return nil
	}
	for _, t := range cfg.Tables {
		if t.Name == figs[0].Table {
			return []config.TableConfig{t}
		}
	}
	return nil
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration without serving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d tables, %d figures\n", len(cfg.Tables), len(cfg.Figures))
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "plot.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
