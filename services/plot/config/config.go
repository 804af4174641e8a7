// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the plot server configuration: which tables to
// create, which figures to build on them, and how the server, logging and
// telemetry run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianPlot/pkg/validation"
	"github.com/AleutianAI/AleutianPlot/services/plot/chart"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Source kinds for TableConfig.
const (
	SourceCSV    = "csv"
	SourceXLSX   = "xlsx"
	SourceStocks = "stocks"
)

// Config is the top-level configuration file.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Execution ExecutionConfig  `yaml:"execution"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Tables    []TableConfig    `yaml:"tables" validate:"dive"`
	Figures   []FigureConfig   `yaml:"figures" validate:"dive"`
}

// ServerConfig controls the HTTP listener and websocket sessions.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ReadLimit       int64         `yaml:"read_limit" validate:"gte=0"`

	// InboundRate caps inbound session frames per second. Zero disables.
	InboundRate  float64 `yaml:"inbound_rate" validate:"gte=0"`
	InboundBurst int     `yaml:"inbound_burst" validate:"gte=0"`

	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is "json", "text" or "auto". Auto picks text on a terminal.
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`

	// File, if set, also writes logs to this path.
	File string `yaml:"file,omitempty"`
}

// ExecutionConfig is the execution context every figure is built under.
type ExecutionConfig struct {
	Name            string `yaml:"name" validate:"required"`
	DefaultTemplate string `yaml:"default_template"`

	// Location is an IANA zone name. Empty means UTC.
	Location string `yaml:"location"`
}

// TableConfig declares one table.
type TableConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Source string `yaml:"source" validate:"required,oneof=csv xlsx stocks"`

	// Path is the file for csv and xlsx sources.
	Path  string `yaml:"path,omitempty" validate:"required_unless=Source stocks"`
	Sheet string `yaml:"sheet,omitempty"`

	// Watch reloads a file source when it changes.
	Watch bool `yaml:"watch"`

	// Interval, Batch, Seed and Symbols configure a stocks source.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	Batch    int           `yaml:"batch" validate:"gte=0"`
	Seed     uint64        `yaml:"seed"`
	Symbols  []string      `yaml:"symbols,omitempty"`
}

// FigureConfig declares one live figure.
type FigureConfig struct {
	Name  string   `yaml:"name" validate:"required"`
	Kind  string   `yaml:"kind" validate:"required,oneof=line scatter bar"`
	Table string   `yaml:"table" validate:"required"`
	X     string   `yaml:"x,omitempty"`
	Y     []string `yaml:"y" validate:"required,min=1,dive,required"`
	By    []string `yaml:"by,omitempty" validate:"dive,required"`
	Size  string   `yaml:"size,omitempty"`
	Title string   `yaml:"title,omitempty"`

	Labels   map[string]string `yaml:"labels,omitempty"`
	Template *string           `yaml:"template,omitempty"`

	ColorDiscreteSequenceLine   []string `yaml:"color_discrete_sequence_line,omitempty"`
	ColorDiscreteSequenceMarker []string `yaml:"color_discrete_sequence_marker,omitempty"`

	Layout *chart.LayoutOptions `yaml:"layout,omitempty"`
}

// Args converts the figure declaration to construction args. Table is
// left unset.
func (f FigureConfig) Args() chart.Args {
	return chart.Args{
		X:                           f.X,
		Y:                           f.Y,
		By:                          f.By,
		Size:                        f.Size,
		Title:                       f.Title,
		Labels:                      f.Labels,
		Template:                    f.Template,
		ColorDiscreteSequenceLine:   f.ColorDiscreteSequenceLine,
		ColorDiscreteSequenceMarker: f.ColorDiscreteSequenceMarker,
		Layout:                      f.Layout,
	}
}

// Default returns a configuration serving one ticking stocks table and a
// line chart of its prices by symbol.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "localhost:12210",
			ShutdownTimeout: 10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ReadLimit:       1 << 20,
			InboundRate:     50,
			InboundBurst:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Execution: ExecutionConfig{
			Name:            "default",
			DefaultTemplate: "plotly",
		},
		Telemetry: telemetry.DefaultConfig(),
		Tables: []TableConfig{
			{Name: "stocks", Source: SourceStocks, Interval: time.Second, Batch: 1},
		},
		Figures: []FigureConfig{
			{Name: "prices", Kind: "line", Table: "stocks", X: "Timestamp", Y: []string{"Price"}, By: []string{"Sym"}, Title: "Prices"},
		},
	}
}

// Load reads and validates the configuration at path. Fields the file
// omits keep their Default values; tables and figures are replaced as a
// whole when the file lists any.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration. Unknown keys are an
// error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross references.
//
// Outputs:
//
//	error - Wraps ErrInvalid. Names must pass validation.ValidateName and
//	    be unique within tables and within figures. Every figure must name
//	    a declared table.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	tables := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := validation.ValidateName(t.Name); err != nil {
			return fmt.Errorf("%w: table: %v", ErrInvalid, err)
		}
		if err := validation.ValidateSymbols(t.Symbols); err != nil {
			return fmt.Errorf("%w: table %q: %v", ErrInvalid, t.Name, err)
		}
		if tables[t.Name] {
			return fmt.Errorf("%w: duplicate table %q", ErrInvalid, t.Name)
		}
		tables[t.Name] = true
	}
	figures := make(map[string]bool, len(c.Figures))
	for _, f := range c.Figures {
		if err := validation.ValidateName(f.Name); err != nil {
			return fmt.Errorf("%w: figure: %v", ErrInvalid, err)
		}
		if figures[f.Name] {
			return fmt.Errorf("%w: duplicate figure %q", ErrInvalid, f.Name)
		}
		figures[f.Name] = true
		if !tables[f.Table] {
			return fmt.Errorf("%w: figure %q uses undeclared table %q", ErrInvalid, f.Name, f.Table)
		}
	}
	if c.Execution.Location != "" {
		if _, err := time.LoadLocation(c.Execution.Location); err != nil {
			return fmt.Errorf("%w: execution location: %v", ErrInvalid, err)
		}
	}
	return nil
}

// WriteDefault writes Default as YAML to path, creating its directory.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
