// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownLevel) {
					t.Fatalf("ParseLevel(%q) error = %v, want ErrUnknownLevel", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_FormatSelection(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		wantJSON bool
	}{
		{"json", FormatJSON, true},
		{"text", FormatText, false},
		// A bytes.Buffer has no descriptor, so auto treats it as a pipe.
		{"auto non-terminal", FormatAuto, true},
		{"empty is auto", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(Config{Format: tt.format, Writer: &buf})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			logger.Slog().Info("hello", slog.Int("n", 1))

			line := strings.TrimSpace(buf.String())
			isJSON := json.Valid([]byte(line))
			if isJSON != tt.wantJSON {
				t.Errorf("output %q: json = %v, want %v", line, isJSON, tt.wantJSON)
			}
			if !strings.Contains(line, "hello") {
				t.Errorf("output %q does not contain message", line)
			}
		})
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNew_ServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "plot", Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if rec["service"] != "plot" {
		t.Errorf("service = %v, want plot", rec["service"])
	}
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "plot.log")
	var console bytes.Buffer
	logger, err := New(Config{File: path, Format: FormatText, Writer: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("to both", slog.String("figure", "prices"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(console.String(), "to both") {
		t.Errorf("console missing record: %q", console.String())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file is empty")
	}
	var rec map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("file record is not JSON: %v", err)
	}
	if rec["msg"] != "to both" || rec["figure"] != "prices" {
		t.Errorf("file record = %v", rec)
	}
}

func TestNew_FileOpenError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// A regular file where a directory is expected.
	if _, err := New(Config{File: filepath.Join(blocker, "plot.log"), Quiet: true}); err == nil {
		t.Error("New() with unusable log path returned nil error")
	}
}

func TestNew_QuietDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Quiet: true, Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestExporter_ReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger, err := New(Config{Quiet: true, Service: "plot", Level: LevelInfo, Exporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Slog().Debug("below level")
	logger.With("figure", "prices").Slog().
		WithGroup("push").
		Warn("push failed", slog.Int("revision", 3))

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.Message != "push failed" || e.Level != LevelWarn || e.Service != "plot" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attrs["figure"] != "prices" {
		t.Errorf("figure attr = %v", e.Attrs["figure"])
	}
	if e.Attrs["push.revision"] != int64(3) {
		t.Errorf("push.revision attr = %v (%T)", e.Attrs["push.revision"], e.Attrs["push.revision"])
	}
	if _, ok := e.Attrs["service"]; ok {
		t.Error("service duplicated into attrs")
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

type failingExporter struct {
	BufferedExporter
	closed bool
}

func (f *failingExporter) Flush(context.Context) error { return errors.New("flush failed") }
func (f *failingExporter) Close() error {
	f.closed = true
	return nil
}

func TestClose_JoinsErrorsAndIsIdempotent(t *testing.T) {
	exp := &failingExporter{}
	logger, err := New(Config{Quiet: true, Exporter: exp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = logger.Close()
	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Close() error = %v, want flush failure", err)
	}
	if !exp.closed {
		t.Error("exporter not closed after failed flush")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestInstall_SetsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := New(Config{Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Install()
	slog.Info("via default")

	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("default logger not installed: %q", buf.String())
	}
}

func TestMultiHandler_WithAttrsReachesAll(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))

	logger.Info("info")
	logger.Error("error")

	if got := strings.Count(a.String(), `"k":"v"`); got != 2 {
		t.Errorf("handler a saw attr %d times, want 2: %q", got, a.String())
	}
	if strings.Contains(b.String(), `"msg":"info"`) {
		t.Errorf("handler b should filter info: %q", b.String())
	}
	if !strings.Contains(b.String(), `"msg":"error"`) {
		t.Errorf("handler b missing error: %q", b.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/plot.log"); got != filepath.Join(home, "plot.log") {
		t.Errorf("expandPath(~/plot.log) = %q", got)
	}
	if got := expandPath("/var/log/plot.log"); got != "/var/log/plot.log" {
		t.Errorf("expandPath(abs) = %q", got)
	}
}
