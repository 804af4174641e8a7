// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/table"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called after every reload attempt with its result.
func WithReloadHook(fn func(error)) WatchOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithWatchLogger sets the logger. Defaults to slog.Default.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher reloads a table whenever its backing file changes.
//
// # Description
//
// The file's directory is watched, not the file, so editors that save by
// writing a temporary file and renaming it are seen. Events for the file
// are debounced; when the debounce window passes with no further events
// the table is reloaded with Reload. A failed reload is logged and the
// table keeps its previous rows.
//
// # Thread Safety
//
// Reloads run on one goroutine, one at a time.
type Watcher struct {
	table    *table.Table
	path     string
	debounce time.Duration
	onReload func(error)
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Watch starts reloading t from path until ctx is done or Stop is called.
//
// Outputs:
//
//	*Watcher - The running watcher.
//	error - Non-nil if the directory cannot be watched.
func Watch(ctx context.Context, t *table.Table, path string, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		table:    t,
		path:     abs,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		watcher:  fw,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.loop(ctx)
	return w, nil
}

// Stop ends watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	<-w.stopped
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.stopped }

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.stopOnce.Do(func() {
				close(w.done)
				_ = w.watcher.Close()
			})
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !relevant(event.Op) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", slog.String("path", w.path), slog.String("error", err.Error()))
		case <-timerC:
			timer, timerC = nil, nil
			w.reload(ctx)
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename)
}

func (w *Watcher) reload(ctx context.Context) {
	err := Reload(ctx, w.table, w.path)
	if err != nil {
		w.logger.Warn("table reload failed",
			slog.String("table", w.table.Name()),
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	} else {
		w.logger.Info("table reloaded",
			slog.String("table", w.table.Name()),
			slog.Int("rows", w.table.Size()),
		)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}
