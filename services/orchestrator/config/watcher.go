// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the bursts of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Provider returns the current configuration snapshot.
type Provider interface {
	Current() *Config
}

// Static is a Provider with a fixed configuration.
type Static struct {
	Config *Config
}

// Current returns the fixed configuration.
func (s Static) Current() *Config {
	return s.Config
}

// Watcher keeps a configuration snapshot in sync with its YAML file.
//
// Snapshots are immutable; a reload swaps the pointer atomically so a
// request sees either the old or the new configuration, never a mix.
//
// Thread Safety: Current is safe for concurrent use.
type Watcher struct {
	opts     LoadOptions
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	onChange func(*Config)
}

// NewWatcher starts watching the directory of opts.Path.
//
// # Inputs
//
//   - opts: The sources initial was loaded from. Path must be set.
//   - initial: The configuration currently in effect.
//   - onChange: Called after each successful reload. May be nil.
//
// # Outputs
//
//   - *Watcher: Call Run to process events and Close to release the watch.
//   - error: Non-nil if the watch cannot be established.
func NewWatcher(opts LoadOptions, initial *Config, onChange func(*Config)) (*Watcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config watcher requires a file path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by rename, which
	// drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(opts.Path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(opts.Path), err)
	}

	w := &Watcher{opts: opts, watcher: fw, onChange: onChange}
	w.current.Store(initial)
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.opts.Path)
	var pending <-chan time.Time

	slog.Debug("Started watching config file", "path", target)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Config watcher stopping")
			return
		}
	}
}

// Reload re-reads all sources. An invalid file leaves the current
// snapshot in place.
func (w *Watcher) Reload() bool {
	opts := w.opts
	opts.EnvFile = ""
	next, err := Load(opts)
	if err != nil {
		slog.Warn("Config reload failed, keeping previous configuration",
			"path", w.opts.Path,
			"error", err,
		)
		return false
	}

	w.current.Store(next)
	slog.Info("Configuration reloaded",
		"path", w.opts.Path,
		"chunk_size", next.Stream.ChunkSize,
		"chunk_interval", next.Stream.ChunkInterval,
		"max_steps", next.Agent.MaxSteps,
	)
	if w.onChange != nil {
		w.onChange(next)
	}
	return true
}

// Close stops the underlying file watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
