// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadQuiet is how long the config directory must stay quiet after a
// write before the watcher reloads. Editors save in bursts (truncate,
// write, rename), so reacting to individual events would reload against
// half-written files.
const reloadQuiet = 500 * time.Millisecond

// Watcher monitors a config directory for YAML file changes and triggers
// a full config reload once the directory settles.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
}

// NewWatcher creates a config directory watcher.
// onChange is called with the merged config and the name of the changed file.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	// The quiet timer starts disarmed. Every interesting event rewinds
	// it, so a burst of writes produces exactly one reload.
	timer := time.NewTimer(reloadQuiet)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastFile string

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			lastFile = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile))

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadQuiet)

		case <-timer.C:
			w.reload(lastFile)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	if w.onChange != nil {
		w.onChange(cfg, changedFile)
	}
}
