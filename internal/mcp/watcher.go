// Copyright 2025 The Ringmaster Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ringmaster-sh/ringmaster/internal/log"
)

// Watcher restarts MCP servers when their watched source paths change.
// Changes are debounced per server so a burst of writes (editor save,
// build output) produces a single restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	manager   *Manager
	logger    *slog.Logger

	// debounceDelay is how long to wait after the last change before
	// restarting.
	debounceDelay time.Duration

	// restartTimeout bounds the restart triggered by a change.
	restartTimeout time.Duration

	// mu protects watchedServers and pendingRestarts. Paths are stored
	// absolute so event matching never touches the filesystem.
	mu              sync.RWMutex
	watchedServers  map[string][]string
	pendingRestarts map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Manager is restarted through when watched files change.
	Manager *Manager

	// Logger is optional.
	Logger *slog.Logger

	// DebounceDelay is the quiet period before a restart fires. Defaults
	// to 200ms.
	DebounceDelay time.Duration

	// RestartTimeout bounds each triggered restart. Defaults to 1m.
	RestartTimeout time.Duration
}

// NewWatcher creates a watcher and starts its event loop.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	restartTimeout := cfg.RestartTimeout
	if restartTimeout == 0 {
		restartTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:       fsWatcher,
		manager:         cfg.Manager,
		logger:          logger,
		debounceDelay:   debounceDelay,
		restartTimeout:  restartTimeout,
		watchedServers:  make(map[string][]string),
		pendingRestarts: make(map[string]*time.Timer),
		ctx:             ctx,
		cancel:          cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Watch registers paths for a server. Directories cover every file inside
// them. A change to any registered path schedules a debounced restart.
func (w *Watcher) Watch(serverName string, paths []string) error {
	if serverName == "" {
		return fmt.Errorf("server name is required")
	}
	if len(paths) == 0 {
		return fmt.Errorf("at least one path is required")
	}

	abs := make([]string, 0, len(paths))
	for _, path := range paths {
		a, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		abs = append(abs, a)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range abs {
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch path %s: %w", path, err)
		}
		w.logger.Debug("watching path",
			log.KeyServer, serverName,
			"path", path,
		)
	}

	w.watchedServers[serverName] = abs

	return nil
}

// WatchConfigured registers every configured server that declares watch
// paths. Registration errors are logged, not fatal.
func (w *Watcher) WatchConfigured() {
	for _, status := range w.manager.ListStatus() {
		sc, ok := w.manager.cfg.Servers[status.Name]
		if !ok || len(sc.WatchPaths) == 0 {
			continue
		}
		if err := w.Watch(status.Name, sc.WatchPaths); err != nil {
			w.logger.Warn("failed to watch server paths",
				log.KeyServer, status.Name,
				"error", err,
			)
		}
	}
}

// Unwatch removes a server's watches. Paths still watched by another
// server stay registered.
func (w *Watcher) Unwatch(serverName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, exists := w.watchedServers[serverName]
	if !exists {
		return nil
	}

	for _, path := range paths {
		inUse := false
		for otherServer, otherPaths := range w.watchedServers {
			if otherServer == serverName {
				continue
			}
			for _, otherPath := range otherPaths {
				if otherPath == path {
					inUse = true
					break
				}
			}
			if inUse {
				break
			}
		}
		if !inUse {
			_ = w.fsWatcher.Remove(path)
		}
	}

	delete(w.watchedServers, serverName)

	if timer, exists := w.pendingRestarts[serverName]; exists {
		timer.Stop()
		delete(w.pendingRestarts, serverName)
	}

	return nil
}

// processEvents drains filesystem events until the watcher closes.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.handleFileChange(event.Name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// handleFileChange schedules debounced restarts for every server whose
// watch set covers the changed path.
func (w *Watcher) handleFileChange(changedPath string) {
	absPath, err := filepath.Abs(changedPath)
	if err != nil {
		return
	}

	var serversToRestart []string

	w.mu.RLock()
	for serverName, watchedPaths := range w.watchedServers {
		for _, watched := range watchedPaths {
			if pathCovers(watched, absPath) {
				serversToRestart = append(serversToRestart, serverName)
				break
			}
		}
	}
	w.mu.RUnlock()

	for _, serverName := range serversToRestart {
		w.logger.Info("watched file changed",
			log.KeyServer, serverName,
			"file", absPath,
		)
		w.scheduleRestart(serverName)
	}
}

// pathCovers reports whether a watched path covers a changed path: the
// same file, or a directory containing it.
func pathCovers(watched, changed string) bool {
	if watched == changed {
		return true
	}
	rel, err := filepath.Rel(watched, changed)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// scheduleRestart resets the server's debounce timer. Timer work happens
// outside the lock.
func (w *Watcher) scheduleRestart(serverName string) {
	w.mu.Lock()
	if timer, exists := w.pendingRestarts[serverName]; exists {
		timer.Stop()
		delete(w.pendingRestarts, serverName)
	}
	w.mu.Unlock()

	name := serverName
	timer := time.AfterFunc(w.debounceDelay, func() {
		w.triggerRestart(name)
	})

	w.mu.Lock()
	w.pendingRestarts[serverName] = timer
	w.mu.Unlock()
}

// triggerRestart restarts a server after its debounce window expires.
func (w *Watcher) triggerRestart(serverName string) {
	w.mu.Lock()
	delete(w.pendingRestarts, serverName)
	w.mu.Unlock()

	w.logger.Info("restarting server after file changes", log.KeyServer, serverName)

	ctx, cancel := context.WithTimeout(w.ctx, w.restartTimeout)
	defer cancel()

	if err := w.manager.RestartServer(ctx, serverName); err != nil {
		w.logger.Error("failed to restart server",
			log.KeyServer, serverName,
			"error", err,
		)
	}
}

// Close stops the event loop and cancels pending restarts.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	for _, timer := range w.pendingRestarts {
		timer.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()

	return w.fsWatcher.Close()
}
