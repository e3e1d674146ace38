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

package shared

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/dispatch"
	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/internal/mcp"
	"github.com/ringmaster-sh/ringmaster/internal/orchestrator"
	"github.com/ringmaster-sh/ringmaster/internal/secrets"
	"github.com/ringmaster-sh/ringmaster/internal/tracing"
)

// Runtime is the in-process service stack commands run against. Every
// command builds one, uses it, and closes it; servers live only as long
// as the command does. The state file carries intent across invocations.
type Runtime struct {
	Config       *config.Config
	Logger       *slog.Logger
	Bus          *dispatch.Bus
	Registry     *catalog.Registry
	Manager      *mcp.Manager
	Orchestrator *orchestrator.Orchestrator

	// State persists which servers should resume next invocation. The
	// manager deliberately runs without it: a one-shot process stopping
	// its children on exit must not erase the resume set.
	State *config.StateManager

	watcher      *mcp.Watcher
	metrics      *http.Server
	closeTracing tracing.ShutdownFunc
}

// OpenRuntime loads configuration and assembles the service stack. No
// servers are started; callers start what they need.
func OpenRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, NewConfigError("loading configuration", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	v, _, _ := GetVersion()
	closeTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceVersion: v,
	})
	if err != nil {
		return nil, NewConfigError("setting up tracing", err)
	}

	bus := dispatch.NewBus(dispatch.Config{
		Workers: cfg.Dispatch.Workers,
		Logger:  logger,
	})
	registry := catalog.NewRegistry()
	resolver := secrets.NewDefaultResolver()

	manager, err := mcp.NewManager(mcp.ManagerConfig{
		Config:   cfg,
		Registry: registry,
		Bus:      bus,
		Resolver: resolver,
		Logger:   logger,
	})
	if err != nil {
		shutdownQuietly(closeTracing, bus, logger)
		return nil, NewConfigError("creating server manager", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Resolver:    registry,
		Caller:      manager,
		Bus:         bus,
		CallTimeout: time.Duration(cfg.Defaults.CallTimeout) * time.Second,
		Logger:      logger,
	})
	if err != nil {
		shutdownQuietly(closeTracing, bus, logger)
		return nil, NewConfigError("creating orchestrator", err)
	}

	rt := &Runtime{
		Config:       cfg,
		Logger:       logger,
		Bus:          bus,
		Registry:     registry,
		Manager:      manager,
		Orchestrator: orch,
		closeTracing: closeTracing,
	}

	// Servers with watch_paths restart on source changes while a command
	// holds them open. Watching is best effort.
	if anyWatchPaths(cfg) {
		if w, err := mcp.NewWatcher(mcp.WatcherConfig{Manager: manager, Logger: logger}); err == nil {
			rt.watcher = w
		} else {
			logger.Warn("file watcher unavailable", "error", err)
		}
	}

	// Resume intent survives in the state file; a missing or corrupt file
	// just means nothing resumes.
	if sm, err := config.NewStateManager(); err == nil {
		rt.State = sm
	} else {
		logger.Warn("state file unavailable", "error", err)
	}

	if addr := GetMetricsAddr(); addr != "" {
		rt.metrics = serveMetrics(addr, logger)
	}

	return rt, nil
}

// Close stops servers, drains the bus, and flushes traces. Children the
// commands started die here; the resume set in the state file does not.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Manager != nil {
		if err := rt.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Bus != nil {
		if err := rt.Bus.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.metrics != nil {
		if err := rt.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.closeTracing != nil {
		if err := rt.closeTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartServers starts the named servers, failing on the first error.
func (rt *Runtime) StartServers(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := rt.Manager.StartServer(ctx, name); err != nil {
			return err
		}
	}
	rt.watchStarted()
	return nil
}

// StartActiveSet starts every auto-start server plus the resume set from
// the state file, best effort. Returns the names that came up; failures
// are logged and skipped so one bad server cannot block the rest.
func (rt *Runtime) StartActiveSet(ctx context.Context) []string {
	targets := make(map[string]bool)
	for name, sc := range rt.Config.Servers {
		if sc.AutoStart {
			targets[name] = true
		}
	}
	if rt.State != nil {
		for _, name := range rt.State.ServersToResume() {
			if _, ok := rt.Config.Servers[name]; ok {
				targets[name] = true
			}
		}
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var started []string
	for _, name := range names {
		if err := rt.Manager.StartServer(ctx, name); err != nil {
			rt.Logger.Warn("server failed to start",
				log.KeyServer, name,
				"error", err,
			)
			continue
		}
		started = append(started, name)
	}
	rt.watchStarted()
	return started
}

// watchStarted registers watch paths for servers that are now running.
func (rt *Runtime) watchStarted() {
	if rt.watcher != nil {
		rt.watcher.WatchConfigured()
	}
}

func anyWatchPaths(cfg *config.Config) bool {
	for _, sc := range cfg.Servers {
		if len(sc.WatchPaths) > 0 {
			return true
		}
	}
	return false
}

// MarkResume records in the state file whether the named server should be
// resumed by the next invocation, carrying the current live status along.
func (rt *Runtime) MarkResume(name string, resume bool) error {
	if rt.State == nil {
		return nil
	}

	status, err := rt.Manager.Status(name)
	if err != nil {
		return err
	}
	rt.State.UpdateServer(name, resume, status.FailureCount, status.LastError, status.StartedAt)
	return rt.State.Save()
}

func loadConfig() (*config.Config, error) {
	if path := GetConfigPath(); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// newLogger builds the slog logger from environment defaults with the
// global flags layered on top.
func newLogger() *slog.Logger {
	cfg := log.FromEnv()
	if level := GetLogLevel(); level != "" {
		cfg.Level = level
	}
	if format := GetLogFormat(); format != "" {
		cfg.Format = log.Format(format)
	}
	return log.New(cfg)
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

// shutdownQuietly unwinds partially assembled collaborators when
// OpenRuntime fails midway.
func shutdownQuietly(closeTracing tracing.ShutdownFunc, bus *dispatch.Bus, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if bus != nil {
		if err := bus.Shutdown(ctx); err != nil {
			logger.Warn("bus shutdown failed", "error", err)
		}
	}
	if closeTracing != nil {
		if err := closeTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}
}
