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

package cache

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ringmaster-sh/ringmaster/internal/config"
)

// Open builds a Cache from the configured backend. The sqlite backend
// persists responses across restarts at cfg.Path, defaulting to cache.db
// under the config directory.
func Open(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	var store Store

	switch cfg.Backend {
	case "", "memory":
		store = NewMemoryStore()

	case "sqlite":
		path := cfg.Path
		if path == "" {
			dir, err := config.ConfigDir()
			if err != nil {
				return nil, fmt.Errorf("resolving cache path: %w", err)
			}
			path = filepath.Join(dir, "cache.db")
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		store = s

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	return New(Config{
		Store:         store,
		TTL:           cfg.TTLDuration(),
		SweepInterval: cfg.SweepIntervalDuration(),
		Logger:        logger,
	}), nil
}
