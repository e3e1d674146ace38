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

// Package cache memoizes model responses keyed by request fingerprint.
// Identical requests within the TTL return the cached response; identical
// concurrent misses collapse to a single computation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies a request by content. Two requests with the same
// model, messages, and tool list produce the same fingerprint.
type Fingerprint string

// FingerprintOf computes the fingerprint of a request value. The value is
// serialized to JSON (map keys sort deterministically) and hashed.
func FingerprintOf(v any) (Fingerprint, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Entry is one cached response.
type Entry struct {
	// Value is the serialized response.
	Value []byte

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
}

// expired reports whether the entry is past its lifetime at the given
// instant. A zero ExpiresAt never expires.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the persistence surface behind the cache. Implementations must
// be safe for concurrent use.
type Store interface {
	// Get returns the entry for a fingerprint, expired or not.
	Get(ctx context.Context, fp Fingerprint) (*Entry, error)

	// Put stores an entry, replacing any previous one.
	Put(ctx context.Context, fp Fingerprint, entry Entry) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, fp Fingerprint) error

	// Purge removes every entry.
	Purge(ctx context.Context) error

	// Len returns the number of stored entries, expired included.
	Len(ctx context.Context) (int, error)

	// Sweep removes entries expired at the given instant and returns how
	// many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Close releases the store's resources.
	Close() error
}

// Config configures a Cache.
type Config struct {
	// Store backs the cache. Defaults to an in-memory store.
	Store Store

	// TTL is the default entry lifetime when GetOrCompute is called with
	// zero. Defaults to 5m.
	TTL time.Duration

	// SweepInterval is how often expired entries are removed. Defaults to
	// 1m; negative disables the sweeper.
	SweepInterval time.Duration

	// Logger is optional.
	Logger *slog.Logger
}

// Cache is the response cache. Reads apply expiry lazily; a background
// sweeper reclaims entries that are never read again.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	stopSweep context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Cache and starts its sweeper.
func New(cfg Config) *Cache {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}

	if sweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopSweep = cancel
		c.wg.Add(1)
		go c.sweepLoop(ctx, sweepInterval)
	}

	return c
}

// GetOrCompute returns the cached value for a fingerprint, computing and
// storing it on miss. Compute failures are returned without being cached.
// Concurrent callers with the same fingerprint share one computation.
func (c *Cache) GetOrCompute(ctx context.Context, fp Fingerprint, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := c.lookup(ctx, fp); ok {
		recordCacheHit()
		return value, nil
	}

	recordCacheMiss()

	value, err, _ := c.group.Do(string(fp), func() (any, error) {
		// A flight that just completed may have filled the entry.
		if value, ok := c.lookup(ctx, fp); ok {
			return value, nil
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		if ttl == 0 {
			ttl = c.ttl
		}
		entry := Entry{
			Value:     value,
			ExpiresAt: time.Now().Add(ttl),
		}
		if err := c.store.Put(ctx, fp, entry); err != nil {
			// Serve the computed value even when the store misbehaves.
			c.logger.Warn("failed to store cache entry", "error", err)
		}

		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return value.([]byte), nil
}

// Get returns the cached value for a fingerprint without computing.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) ([]byte, bool) {
	value, ok := c.lookup(ctx, fp)
	if ok {
		recordCacheHit()
	} else {
		recordCacheMiss()
	}
	return value, ok
}

// lookup reads the store and applies lazy expiry.
func (c *Cache) lookup(ctx context.Context, fp Fingerprint) ([]byte, bool) {
	entry, err := c.store.Get(ctx, fp)
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if entry.expired(time.Now()) {
		if err := c.store.Delete(ctx, fp); err != nil {
			c.logger.Warn("failed to delete expired cache entry", "error", err)
		}
		return nil, false
	}
	return entry.Value, true
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	return c.store.Delete(ctx, fp)
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) error {
	return c.store.Purge(ctx)
}

// Len returns the number of stored entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	return c.store.Len(ctx)
}

// Close stops the sweeper and closes the store. Idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stopSweep != nil {
		c.stopSweep()
	}
	c.wg.Wait()

	return c.store.Close()
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.store.Sweep(ctx, time.Now())
			if err != nil {
				c.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				recordCacheSweep(removed)
				c.logger.Debug("cache sweep removed expired entries", "removed", removed)
			}
		}
	}
}
