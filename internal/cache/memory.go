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
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Fingerprint]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Fingerprint]Entry)}
}

// Get returns the entry for a fingerprint, or nil.
func (s *MemoryStore) Get(ctx context.Context, fp Fingerprint) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[fp]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Put stores an entry.
func (s *MemoryStore) Put(ctx context.Context, fp Fingerprint, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[fp] = entry
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(ctx context.Context, fp Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, fp)
	return nil
}

// Purge removes every entry.
func (s *MemoryStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[Fingerprint]Entry)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries), nil
}

// Sweep removes expired entries.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for fp, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
