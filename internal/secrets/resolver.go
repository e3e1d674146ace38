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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Resolver manages a chain of SecretBackends and resolves secrets
// by querying backends in priority order.
type Resolver struct {
	backends []SecretBackend
}

// NewResolver creates a new secret resolver with the given backends.
// Unavailable backends are dropped; the rest are sorted by priority
// (highest first).
func NewResolver(backends ...SecretBackend) *Resolver {
	available := make([]SecretBackend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}

	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})

	return &Resolver{
		backends: available,
	}
}

// NewDefaultResolver builds the standard chain: env > keychain > file.
func NewDefaultResolver() *Resolver {
	fileBackend, err := NewFileBackend("")
	if err != nil {
		return NewResolver(NewEnvBackend(), NewKeychainBackend())
	}
	return NewResolver(NewEnvBackend(), NewKeychainBackend(), fileBackend)
}

// Get retrieves a secret by querying backends in priority order.
// Returns the first successful result or ErrSecretNotFound if no backend has it.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	var lastErr error
	for _, backend := range r.backends {
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
	}

	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
}

// Set stores a secret in the first available writable backend, or in the
// named backend when backendName is non-empty.
func (r *Resolver) Set(ctx context.Context, key string, value string, backendName string) error {
	if len(r.backends) == 0 {
		return fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	if backendName != "" {
		for _, backend := range r.backends {
			if backend.Name() == backendName {
				if err := backend.Set(ctx, key, value); err != nil {
					return fmt.Errorf("failed to set secret in %s: %w", backendName, err)
				}
				return nil
			}
		}
		return fmt.Errorf("backend %q not found or unavailable", backendName)
	}

	for _, backend := range r.backends {
		if ro, ok := backend.(ReadOnlyBackend); ok && ro.ReadOnly() {
			continue
		}

		if err := backend.Set(ctx, key, value); err != nil {
			if errors.Is(err, ErrReadOnlyBackend) {
				continue
			}
			return fmt.Errorf("failed to set secret in %s: %w", backend.Name(), err)
		}
		return nil
	}

	return fmt.Errorf("no writable backend available")
}

// Delete removes a secret from the named backend, or from every writable
// backend that has it when backendName is empty.
func (r *Resolver) Delete(ctx context.Context, key string, backendName string) error {
	if len(r.backends) == 0 {
		return fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	if backendName != "" {
		for _, backend := range r.backends {
			if backend.Name() == backendName {
				if err := backend.Delete(ctx, key); err != nil {
					return fmt.Errorf("failed to delete secret from %s: %w", backendName, err)
				}
				return nil
			}
		}
		return fmt.Errorf("backend %q not found or unavailable", backendName)
	}

	deleted := false
	for _, backend := range r.backends {
		if ro, ok := backend.(ReadOnlyBackend); ok && ro.ReadOnly() {
			continue
		}

		if err := backend.Delete(ctx, key); err != nil {
			if errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrReadOnlyBackend) {
				continue
			}
			return fmt.Errorf("failed to delete secret from %s: %w", backend.Name(), err)
		}
		deleted = true
	}

	if !deleted {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}

	return nil
}

// List returns metadata for all secret keys across backends.
// The highest priority backend wins for duplicate keys.
func (r *Resolver) List(ctx context.Context) ([]SecretMetadata, error) {
	if len(r.backends) == 0 {
		return nil, fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	keyMap := make(map[string]SecretMetadata)

	for _, backend := range r.backends {
		keys, err := backend.List(ctx)
		if err != nil {
			continue
		}

		for _, key := range keys {
			if _, exists := keyMap[key]; !exists {
				readOnly := false
				if ro, ok := backend.(ReadOnlyBackend); ok {
					readOnly = ro.ReadOnly()
				}

				keyMap[key] = SecretMetadata{
					Key:      key,
					Backend:  backend.Name(),
					ReadOnly: readOnly,
				}
			}
		}
	}

	result := make([]SecretMetadata, 0, len(keyMap))
	for _, meta := range keyMap {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })

	return result, nil
}

// Backends returns the names of the available backends in resolution order.
func (r *Resolver) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand resolves secret references embedded in a configuration value.
// Supported forms:
//   - "env:NAME"      value of environment variable NAME
//   - "keyring:NAME"  secret NAME from the system keychain
//   - "file:NAME"     secret NAME from the encrypted file backend
//   - "${NAME}"       environment placeholder, substituted in place
//
// Values without a reference pass through unchanged. A reference that
// resolves to nothing is an error: launching a server with a silently
// empty credential is worse than refusing to launch it.
func (r *Resolver) Expand(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
		}
		return v, nil

	case strings.HasPrefix(value, "keyring:"):
		return r.getFromBackend(ctx, "keychain", strings.TrimPrefix(value, "keyring:"))

	case strings.HasPrefix(value, "file:"):
		return r.getFromBackend(ctx, "file", strings.TrimPrefix(value, "file:"))
	}

	var expandErr error
	expanded := envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok && expandErr == nil {
			expandErr = fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
		}
		return v
	})
	if expandErr != nil {
		return "", expandErr
	}

	return expanded, nil
}

// ExpandMap resolves secret references in every value of a map, returning
// a new map. The input is not modified.
func (r *Resolver) ExpandMap(ctx context.Context, values map[string]string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(values))
	for key, value := range values {
		expanded, err := r.Expand(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", key, err)
		}
		out[key] = expanded
	}
	return out, nil
}

func (r *Resolver) getFromBackend(ctx context.Context, name, key string) (string, error) {
	for _, backend := range r.backends {
		if backend.Name() == name {
			return backend.Get(ctx, key)
		}
	}
	return "", fmt.Errorf("%w: %s backend not in chain", ErrBackendUnavailable, name)
}
