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
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for the environment variable backend.
	// This is the highest priority to allow environment overrides.
	EnvBackendPriority = 100

	// envSecretPrefix is the prefix for ringmaster-specific secret environment variables.
	envSecretPrefix = "RINGMASTER_SECRET_"
)

// EnvBackend provides read-only access to secrets via environment variables.
// A secret named "github_token" maps to RINGMASTER_SECRET_GITHUB_TOKEN; the
// same variable unprefixed (GITHUB_TOKEN) is accepted as a fallback so that
// conventionally named credentials work without duplication.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from environment variables.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(e.normalizeKey(key)); value != "" {
		return value, nil
	}

	// Unprefixed fallback for conventionally named credentials.
	if value := os.Getenv(upperSnake(key)); value != "" {
		return value, nil
	}

	return "", fmt.Errorf("%w: environment variable not set", ErrSecretNotFound)
}

// Set returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Set(ctx context.Context, key string, value string) error {
	return ErrReadOnlyBackend
}

// Delete returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

// List returns all RINGMASTER_SECRET_* environment variables.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, envSecretPrefix) {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 && parts[1] != "" {
				keys = append(keys, e.denormalizeKey(parts[0]))
			}
		}
	}
	return keys, nil
}

// Available returns true as environment variables are always available.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority (highest).
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// ReadOnly returns true as the environment backend is read-only.
func (e *EnvBackend) ReadOnly() bool {
	return true
}

// normalizeKey converts a secret key to an environment variable name.
// Example: "github_token" -> "RINGMASTER_SECRET_GITHUB_TOKEN"
func (e *EnvBackend) normalizeKey(key string) string {
	return envSecretPrefix + upperSnake(key)
}

// denormalizeKey converts an environment variable name back to a secret key.
// Example: "RINGMASTER_SECRET_GITHUB_TOKEN" -> "github_token"
func (e *EnvBackend) denormalizeKey(envVar string) string {
	return strings.ToLower(strings.TrimPrefix(envVar, envSecretPrefix))
}

func upperSnake(key string) string {
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key))
}
