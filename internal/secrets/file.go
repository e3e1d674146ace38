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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// FileBackendPriority is the priority for the encrypted file backend.
	// Lowest in the chain; a fallback for headless hosts without a keychain.
	FileBackendPriority = 25

	// Argon2id parameters for master key derivation.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	gcmNonceSize = 12
)

// FileBackend provides encrypted storage using AES-256-GCM.
// Secrets live in a single JSON file sealed with a key derived from the
// master key, which comes from RINGMASTER_MASTER_KEY or a master.key file
// next to the secrets file.
type FileBackend struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
	available bool
}

// sealedFile is the on-disk structure of the encrypted secrets file.
type sealedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileBackend creates a new encrypted file backend storing secrets at path.
// If path is empty it defaults to ~/.config/ringmaster/secrets.enc. A backend
// without a resolvable master key is returned unavailable rather than as an error.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		path = filepath.Join(configDir, "ringmaster", "secrets.enc")
	}

	key, err := resolveMasterKey(filepath.Dir(path))
	if err != nil {
		return &FileBackend{path: path, available: false}, nil
	}

	backend := &FileBackend{
		path:      path,
		masterKey: key,
		available: true,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	return backend, nil
}

// resolveMasterKey locates the master key: RINGMASTER_MASTER_KEY wins,
// then a master.key file alongside the secrets file.
func resolveMasterKey(dir string) ([]byte, error) {
	if key := os.Getenv("RINGMASTER_MASTER_KEY"); key != "" {
		return []byte(key), nil
	}

	data, err := os.ReadFile(filepath.Join(dir, "master.key"))
	if err != nil {
		return nil, fmt.Errorf("no master key available: %w", err)
	}

	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, fmt.Errorf("master.key file is empty")
	}
	return []byte(key), nil
}

// Name returns the backend identifier.
func (f *FileBackend) Name() string {
	return "file"
}

// Get retrieves a secret from the encrypted file.
func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	if !f.available {
		return "", fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	secrets, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to load secrets: %w", err)
	}

	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	return value, nil
}

// Set stores a secret in the encrypted file.
func (f *FileBackend) Set(ctx context.Context, key string, value string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}

	secrets[key] = value
	return f.save(secrets)
}

// Delete removes a secret from the encrypted file.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	if _, ok := secrets[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	delete(secrets, key)
	return f.save(secrets)
}

// List returns all secret keys stored in the encrypted file.
func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	if !f.available {
		return nil, fmt.Errorf("%w: master key not available", ErrBackendUnavailable)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	secrets, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	keys := make([]string, 0, len(secrets))
	for key := range secrets {
		keys = append(keys, key)
	}
	return keys, nil
}

// Available returns true if a master key was resolved.
func (f *FileBackend) Available() bool {
	return f.available
}

// Priority returns the backend priority.
func (f *FileBackend) Priority() int {
	return FileBackendPriority
}

// load reads and decrypts the secrets file.
func (f *FileBackend) load() (map[string]string, error) {
	encData, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var sealed sealedFile
	if err := json.Unmarshal(encData, &sealed); err != nil {
		return nil, fmt.Errorf("invalid encrypted data format: %w", err)
	}

	key := argon2.IDKey(f.masterKey, sealed.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong master key or corrupted data): %w", err)
	}
	defer zeroBytes(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("invalid decrypted data format: %w", err)
	}

	return secrets, nil
}

// save encrypts and writes the secrets file atomically.
func (f *FileBackend) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	// Fresh salt per write so the derived key never repeats.
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := sealedFile{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}

	encData, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal encrypted data: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, encData, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}

	return nil
}

// zeroBytes overwrites sensitive byte slices after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
