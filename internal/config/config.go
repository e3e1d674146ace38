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

// Package config loads, validates, and persists the ringmaster
// configuration file (~/.config/ringmaster/config.yaml).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ServerNameRegex validates MCP server names: a letter followed by up to 63
// letters, digits, hyphens, or underscores.
var ServerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Transport kinds for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Auth modes for HTTP transports.
const (
	AuthNone   = ""
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
	AuthJWT    = "jwt"
	AuthSigV4  = "sigv4"
)

// Config is the root of the ringmaster configuration file.
type Config struct {
	// Servers maps server name to configuration.
	Servers map[string]*ServerConfig `yaml:"servers"`

	// Defaults apply to servers that don't override them.
	Defaults Defaults `yaml:"defaults,omitempty"`

	// Dispatch configures the priority dispatch bus.
	Dispatch DispatchConfig `yaml:"dispatch,omitempty"`

	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache,omitempty"`

	// Probe configures the health prober.
	Probe ProbeConfig `yaml:"probe,omitempty"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Transport is "stdio" or "http". Inferred from command/url when empty.
	Transport string `yaml:"transport,omitempty"`

	// Command is the executable for stdio servers.
	Command string `yaml:"command,omitempty"`

	// Args are passed to the command.
	Args []string `yaml:"args,omitempty"`

	// Env holds KEY=VALUE pairs for the child process. Values may carry
	// secret references (${VAR}, env:NAME, keyring:NAME) resolved at
	// launch time.
	Env []string `yaml:"env,omitempty"`

	// WorkingDir is the working directory for stdio servers.
	WorkingDir string `yaml:"working_dir,omitempty"`

	// URL is the base endpoint for streamable HTTP servers.
	URL string `yaml:"url,omitempty"`

	// Headers are sent on every HTTP request. Values may carry secret
	// references.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Auth configures request authentication for HTTP servers.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// HandshakeTimeout bounds the initialize handshake, in seconds.
	HandshakeTimeout int `yaml:"handshake_timeout,omitempty"`

	// CallTimeout bounds a single tool call, in seconds.
	CallTimeout int `yaml:"call_timeout,omitempty"`

	// MaxReconnectAttempts bounds the reconnect escalation sequence.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"`

	// AllowTools/DenyTools filter the advertised tool list with doublestar
	// patterns. Deny wins over allow.
	AllowTools []string `yaml:"allow_tools,omitempty"`
	DenyTools  []string `yaml:"deny_tools,omitempty"`

	// RateLimit caps tool calls per second (0 = unlimited); RateBurst is
	// the token bucket size (defaults to 1 when a limit is set).
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	RateBurst int     `yaml:"rate_burst,omitempty"`

	// WatchPaths are files or directories that trigger a server restart
	// when modified.
	WatchPaths []string `yaml:"watch_paths,omitempty"`

	// AutoStart starts this server on daemon/CLI startup.
	AutoStart bool `yaml:"auto_start,omitempty"`
}

// AuthConfig configures HTTP request authentication.
type AuthConfig struct {
	// Mode is one of "bearer", "oauth2", "jwt", or "sigv4".
	Mode string `yaml:"mode"`

	// Token is the static bearer token (mode "bearer"). Supports secret
	// references.
	Token string `yaml:"token,omitempty"`

	// OAuth2 client-credentials fields (mode "oauth2"). ClientSecret
	// supports secret references.
	TokenURL     string   `yaml:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// JWT minting fields (mode "jwt"). Secret supports secret references.
	Secret   string `yaml:"secret,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	TokenTTL int    `yaml:"token_ttl,omitempty"` // seconds

	// AWS SigV4 fields (mode "sigv4").
	Service string `yaml:"service,omitempty"`
	Region  string `yaml:"region,omitempty"`
}

// Defaults hold per-server settings applied when a server leaves them unset.
// Durations are in seconds.
type Defaults struct {
	HandshakeTimeout     int `yaml:"handshake_timeout,omitempty"`
	CallTimeout          int `yaml:"call_timeout,omitempty"`
	ReconnectBackoff     int `yaml:"reconnect_backoff,omitempty"`
	ReconnectBackoffCap  int `yaml:"reconnect_backoff_cap,omitempty"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"`
}

// DispatchConfig configures the priority dispatch bus.
type DispatchConfig struct {
	// Workers is the bounded worker pool size.
	Workers int `yaml:"workers,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend,omitempty"`

	// TTL is the default entry lifetime, in seconds.
	TTL int `yaml:"ttl,omitempty"`

	// SweepInterval is the expiry sweep cadence, in seconds.
	SweepInterval int `yaml:"sweep_interval,omitempty"`

	// Path is the SQLite database file (backend "sqlite"). Defaults to
	// cache.db under the config directory.
	Path string `yaml:"path,omitempty"`
}

// ProbeConfig configures the health prober.
type ProbeConfig struct {
	// Interval is the per-server probe cadence, in seconds.
	Interval int `yaml:"interval,omitempty"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "console", "otlp-grpc", or "otlp-http".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure,omitempty"`

	// Headers are attached to OTLP export requests.
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRatio is the trace sampling ratio (default 1.0).
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Servers: make(map[string]*ServerConfig),
		Defaults: Defaults{
			HandshakeTimeout:     5,
			CallTimeout:          30,
			ReconnectBackoff:     1,
			ReconnectBackoffCap:  30,
			MaxReconnectAttempts: 3,
		},
		Dispatch: DispatchConfig{Workers: 4},
		Cache:    CacheConfig{Backend: "memory", TTL: 300, SweepInterval: 60},
		Probe:    ProbeConfig{Interval: 30},
		Tracing:  TracingConfig{Exporter: "console", SampleRatio: 1.0},
	}
}

// Load loads the configuration from the default path.
// Returns a default config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerConfig)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Save persists the configuration to the given path atomically.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// applyDefaults fills unset fields from the built-in defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Defaults.HandshakeTimeout == 0 {
		c.Defaults.HandshakeTimeout = def.Defaults.HandshakeTimeout
	}
	if c.Defaults.CallTimeout == 0 {
		c.Defaults.CallTimeout = def.Defaults.CallTimeout
	}
	if c.Defaults.ReconnectBackoff == 0 {
		c.Defaults.ReconnectBackoff = def.Defaults.ReconnectBackoff
	}
	if c.Defaults.ReconnectBackoffCap == 0 {
		c.Defaults.ReconnectBackoffCap = def.Defaults.ReconnectBackoffCap
	}
	if c.Defaults.MaxReconnectAttempts == 0 {
		c.Defaults.MaxReconnectAttempts = def.Defaults.MaxReconnectAttempts
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = def.Dispatch.Workers
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = def.Cache.SweepInterval
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = def.Probe.Interval
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = def.Tracing.Exporter
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = def.Tracing.SampleRatio
	}

	for _, srv := range c.Servers {
		if srv.Transport == "" {
			if srv.URL != "" {
				srv.Transport = TransportHTTP
			} else {
				srv.Transport = TransportStdio
			}
		}
		if srv.HandshakeTimeout == 0 {
			srv.HandshakeTimeout = c.Defaults.HandshakeTimeout
		}
		if srv.CallTimeout == 0 {
			srv.CallTimeout = c.Defaults.CallTimeout
		}
		if srv.MaxReconnectAttempts == 0 {
			srv.MaxReconnectAttempts = c.Defaults.MaxReconnectAttempts
		}
		if srv.RateLimit > 0 && srv.RateBurst == 0 {
			srv.RateBurst = 1
		}
	}
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	for name, srv := range c.Servers {
		if err := ValidateServerName(name); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid cache backend: %s (must be 'memory' or 'sqlite')", c.Cache.Backend)
	}

	switch c.Tracing.Exporter {
	case "console", "otlp-grpc", "otlp-http":
	default:
		return fmt.Errorf("invalid tracing exporter: %s (must be 'console', 'otlp-grpc', or 'otlp-http')", c.Tracing.Exporter)
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch workers must be non-negative")
	}

	return nil
}

// Validate validates a single server entry.
func (s *ServerConfig) Validate() error {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
		if err := ValidateCommand(s.Command); err != nil {
			return err
		}
		for i, arg := range s.Args {
			if err := ValidateArg(arg); err != nil {
				return fmt.Errorf("args[%d]: %w", i, err)
			}
		}
		for i, env := range s.Env {
			if err := ValidateEnv(env); err != nil {
				return fmt.Errorf("env[%d]: %w", i, err)
			}
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
		}
		if s.Auth != nil {
			if err := s.Auth.Validate(); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("either command or url is required")
	default:
		return fmt.Errorf("invalid transport: %s (must be 'stdio' or 'http')", s.Transport)
	}

	if s.HandshakeTimeout < 0 || s.CallTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must be non-negative")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}

	for _, pattern := range s.AllowTools {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid allow_tools pattern: %s", pattern)
		}
	}
	for _, pattern := range s.DenyTools {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid deny_tools pattern: %s", pattern)
		}
	}

	return nil
}

// Validate validates the auth configuration.
func (a *AuthConfig) Validate() error {
	switch a.Mode {
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("auth: token is required for bearer mode")
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return fmt.Errorf("auth: token_url and client_id are required for oauth2 mode")
		}
	case AuthJWT:
		if a.Secret == "" {
			return fmt.Errorf("auth: secret is required for jwt mode")
		}
	case AuthSigV4:
		if a.Region == "" {
			return fmt.Errorf("auth: region is required for sigv4 mode")
		}
	case AuthNone:
		return fmt.Errorf("auth: mode is required")
	default:
		return fmt.Errorf("auth: invalid mode: %s (must be 'bearer', 'oauth2', 'jwt', or 'sigv4')", a.Mode)
	}
	return nil
}

// HandshakeTimeoutDuration returns the handshake timeout as a duration.
func (s *ServerConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// CallTimeoutDuration returns the call timeout as a duration.
func (s *ServerConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(s.CallTimeout) * time.Second
}

// TTLDuration returns the cache TTL as a duration.
func (c CacheConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a duration.
func (c CacheConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// IntervalDuration returns the probe interval as a duration.
func (p ProbeConfig) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

// ReconnectBackoffDuration returns the base reconnect backoff as a duration.
func (d Defaults) ReconnectBackoffDuration() time.Duration {
	return time.Duration(d.ReconnectBackoff) * time.Second
}

// ReconnectBackoffCapDuration returns the reconnect backoff cap as a duration.
func (d Defaults) ReconnectBackoffCapDuration() time.Duration {
	return time.Duration(d.ReconnectBackoffCap) * time.Second
}

// ValidateServerName validates an MCP server name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name is required")
	}
	if !ServerNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name: must start with a letter and contain only letters, numbers, hyphens, and underscores (64 chars max)")
	}
	return nil
}

// ValidateCommand validates a command is safe to execute.
func ValidateCommand(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("command is required")
	}

	if filepath.IsAbs(cmd) {
		if !strings.HasPrefix(cmd, "/usr/bin/") && !strings.HasPrefix(cmd, "/usr/local/bin/") {
			slog.Warn("MCP server command path is outside standard directories",
				"command", cmd,
				"recommendation", "Consider using commands from /usr/bin or /usr/local/bin for better security")
		}

		info, err := os.Stat(cmd)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("command not found: %s", cmd)
			}
			return fmt.Errorf("cannot access command: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("command is a directory: %s", cmd)
		}
		if info.Mode()&0111 == 0 {
			return fmt.Errorf("command is not executable: %s", cmd)
		}
		return nil
	}

	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("command not found in PATH: %s", cmd)
	}

	return nil
}

// shellInjectionPatterns are patterns that could indicate shell injection attempts.
var shellInjectionPatterns = []string{
	";", "&&", "||", "|", "`", "$(", "${", "\n", "\r",
}

// ValidateArg validates a command argument for shell injection.
func ValidateArg(arg string) error {
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(arg, pattern) {
			return fmt.Errorf("argument contains potentially unsafe pattern %q", pattern)
		}
	}
	return nil
}

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateEnv validates an environment variable in KEY=VALUE form.
// Values may use ${VAR} references; other shell metacharacters are rejected.
func ValidateEnv(env string) error {
	parts := strings.SplitN(env, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("environment variable must be in KEY=VALUE format")
	}

	key := parts[0]
	if key == "" {
		return fmt.Errorf("environment variable key is required")
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid environment variable key: %s", key)
	}

	value := parts[1]
	for _, pattern := range shellInjectionPatterns {
		if pattern == "${" {
			continue
		}
		if strings.Contains(value, pattern) {
			return fmt.Errorf("environment value contains potentially unsafe pattern %q", pattern)
		}
	}

	return nil
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH", "API_KEY",
}

// IsSensitiveEnvKey returns true if the key appears to contain sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv redacts sensitive values from an environment variable list.
func RedactEnv(envs []string) []string {
	result := make([]string, len(envs))
	for i, env := range envs {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && IsSensitiveEnvKey(parts[0]) {
			result[i] = parts[0] + "=***REDACTED***"
		} else {
			result[i] = env
		}
	}
	return result
}
