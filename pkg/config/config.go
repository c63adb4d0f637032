// Package config resolves the proxy configuration from the environment
// and an optional YAML settings file. Environment variables win over the
// file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the resolved configuration consumed by the core.
type Settings struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CredentialsDir  string        `yaml:"credentials_dir"`
	ProxyAPIKey     string        `yaml:"proxy_api_key"`
	RefreshTick     time.Duration `yaml:"refresh_tick"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SkipOAuthInit   bool          `yaml:"skip_oauth_init_check"`

	// Concurrency holds per-provider in-flight caps keyed by lowercase
	// provider name; the environment form is
	// MAX_CONCURRENT_REQUESTS_PER_KEY_{PROVIDER}.
	Concurrency map[string]int64 `yaml:"concurrency"`

	// IgnoreModels / WhitelistModels shape the model catalog per
	// provider.
	IgnoreModels    map[string][]string `yaml:"ignore_models"`
	WhitelistModels map[string][]string `yaml:"whitelist_models"`
}

func defaults() Settings {
	return Settings{
		Host:            "0.0.0.0",
		Port:            8000,
		CredentialsDir:  "oauth_creds",
		RefreshTick:     time.Minute,
		AcquireTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Concurrency:     map[string]int64{},
		IgnoreModels:    map[string][]string{},
		WhitelistModels: map[string][]string{},
	}
}

// Load resolves settings: defaults, then the optional YAML file, then
// the environment.
func Load(path string) (*Settings, error) {
	s := defaults()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	s.applyEnv(os.Environ())
	if s.Port <= 0 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", s.Port)
	}
	return &s, nil
}

func (s *Settings) applyEnv(environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch {
		case name == "PROXY_API_KEY":
			s.ProxyAPIKey = value
		case name == "PROXY_HOST":
			s.Host = value
		case name == "PROXY_PORT":
			if p, err := strconv.Atoi(value); err == nil {
				s.Port = p
			}
		case name == "OAUTH_CREDS_DIR":
			s.CredentialsDir = value
		case name == "SKIP_OAUTH_INIT_CHECK":
			s.SkipOAuthInit = strings.EqualFold(value, "true") || value == "1"
		case strings.HasPrefix(name, "MAX_CONCURRENT_REQUESTS_PER_KEY_"):
			provider := strings.ToLower(strings.TrimPrefix(name, "MAX_CONCURRENT_REQUESTS_PER_KEY_"))
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
				s.Concurrency[provider] = n
			}
		case strings.HasPrefix(name, "IGNORE_MODELS_"):
			provider := strings.ToLower(strings.TrimPrefix(name, "IGNORE_MODELS_"))
			s.IgnoreModels[provider] = splitList(value)
		case strings.HasPrefix(name, "WHITELIST_MODELS_"):
			provider := strings.ToLower(strings.TrimPrefix(name, "WHITELIST_MODELS_"))
			s.WhitelistModels[provider] = splitList(value)
		}
	}
}

// ConcurrencyFor returns the per-credential cap for a provider
// (default 1).
func (s *Settings) ConcurrencyFor(provider string) int64 {
	if n, ok := s.Concurrency[provider]; ok && n > 0 {
		return n
	}
	return 1
}

// Addr returns the listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
