// Package config loads and validates the gateway's JSON configuration file:
// upstream provider definitions, per-account rate-limit windows, and process
// settings such as the upstream request timeout.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// DefaultRateLimitWindows are applied to an account when its provider config
// does not specify any.
var DefaultRateLimitWindows = []RateLimitWindow{
	{DurationSeconds: 10, MaxRequests: 2},
	{DurationSeconds: 60, MaxRequests: 10},
	{DurationSeconds: 3600, MaxRequests: 40},
}

// DefaultExternalRateLimitDuration is how long an account is benched after an
// upstream 429 or rate-flavored error, absent more specific information.
const DefaultExternalRateLimitDuration = 60 * time.Second

// DefaultRequestTimeout bounds every upstream HTTP call when the config omits
// request_timeout.
const DefaultRequestTimeout = 60 * time.Second

// RateLimitWindow is a (duration, max_requests) sliding-window pair.
type RateLimitWindow struct {
	DurationSeconds int `json:"duration"`
	MaxRequests     int `json:"max_requests"`
}

// SOCKS5Proxy describes the optional tunnel an Account's outbound requests are
// routed through.
type SOCKS5Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// String renders a SOCKS5 proxy for logging with credentials masked.
func (p *SOCKS5Proxy) String() string {
	if p == nil || strings.TrimSpace(p.Host) == "" {
		return ""
	}
	if p.Username != "" {
		return fmt.Sprintf("socks5://****:****@%s:%d", p.Host, p.Port)
	}
	return fmt.Sprintf("socks5://%s:%d", p.Host, p.Port)
}

// AccountConfig is one GitHub Copilot identity: a long-lived refresh token,
// an optional per-account SOCKS5 tunnel, and an id stable across restarts.
type AccountConfig struct {
	ID    string       `json:"id"`
	Token string       `json:"token"`
	Proxy *SOCKS5Proxy `json:"proxy,omitempty"`
}

// ProviderConfig is one entry of the "providers" array. Type-specific fields
// are ignored by providers of the other type.
type ProviderConfig struct {
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`

	// github-copilot
	RateLimits []RateLimitWindow `json:"rate_limits,omitempty"`
	Accounts   []AccountConfig   `json:"accounts,omitempty"`

	// openai-compatible
	BaseURL      string            `json:"base_url,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	ModelMapping map[string]string `json:"model_mapping,omitempty"`
}

const (
	ProviderTypeCopilot          = "github-copilot"
	ProviderTypeOpenAICompatible = "openai-compatible"
)

// Config is the top-level JSON document the gateway loads at startup.
type Config struct {
	RequestTimeoutSeconds int              `json:"request_timeout"`
	Providers             []ProviderConfig `json:"providers"`

	// ListenAddr and LogFile are process settings layered on top of the
	// on-disk document from environment variables (see Load).
	ListenAddr string `json:"-"`
	LogFile    string `json:"-"`
	Debug      bool   `json:"-"`
}

// RequestTimeout returns the configured upstream timeout, or the default.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Load reads and validates the JSON config file at path, then layers process
// settings from the environment on top. An optional .env file is read before
// the environment is consulted.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("config: no .env file loaded: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.ListenAddr = envOrDefault("CM_GATEWAY_LISTEN", ":8080")
	cfg.LogFile = strings.TrimSpace(os.Getenv("CM_GATEWAY_LOG_FILE"))
	cfg.Debug = strings.EqualFold(strings.TrimSpace(os.Getenv("CM_GATEWAY_DEBUG")), "true")

	usableAccounts := 0
	hasStaticProvider := false
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		switch strings.ToLower(p.Type) {
		case ProviderTypeCopilot:
			usableAccounts += len(p.Accounts)
		case ProviderTypeOpenAICompatible:
			if strings.TrimSpace(p.APIKey) != "" {
				hasStaticProvider = true
			}
		}
	}
	if usableAccounts == 0 && !hasStaticProvider {
		log.Warn("config: no accounts were initialized - service may not function correctly")
	}

	return &cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) validate() error {
	seenIDs := make(map[string]struct{})
	seenPriorities := make(map[int]int)
	for i, p := range c.Providers {
		switch strings.ToLower(p.Type) {
		case ProviderTypeCopilot, ProviderTypeOpenAICompatible:
		default:
			return fmt.Errorf("config: providers[%d]: unknown type %q", i, p.Type)
		}
		if p.Enabled {
			if prev, dup := seenPriorities[p.Priority]; dup {
				return fmt.Errorf("config: providers[%d] and providers[%d] share priority %d", prev, i, p.Priority)
			}
			seenPriorities[p.Priority] = i
		}
		for j, acc := range p.Accounts {
			if strings.TrimSpace(acc.ID) == "" {
				return fmt.Errorf("config: providers[%d].accounts[%d]: id is required", i, j)
			}
			if strings.TrimSpace(acc.Token) == "" {
				return fmt.Errorf("config: providers[%d].accounts[%d]: token is required", i, j)
			}
			if _, dup := seenIDs[acc.ID]; dup {
				return fmt.Errorf("config: duplicate account id %q", acc.ID)
			}
			seenIDs[acc.ID] = struct{}{}
			if acc.Proxy != nil {
				if strings.TrimSpace(acc.Proxy.Host) == "" {
					return fmt.Errorf("config: providers[%d].accounts[%d]: proxy host is required", i, j)
				}
				if acc.Proxy.Port <= 0 || acc.Proxy.Port > 65535 {
					return fmt.Errorf("config: providers[%d].accounts[%d]: proxy port %d out of range", i, j, acc.Proxy.Port)
				}
			}
		}
	}
	return nil
}
