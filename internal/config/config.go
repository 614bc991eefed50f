// Package config loads the forgeguard YAML configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeai/forgeguard/internal/alert"
	"github.com/forgeai/forgeguard/internal/ratelimit"
	"github.com/forgeai/forgeguard/internal/threat"
)

// Environment variables read by Load.
const (
	EnvConfigPath = "FORGEGUARD_CONFIG"
	EnvStoreDSN   = "FORGEGUARD_STORE_DSN"
	EnvJWTSecret  = "FORGEGUARD_JWT_SECRET"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverJSONL    = "jsonl"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// StoreConfig selects the durable ledger store. Driver memory runs the
// ledger degraded, with no durable store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`   // jsonl
	DSN    string `yaml:"dsn"`    // sqlite, postgres, redis
	Prefix string `yaml:"prefix"` // redis key prefix
}

// LedgerConfig tunes buffering and flushing.
type LedgerConfig struct {
	FlushInterval   time.Duration `yaml:"flush_interval"`
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
	MaxBuffer       int           `yaml:"max_buffer"`
	MemoryRetention int           `yaml:"memory_retention"`
	StatsWindow     int           `yaml:"stats_window"`
	Store           StoreConfig   `yaml:"store"`
}

// RateLimitConfig holds the rule set. An absent rules key keeps the defaults.
type RateLimitConfig struct {
	CleanupInterval time.Duration    `yaml:"cleanup_interval"`
	Rules           []ratelimit.Rule `yaml:"rules"`
}

// AlertsConfig lists webhook sinks.
type AlertsConfig struct {
	HandlerTimeout time.Duration         `yaml:"handler_timeout"`
	Webhooks       []alert.WebhookConfig `yaml:"webhooks"`
}

// APIConfig configures the operator HTTP surface. Auth is enabled when
// JWTSecret is set. X-Forwarded-For is honored only for peers listed in
// TrustedProxies, as single addresses or CIDR ranges.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	CORSOrigins    []string `yaml:"cors_origins"`
	JWTSecret      string   `yaml:"jwt_secret"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (a APIConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(a.TrustedProxies))
	for _, raw := range a.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q is not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Config is the root of the YAML file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Threat    threat.Update   `yaml:"threat"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	API       APIConfig       `yaml:"api"`

	// Source is the file the config was read from, empty for defaults.
	Source string `yaml:"-"`
	// Hash is the SHA-256 of the raw file, or of empty input for defaults.
	Hash string `yaml:"-"`
}

// Dir returns ~/.forgeguard, or .forgeguard when the home directory is
// unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forgeguard"
	}
	return filepath.Join(home, ".forgeguard")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Ledger: LedgerConfig{
			FlushInterval:   5 * time.Second,
			FlushTimeout:    10 * time.Second,
			MaxBuffer:       100,
			MemoryRetention: 10000,
			StatsWindow:     500,
			Store: StoreConfig{
				Driver: DriverJSONL,
				Path:   filepath.Join(Dir(), "audit.jsonl"),
				Prefix: "forgeguard:ledger",
			},
		},
		RateLimit: RateLimitConfig{
			CleanupInterval: 30 * time.Second,
			Rules:           ratelimit.DefaultRules(),
		},
		Alerts: AlertsConfig{HandlerTimeout: 15 * time.Second},
		API:    APIConfig{Addr: "127.0.0.1:8787"},
	}
}

// Path resolves the config file: flag value, then $FORGEGUARD_CONFIG, then
// ~/.forgeguard/config.yaml.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config at Path(flag) over the defaults, then applies
// environment overrides. A missing file yields defaults. Invalid YAML or an
// invalid value is an error.
func Load(flag string) (*Config, error) {
	path := Path(flag)
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// YAML overwrites only the keys it sets.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Source = path
	case os.IsNotExist(err):
		data = nil
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	h := sha256.Sum256(data)
	cfg.Hash = "sha256:" + hex.EncodeToString(h[:])

	cfg.applyEnv()
	cfg.Ledger.Store.Path = ExpandHome(cfg.Ledger.Store.Path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStoreDSN); v != "" {
		c.Ledger.Store.DSN = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.API.JWTSecret = v
	}
}

// Validate checks the store, the rules and the webhooks.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	s := c.Ledger.Store
	switch s.Driver {
	case "", DriverMemory:
	case DriverJSONL:
		if s.Path == "" {
			return fmt.Errorf("ledger.store: jsonl driver needs a path")
		}
	case DriverSQLite, DriverPostgres, DriverRedis:
		if s.DSN == "" {
			return fmt.Errorf("ledger.store: %s driver needs a dsn (or $%s)", s.Driver, EnvStoreDSN)
		}
	default:
		return fmt.Errorf("ledger.store: unknown driver %q", s.Driver)
	}

	if err := ratelimit.ValidateRules(c.RateLimit.Rules); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	for _, w := range c.Alerts.Webhooks {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
	}
	if _, err := c.API.ProxyPrefixes(); err != nil {
		return fmt.Errorf("api.%w", err)
	}
	return nil
}

// DefaultYAML returns a commented config file for `forgeguard config init`.
func DefaultYAML() string {
	return `# forgeguard configuration
# Generated by: forgeguard config init
#
# Secrets can be supplied through the environment instead of this file:
#   FORGEGUARD_STORE_DSN   ledger.store.dsn
#   FORGEGUARD_JWT_SECRET  api.jwt_secret

log:
  level: info     # debug | info | warn | error
  format: text    # text | json

# Audit ledger. Entries are buffered and flushed to the store in batches.
ledger:
  flush_interval: 5s
  flush_timeout: 10s
  max_buffer: 100
  memory_retention: 10000   # entries kept when running without a store
  stats_window: 500
  store:
    driver: jsonl           # memory | jsonl | sqlite | postgres | redis
    path: ~/.forgeguard/audit.jsonl
    # dsn: file:/var/lib/forgeguard/audit.db
    # dsn: postgres://forgeguard@localhost/forgeguard?sslmode=disable
    # dsn: redis://localhost:6379/0
    # prefix: forgeguard:ledger

# Fixed-window rate limits with an optional burst window.
# Hot-reloaded on change.
ratelimit:
  cleanup_interval: 30s
  rules:
    - key: global
      window: 1m
      max_requests: 100
      burst_limit: 20
      burst_window: 1s
    - key: auth
      window: 15m
      max_requests: 5
    - key: tool:code_run
      window: 1m
      max_requests: 10
      burst_limit: 3
      burst_window: 10s
    - key: tool:web_browse
      window: 1m
      max_requests: 30
      burst_limit: 10
      burst_window: 10s
    - key: tool:default
      window: 1m
      max_requests: 60
    - key: channel:default
      window: 1m
      max_requests: 30
      burst_limit: 5
      burst_window: 5s

# Threat scanner additions on top of the built-in detectors.
# Hot-reloaded on change.
threat:
  patterns: []
  commands: []
  block_threshold: 0.7
  warn_threshold: 0.4

# High and critical ledger entries are sent to every webhook that matches.
alerts:
  handler_timeout: 15s
  webhooks: []
  # - name: ops
  #   url: https://hooks.slack.com/services/...
  #   format: slack          # generic | slack | pagerduty
  #   severities: [critical] # warning | critical, empty = all
  #   actions: []            # empty = all

api:
  addr: 127.0.0.1:8787
  cors_origins: []
  # jwt_secret: set FORGEGUARD_JWT_SECRET instead
  # X-Forwarded-For is only read from these peers (addresses or CIDRs).
  trusted_proxies: []
`
}
