package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Ledger.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %s", cfg.Ledger.FlushInterval)
	}
	if cfg.Ledger.MaxBuffer != 100 {
		t.Errorf("MaxBuffer = %d", cfg.Ledger.MaxBuffer)
	}
	if cfg.Ledger.Store.Driver != DriverJSONL {
		t.Errorf("Driver = %s", cfg.Ledger.Store.Driver)
	}
	if len(cfg.RateLimit.Rules) != 6 {
		t.Errorf("expected 6 default rules, got %d", len(cfg.RateLimit.Rules))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty", cfg.Source)
	}
	if !strings.HasPrefix(cfg.Hash, "sha256:") {
		t.Errorf("Hash = %q", cfg.Hash)
	}
}

func TestLoadOverridesOnlySetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
ledger:
  max_buffer: 5
  store:
    driver: sqlite
    dsn: file:test.db
ratelimit:
  rules:
    - key: global
      window: 30s
      max_requests: 10
threat:
  block_threshold: 0.8
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.MaxBuffer != 5 {
		t.Errorf("MaxBuffer = %d, want 5", cfg.Ledger.MaxBuffer)
	}
	if cfg.Ledger.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval lost its default: %s", cfg.Ledger.FlushInterval)
	}
	if cfg.Ledger.Store.Driver != DriverSQLite || cfg.Ledger.Store.DSN != "file:test.db" {
		t.Errorf("store = %+v", cfg.Ledger.Store)
	}
	if len(cfg.RateLimit.Rules) != 1 || cfg.RateLimit.Rules[0].Window != 30*time.Second {
		t.Errorf("rules = %+v", cfg.RateLimit.Rules)
	}
	if cfg.Threat.BlockThreshold == nil || *cfg.Threat.BlockThreshold != 0.8 {
		t.Errorf("threat = %+v", cfg.Threat)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q", cfg.Source)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ledger: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"unknown driver": "ledger:\n  store:\n    driver: mongo\n",
		"missing dsn":    "ledger:\n  store:\n    driver: postgres\n",
		"bad rule":       "ratelimit:\n  rules:\n    - key: global\n      window: 0s\n      max_requests: 1\n",
		"duplicate rule": "ratelimit:\n  rules:\n    - {key: a, window: 1m, max_requests: 1}\n    - {key: a, window: 1m, max_requests: 2}\n",
		"bad webhook":    "alerts:\n  webhooks:\n    - url: not-a-url\n",
		"bad log format": "log:\n  format: xml\n",
		"bad proxy":      "api:\n  trusted_proxies: [10.0.0.0/8, gateway]\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvStoreDSN, "")
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestProxyPrefixes(t *testing.T) {
	a := APIConfig{TrustedProxies: []string{"10.1.2.3/8", " 192.0.2.7 ", "::ffff:198.51.100.1", "2001:db8::/32"}}
	got, err := a.ProxyPrefixes()
	if err != nil {
		t.Fatalf("ProxyPrefixes: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "198.51.100.1/32", "2001:db8::/32"}
	if len(got) != len(want) {
		t.Fatalf("got %d prefixes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStoreDSN, "postgres://u@db/forgeguard")
	t.Setenv(EnvJWTSecret, "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  store:\n    driver: postgres\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Store.DSN != "postgres://u@db/forgeguard" {
		t.Errorf("DSN = %q", cfg.Ledger.Store.DSN)
	}
	if cfg.API.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.API.JWTSecret)
	}
}

func TestPathFallback(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/forgeguard/config.yaml")
	if got := Path("/tmp/x.yaml"); got != "/tmp/x.yaml" {
		t.Errorf("flag ignored: %s", got)
	}
	if got := Path(""); got != "/etc/forgeguard/config.yaml" {
		t.Errorf("env ignored: %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := Path(""); filepath.Base(got) != "config.yaml" || filepath.Base(filepath.Dir(got)) != ".forgeguard" {
		t.Errorf("default path = %s", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.forgeguard/audit.jsonl"); got != filepath.Join(home, ".forgeguard", "audit.jsonl") {
		t.Errorf("ExpandHome = %s", got)
	}
	if got := ExpandHome("/var/lib/x"); got != "/var/lib/x" {
		t.Errorf("ExpandHome changed absolute path: %s", got)
	}
}

func TestDefaultYAMLParses(t *testing.T) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(DefaultYAML()), cfg); err != nil {
		t.Fatalf("DefaultYAML does not parse: %v", err)
	}
	if len(cfg.RateLimit.Rules) != 6 {
		t.Errorf("expected 6 rules, got %d", len(cfg.RateLimit.Rules))
	}
	if cfg.RateLimit.Rules[2].BurstWindow != 10*time.Second {
		t.Errorf("tool:code_run burst window = %s", cfg.RateLimit.Rules[2].BurstWindow)
	}
	cfg.Ledger.Store.Path = ExpandHome(cfg.Ledger.Store.Path)
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultYAML invalid: %v", err)
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  max_buffer: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, cfg, func(c *Config) { got <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("ledger:\n  max_buffer: 7\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Ledger.MaxBuffer != 7 {
			t.Errorf("MaxBuffer = %d, want 7", c.Ledger.MaxBuffer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcherKeepsConfigOnInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  max_buffer: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 1)
	w, err := NewWatcher(path, cfg, func(c *Config) { got <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond

	if err := os.WriteFile(path, []byte("ledger: [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	w.reload()
	select {
	case <-got:
		t.Fatal("callback fired for invalid config")
	default:
	}

	// Rewriting identical content does not fire either.
	if err := os.WriteFile(path, []byte("ledger:\n  max_buffer: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	w.reload()
	select {
	case <-got:
		t.Fatal("callback fired for unchanged content")
	default:
	}
	w.watcher.Close()
}
