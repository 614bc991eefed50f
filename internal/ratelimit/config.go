package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is returned for a rule that can never admit a request.
var ErrInvalidRule = errors.New("invalid rate limit rule")

// Rule is a named fixed-window policy with an optional nested burst window.
// BurstLimit defaults to MaxRequests and BurstWindow to Window.
type Rule struct {
	Key         string        `yaml:"key"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	BurstLimit  int           `yaml:"burst_limit,omitempty"`
	BurstWindow time.Duration `yaml:"burst_window,omitempty"`
}

// Validate rejects rules with a missing key, non-positive window or limit,
// or negative burst settings.
func (r Rule) Validate() error {
	switch {
	case strings.TrimSpace(r.Key) == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRule)
	case r.Window <= 0:
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidRule, r.Key)
	case r.MaxRequests <= 0:
		return fmt.Errorf("%w: %s: max_requests must be positive", ErrInvalidRule, r.Key)
	case r.BurstLimit < 0:
		return fmt.Errorf("%w: %s: burst_limit must not be negative", ErrInvalidRule, r.Key)
	case r.BurstWindow < 0:
		return fmt.Errorf("%w: %s: burst_window must not be negative", ErrInvalidRule, r.Key)
	}
	return nil
}

func (r Rule) burstLimit() int {
	if r.BurstLimit > 0 {
		return r.BurstLimit
	}
	return r.MaxRequests
}

func (r Rule) burstWindow() time.Duration {
	if r.BurstWindow > 0 {
		return r.BurstWindow
	}
	return r.Window
}

// MarshalJSON renders durations in milliseconds with defaults applied.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key           string `json:"key"`
		WindowMs      int64  `json:"window_ms"`
		MaxRequests   int    `json:"max_requests"`
		BurstLimit    int    `json:"burst_limit"`
		BurstWindowMs int64  `json:"burst_window_ms"`
	}{
		Key:           r.Key,
		WindowMs:      r.Window.Milliseconds(),
		MaxRequests:   r.MaxRequests,
		BurstLimit:    r.burstLimit(),
		BurstWindowMs: r.burstWindow().Milliseconds(),
	})
}

// DefaultRules returns the built-in policy set: a per-IP global rule, a
// strict auth rule, per-tool rules and a per-channel rule.
func DefaultRules() []Rule {
	return []Rule{
		{Key: "global", Window: time.Minute, MaxRequests: 100, BurstLimit: 20, BurstWindow: time.Second},
		{Key: "auth", Window: 15 * time.Minute, MaxRequests: 5},
		{Key: "tool:code_run", Window: time.Minute, MaxRequests: 10, BurstLimit: 3, BurstWindow: 10 * time.Second},
		{Key: "tool:web_browse", Window: time.Minute, MaxRequests: 30, BurstLimit: 10, BurstWindow: 10 * time.Second},
		{Key: "tool:default", Window: time.Minute, MaxRequests: 60},
		{Key: "channel:default", Window: time.Minute, MaxRequests: 30, BurstLimit: 5, BurstWindow: 5 * time.Second},
	}
}

// rulesFile is the on-disk shape of a standalone rules file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file and validates every rule.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := validateAll(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ValidateRules checks every rule and rejects duplicate keys.
func ValidateRules(rules []Rule) error {
	return validateAll(rules)
}

func validateAll(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Key] {
			return fmt.Errorf("%w: duplicate key %s", ErrInvalidRule, r.Key)
		}
		seen[r.Key] = true
	}
	return nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
}
