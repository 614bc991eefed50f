package alert

import (
	"fmt"
	"net/url"
)

// WebhookConfig defines a webhook alert destination.
type WebhookConfig struct {
	Name       string            `yaml:"name"       json:"name"`
	URL        string            `yaml:"url"        json:"url"`
	Format     string            `yaml:"format"     json:"format"`     // "generic", "slack", "pagerduty"
	Severities []string          `yaml:"severities" json:"severities"` // empty = all
	Actions    []string          `yaml:"actions"    json:"actions"`    // empty = all
	Headers    map[string]string `yaml:"headers"    json:"headers"`
}

// Validate checks the URL and format.
func (c WebhookConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook %q: invalid url %q", c.Name, c.URL)
	}
	switch c.Format {
	case "", "generic", "slack", "pagerduty":
	default:
		return fmt.Errorf("webhook %q: unknown format %q", c.Name, c.Format)
	}
	for _, s := range c.Severities {
		if s != string(SeverityWarning) && s != string(SeverityCritical) {
			return fmt.Errorf("webhook %q: unknown severity %q", c.Name, s)
		}
	}
	return nil
}

// HandlerName returns Name, or the URL host when Name is empty.
func (c WebhookConfig) HandlerName() string {
	if c.Name != "" {
		return c.Name
	}
	if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
		return "webhook:" + u.Host
	}
	return "webhook"
}

// matches reports whether a passes the severity and action filters.
func (c WebhookConfig) matches(a Alert) bool {
	return contains(c.Severities, string(a.Severity)) && contains(c.Actions, a.Action)
}

func contains(filter []string, v string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == v {
			return true
		}
	}
	return false
}
