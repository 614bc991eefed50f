package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Action is the kind of security-relevant event recorded in an entry.
// The vocabulary is closed; Known reports membership.
type Action string

const (
	ActionAuthLogin               Action = "auth.login"
	ActionAuthLogout              Action = "auth.logout"
	ActionAuthLoginFailed         Action = "auth.login_failed"
	ActionAuth2FAVerify           Action = "auth.2fa_verify"
	ActionAuth2FAFailed           Action = "auth.2fa_failed"
	ActionSessionCreate           Action = "session.create"
	ActionSessionSuspend          Action = "session.suspend"
	ActionSessionDelete           Action = "session.delete"
	ActionToolExecute             Action = "tool.execute"
	ActionToolBlocked             Action = "tool.blocked"
	ActionVaultAccess             Action = "vault.access"
	ActionVaultUpdate             Action = "vault.update"
	ActionUserCreate              Action = "user.create"
	ActionUserUpdate              Action = "user.update"
	ActionUserDelete              Action = "user.delete"
	ActionConfigUpdate            Action = "config.update"
	ActionChannelConnect          Action = "channel.connect"
	ActionChannelDisconnect       Action = "channel.disconnect"
	ActionPluginActivate          Action = "plugin.activate"
	ActionPluginDeactivate        Action = "plugin.deactivate"
	ActionPromptInjectionDetected Action = "prompt_injection.detected"
	ActionAnomalyDetected         Action = "anomaly.detected"
	ActionRateLimitExceeded       Action = "rate_limit.exceeded"
	ActionSandboxViolation        Action = "sandbox.violation"
	ActionRBACDenied              Action = "rbac.denied"
	ActionHTTPRequest             Action = "http.request"
)

var knownActions = map[Action]bool{
	ActionAuthLogin: true, ActionAuthLogout: true, ActionAuthLoginFailed: true,
	ActionAuth2FAVerify: true, ActionAuth2FAFailed: true,
	ActionSessionCreate: true, ActionSessionSuspend: true, ActionSessionDelete: true,
	ActionToolExecute: true, ActionToolBlocked: true,
	ActionVaultAccess: true, ActionVaultUpdate: true,
	ActionUserCreate: true, ActionUserUpdate: true, ActionUserDelete: true,
	ActionConfigUpdate: true,
	ActionChannelConnect: true, ActionChannelDisconnect: true,
	ActionPluginActivate: true, ActionPluginDeactivate: true,
	ActionPromptInjectionDetected: true, ActionAnomalyDetected: true,
	ActionRateLimitExceeded: true, ActionSandboxViolation: true,
	ActionRBACDenied: true, ActionHTTPRequest: true,
}

// Known reports whether a is part of the action vocabulary.
func (a Action) Known() bool {
	return knownActions[a]
}

// ParseAction validates operator input against the vocabulary.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if !a.Known() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// RiskLevel is the coarse severity attached to every entry.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists every level in ascending order.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank maps a level to a comparable integer. Unknown levels rank -1.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// ParseRiskLevel validates operator input.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if r.Rank() < 0 {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// TimestampFormat is the layout used when a timestamp takes part in hashing
// or is stored as text.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one immutable, hash-linked record of a security-relevant event.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	ActorUserID  string         `json:"actor_user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Resource     string         `json:"resource,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	IPAddress    string         `json:"ip_address,omitempty"`
	PreviousHash string         `json:"previous_hash,omitempty"`
	Hash         string         `json:"hash,omitempty"`
}

// Event is the caller-supplied description of something to record.
// Everything except Action is optional. Events succeed unless Failed is set;
// an empty RiskLevel is inferred from the action and outcome.
type Event struct {
	Action      Action
	ActorUserID string
	SessionID   string
	Channel     string
	Resource    string
	Details     map[string]any
	IPAddress   string
	Failed      bool
	RiskLevel   RiskLevel
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Filter selects entries for Query, Count and Export.
// Zero values mean "no constraint".
type Filter struct {
	ActorUserID string
	SessionID   string
	Action      Action
	RiskLevel   RiskLevel
	Success     *bool
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Match reports whether e satisfies every constraint in f.
// Pagination fields are ignored.
func (f Filter) Match(e Entry) bool {
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// EffectiveLimit applies the default to f.Limit. Stores page with it as-is;
// the upper bound is applied by Clamp at the ledger boundary.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}

// Clamp bounds Limit to the maximum page size and Offset to zero or more.
func (f Filter) Clamp() Filter {
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Page applies Offset and the effective limit to entries that are already
// filtered and ordered.
func (f Filter) Page(entries []Entry) []Entry {
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []Entry{}
	}
	end := offset + f.EffectiveLimit()
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end]
}

// Bool returns a pointer to b, for Filter.Success.
func Bool(b bool) *bool {
	return &b
}
