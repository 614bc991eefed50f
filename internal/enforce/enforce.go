// Package enforce runs the admission, classification and record steps for
// inbound messages and tool calls.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/ratelimit"
	"github.com/forgeai/forgeguard/internal/threat"
)

// Outcome of a check.
type Outcome string

const (
	Allow       Outcome = "allow"
	RateLimited Outcome = "rate_limited"
	Blocked     Outcome = "blocked"
)

// criticalScore promotes a blocked assessment from high to critical risk.
const criticalScore = 0.9

// EnforcementError is returned when a check stops execution.
type EnforcementError struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
}

func (e *EnforcementError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("enforcement blocked (%s): %s [retry_after=%s]", e.Outcome, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("enforcement blocked (%s): %s", e.Outcome, e.Reason)
}

// Message is one inbound chat message.
type Message struct {
	UserID    string
	SessionID string
	Channel   string
	IPAddress string
	Text      string
}

// ToolCall is one agent tool invocation. Input is the command line or the
// serialized arguments.
type ToolCall struct {
	UserID    string
	SessionID string
	Channel   string
	IPAddress string
	Tool      string
	Input     string
}

// Decision is the result of a check. Text carries the sanitized input when
// the outcome is Allow. Err is set for every other outcome.
type Decision struct {
	Outcome    Outcome            `json:"outcome"`
	Text       string             `json:"text,omitempty"`
	RateLimit  ratelimit.Result   `json:"rate_limit"`
	Assessment *threat.Assessment `json:"assessment,omitempty"`
	EntryID    string             `json:"entry_id,omitempty"`
	Err        *EnforcementError  `json:"-"`
}

// Allowed reports whether execution may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Guard wires the limiter, the scanner and the ledger.
type Guard struct {
	limiter *ratelimit.Limiter
	scanner *threat.Scanner
	ledger  *ledger.Ledger
	logger  *slog.Logger
}

// New creates a Guard. All three components are required.
func New(l *ratelimit.Limiter, s *threat.Scanner, lg *ledger.Ledger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{limiter: l, scanner: s, ledger: lg, logger: logger}
}

// Identifier picks the rate-limit key for a caller: user, then IP.
func Identifier(userID, ip string) string {
	switch {
	case userID != "":
		return "user:" + userID
	case ip != "":
		return "ip:" + ip
	default:
		return "anonymous"
	}
}

// CheckMessage applies the global and channel rules, then scans the text.
func (g *Guard) CheckMessage(ctx context.Context, m Message) Decision {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	channelRule := "channel:default"
	if m.Channel != "" {
		channelRule = g.limiter.Resolve("channel:"+m.Channel, channelRule)
	}
	id := Identifier(m.UserID, m.IPAddress)
	rl := g.limiter.ConsumeMulti(id, "global", channelRule)
	base := ledger.Event{
		ActorUserID: m.UserID,
		SessionID:   m.SessionID,
		Channel:     m.Channel,
		IPAddress:   m.IPAddress,
	}
	if !rl.Allowed {
		return g.rateLimited(base, id, rl)
	}

	a := g.scanner.Analyze(m.Text)
	d := Decision{Outcome: Allow, RateLimit: rl, Assessment: &a}
	switch {
	case !a.Safe:
		ev := base
		ev.Action = ledger.ActionPromptInjectionDetected
		ev.Failed = true
		ev.RiskLevel = blockedRisk(a)
		ev.Details = threatDetails(a, "blocked")
		d.EntryID = g.ledger.Record(ev).ID
		d.Outcome = Blocked
		d.Err = &EnforcementError{Outcome: Blocked, Reason: fmt.Sprintf("prompt injection detected (score %.2f)", a.Score)}
		g.logger.Warn("message blocked", "identifier", id, "score", a.Score, "signals", a.SignalTypes())
	case a.Warn:
		ev := base
		ev.Action = ledger.ActionPromptInjectionDetected
		ev.RiskLevel = ledger.RiskMedium
		ev.Details = threatDetails(a, "warn")
		d.EntryID = g.ledger.Record(ev).ID
		d.Text = a.SanitizedText
	default:
		d.Text = a.SanitizedText
	}
	return d
}

// CheckTool applies the tool rule (tool:<name>, falling back to
// tool:default), then scans the input.
func (g *Guard) CheckTool(ctx context.Context, c ToolCall) Decision {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	rule := g.limiter.Resolve("tool:"+c.Tool, "tool:default")
	id := Identifier(c.UserID, c.IPAddress)
	rl := g.limiter.Consume(id, rule)
	base := ledger.Event{
		ActorUserID: c.UserID,
		SessionID:   c.SessionID,
		Channel:     c.Channel,
		IPAddress:   c.IPAddress,
		Resource:    c.Tool,
	}
	if !rl.Allowed {
		return g.rateLimited(base, id, rl)
	}

	a := g.scanner.Analyze(c.Input)
	d := Decision{Outcome: Allow, RateLimit: rl, Assessment: &a}
	ev := base
	if !a.Safe {
		ev.Action = ledger.ActionToolBlocked
		ev.Failed = true
		ev.RiskLevel = blockedRisk(a)
		ev.Details = threatDetails(a, "blocked")
		d.Outcome = Blocked
		d.Err = &EnforcementError{Outcome: Blocked, Reason: fmt.Sprintf("tool %s input rejected (score %.2f)", c.Tool, a.Score)}
		g.logger.Warn("tool call blocked", "identifier", id, "tool", c.Tool, "score", a.Score)
	} else {
		ev.Action = ledger.ActionToolExecute
		ev.Details = map[string]any{"rule": rule}
		if a.Warn {
			ev.Details = threatDetails(a, "warn")
			ev.Details["rule"] = rule
		}
		d.Text = a.SanitizedText
	}
	d.EntryID = g.ledger.Record(ev).ID
	return d
}

func (g *Guard) rateLimited(ev ledger.Event, id string, rl ratelimit.Result) Decision {
	ev.Action = ledger.ActionRateLimitExceeded
	ev.Failed = true
	ev.RiskLevel = ledger.RiskHigh
	ev.Details = map[string]any{
		"identifier":  id,
		"rule":        rl.Rule,
		"retry_after": rl.RetryAfterSeconds(),
	}
	entry := g.ledger.Record(ev)
	g.logger.Info("rate limited", "identifier", id, "rule", rl.Rule, "retry_after", rl.RetryAfter)
	return Decision{
		Outcome:   RateLimited,
		RateLimit: rl,
		EntryID:   entry.ID,
		Err: &EnforcementError{
			Outcome:    RateLimited,
			Reason:     "rate limit " + rl.Rule + " exceeded",
			RetryAfter: rl.RetryAfter,
		},
	}
}

func cancelled(err error) Decision {
	return Decision{
		Outcome: Blocked,
		Err:     &EnforcementError{Outcome: Blocked, Reason: err.Error()},
	}
}

func blockedRisk(a threat.Assessment) ledger.RiskLevel {
	if a.Score >= criticalScore {
		return ledger.RiskCritical
	}
	return ledger.RiskHigh
}

func threatDetails(a threat.Assessment, verdict string) map[string]any {
	types := a.SignalTypes()
	signals := make([]any, len(types))
	for i, t := range types {
		signals[i] = t
	}
	d := map[string]any{
		"verdict": verdict,
		"score":   a.Score,
		"signals": signals,
	}
	if len(a.Faults) > 0 {
		d["faults"] = len(a.Faults)
	}
	return d
}
