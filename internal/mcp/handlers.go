package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgeai/forgeguard/internal/enforce"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/threat"
)

// --- Input/Output types ---

// ScanInput defines parameters for the forgeguard_scan tool.
type ScanInput struct {
	Text string `json:"text" jsonschema:"text to scan"`
}

// ScanOutput is the assessment plus its one-word verdict.
type ScanOutput struct {
	Verdict    string            `json:"verdict"`
	Assessment threat.Assessment `json:"assessment"`
}

// RateCheckInput defines parameters for the forgeguard_rate_check tool.
type RateCheckInput struct {
	Identifier string `json:"identifier" jsonschema:"caller identity, e.g. user:42 or ip:10.0.0.1"`
	Rule       string `json:"rule" jsonschema:"rule key, e.g. global or tool:code_run"`
}

// RateCheckOutput is the consume result.
type RateCheckOutput struct {
	Allowed           bool   `json:"allowed"`
	Rule              string `json:"rule"`
	Remaining         int    `json:"remaining"`
	BurstRemaining    int    `json:"burst_remaining"`
	ResetAt           string `json:"reset_at,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// VerifyInput defines parameters for the forgeguard_audit_verify tool.
type VerifyInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of most recent entries to check (default 1000)"`
}

// StatsInput is empty.
type StatsInput struct{}

// CheckToolInput defines parameters for the forgeguard_check_tool tool.
type CheckToolInput struct {
	UserID    string `json:"user_id,omitempty" jsonschema:"acting user"`
	SessionID string `json:"session_id,omitempty" jsonschema:"agent session"`
	Tool      string `json:"tool" jsonschema:"tool name, e.g. code_run"`
	Input     string `json:"input" jsonschema:"command line or serialized arguments"`
}

// CheckToolOutput is the enforcement decision.
type CheckToolOutput struct {
	Outcome string  `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score"`
	EntryID string  `json:"entry_id,omitempty"`
}

// --- Handlers ---

func (s *Server) handleScan(ctx context.Context, req *mcpsdk.CallToolRequest, input ScanInput) (*mcpsdk.CallToolResult, ScanOutput, error) {
	a := s.scanner.Analyze(input.Text)
	return nil, ScanOutput{Verdict: a.Verdict(), Assessment: a}, nil
}

func (s *Server) handleRateCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input RateCheckInput) (*mcpsdk.CallToolResult, RateCheckOutput, error) {
	if input.Identifier == "" || input.Rule == "" {
		return nil, RateCheckOutput{}, fmt.Errorf("identifier and rule are required")
	}
	res := s.limiter.Consume(input.Identifier, input.Rule)
	out := RateCheckOutput{
		Allowed:           res.Allowed,
		Rule:              res.Rule,
		Remaining:         res.Remaining,
		BurstRemaining:    res.BurstRemaining,
		RetryAfterSeconds: res.RetryAfterSeconds(),
	}
	if !res.ResetAt.IsZero() {
		out.ResetAt = res.ResetAt.UTC().Format(ledger.TimestampFormat)
	}
	if !res.Allowed {
		s.ledger.Record(ledger.Event{
			Action:    ledger.ActionRateLimitExceeded,
			Failed:    true,
			RiskLevel: ledger.RiskHigh,
			Details: map[string]any{
				"identifier":  input.Identifier,
				"rule":        res.Rule,
				"retry_after": out.RetryAfterSeconds,
				"via":         "mcp",
			},
		})
	}
	return nil, out, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, ledger.VerifyResult, error) {
	res := s.ledger.VerifyIntegrity(ctx, input.Limit)
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, res, nil
	}
	return nil, res, nil
}

func (s *Server) handleAuditStats(ctx context.Context, req *mcpsdk.CallToolRequest, input StatsInput) (*mcpsdk.CallToolResult, ledger.Stats, error) {
	st, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, ledger.Stats{}, fmt.Errorf("audit stats: %w", err)
	}
	return nil, st, nil
}

func (s *Server) handleCheckTool(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckToolInput) (*mcpsdk.CallToolResult, CheckToolOutput, error) {
	if input.Tool == "" {
		return nil, CheckToolOutput{}, fmt.Errorf("tool is required")
	}
	d := s.guard.CheckTool(ctx, enforce.ToolCall{
		UserID:    input.UserID,
		SessionID: input.SessionID,
		Channel:   "mcp",
		Tool:      input.Tool,
		Input:     input.Input,
	})
	out := CheckToolOutput{Outcome: string(d.Outcome), EntryID: d.EntryID}
	if d.Assessment != nil {
		out.Score = d.Assessment.Score
	}
	if d.Err != nil {
		out.Reason = d.Err.Reason
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
