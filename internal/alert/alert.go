package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeai/forgeguard/internal/ledger"
)

// Severity is warning for high-risk entries and critical for critical ones.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is built from one high or critical ledger entry.
type Alert struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Severity      Severity  `json:"severity"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	SourceEntryID string    `json:"source_entry_id"`
	Action        string    `json:"action"`
	Notified      bool      `json:"notified"`
}

var titles = map[ledger.Action]string{
	ledger.ActionAuthLoginFailed:         "Failed Login Attempt",
	ledger.ActionAuth2FAFailed:           "Failed Two-Factor Verification",
	ledger.ActionToolExecute:             "High-Risk Tool Execution",
	ledger.ActionToolBlocked:             "Dangerous Tool Call Blocked",
	ledger.ActionPromptInjectionDetected: "Prompt Injection Detected",
	ledger.ActionAnomalyDetected:         "Anomalous Activity Detected",
	ledger.ActionRateLimitExceeded:       "Rate Limit Exceeded",
	ledger.ActionSandboxViolation:        "Sandbox Violation",
	ledger.ActionVaultUpdate:             "Vault Modified",
	ledger.ActionUserDelete:              "User Deleted",
	ledger.ActionConfigUpdate:            "Configuration Changed",
	ledger.ActionRBACDenied:              "Access Denied",
}

// Title returns the headline for an action.
func Title(action ledger.Action) string {
	if t, ok := titles[action]; ok {
		return t
	}
	return "Security Event: " + string(action)
}

// Build derives an alert from e. Severity is critical for critical entries
// and warning otherwise.
func Build(e ledger.Entry) Alert {
	sev := SeverityWarning
	if e.RiskLevel == ledger.RiskCritical {
		sev = SeverityCritical
	}
	return Alert{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Severity:      sev,
		Title:         Title(e.Action),
		Message:       Message(e),
		SourceEntryID: e.ID,
		Action:        string(e.Action),
	}
}

// Message renders e as fixed-order lines: action, risk, status, then actor,
// IP, channel and details when present.
func Message(e ledger.Entry) string {
	status := "success"
	if !e.Success {
		status = "failed"
	}
	lines := []string{
		"Action: " + string(e.Action),
		"Risk: " + strings.ToUpper(string(e.RiskLevel)),
		"Status: " + status,
	}
	if e.ActorUserID != "" {
		lines = append(lines, "User: "+e.ActorUserID)
	}
	if e.IPAddress != "" {
		lines = append(lines, "IP: "+e.IPAddress)
	}
	if e.Channel != "" {
		lines = append(lines, "Channel: "+e.Channel)
	}
	if details, err := ledger.EncodeDetails(e.Details); err == nil && details != "" {
		lines = append(lines, "Details: "+details)
	} else if err != nil {
		lines = append(lines, fmt.Sprintf("Details: %v", e.Details))
	}
	return strings.Join(lines, "\n")
}
