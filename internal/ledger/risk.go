package ledger

import "strings"

var criticalActions = map[Action]bool{
	ActionVaultUpdate:      true,
	ActionUserDelete:       true,
	ActionConfigUpdate:     true,
	ActionSandboxViolation: true,
}

var highActions = map[Action]bool{
	ActionToolExecute:             true,
	ActionToolBlocked:             true,
	ActionPromptInjectionDetected: true,
	ActionAnomalyDetected:         true,
	ActionRateLimitExceeded:       true,
	ActionAuthLoginFailed:         true,
	ActionAuth2FAFailed:           true,
}

var mediumActions = map[Action]bool{
	ActionSessionCreate:     true,
	ActionSessionSuspend:    true,
	ActionChannelConnect:    true,
	ActionChannelDisconnect: true,
	ActionUserCreate:        true,
	ActionUserUpdate:        true,
	ActionVaultAccess:       true,
}

// InferRisk classifies an event that did not carry an explicit risk level.
// Failures are checked before the per-action tables: a failed auth.* action
// is high, any other failure is medium.
func InferRisk(action Action, success bool) RiskLevel {
	if !success {
		if strings.HasPrefix(string(action), "auth.") {
			return RiskHigh
		}
		return RiskMedium
	}
	switch {
	case criticalActions[action]:
		return RiskCritical
	case highActions[action]:
		return RiskHigh
	case mediumActions[action]:
		return RiskMedium
	default:
		return RiskLow
	}
}
