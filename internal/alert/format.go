package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, a Alert) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(a)
	case "pagerduty":
		return formatPagerDuty(a)
	default:
		return formatGeneric(a)
	}
}

func formatGeneric(a Alert) ([]byte, error) {
	return json.Marshal(a)
}

func formatSlack(a Alert) ([]byte, error) {
	emoji := ":warning:"
	if a.Severity == SeverityCritical {
		emoji = ":rotating_light:"
	}

	payload := map[string]any{
		"text": fmt.Sprintf("%s forgeguard %s: %s", emoji, a.Severity, a.Title),
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("forgeguard: %s", a.Title),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", a.Action)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Entry:* %s", a.SourceEntryID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Time:* %s", a.Timestamp.Format(time.RFC3339))},
				},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "```" + a.Message + "```"},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(a Alert) ([]byte, error) {
	severity := "warning"
	if a.Severity == SeverityCritical {
		severity = "critical"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    a.SourceEntryID,
		"payload": map[string]any{
			"summary":   fmt.Sprintf("forgeguard %s: %s", a.Action, a.Title),
			"severity":  severity,
			"source":    "forgeguard",
			"timestamp": a.Timestamp.Format(time.RFC3339),
			"custom_details": map[string]any{
				"alert_id": a.ID,
				"entry_id": a.SourceEntryID,
				"action":   a.Action,
				"message":  a.Message,
			},
		},
	}
	return json.Marshal(payload)
}
