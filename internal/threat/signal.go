package threat

// SignalType names the kind of manipulation a signal indicates.
type SignalType string

const (
	InstructionOverride SignalType = "instruction_override"
	ContextLeak         SignalType = "context_leak"
	RoleHijack          SignalType = "role_hijack"
	CommandInjection    SignalType = "command_injection"
	EncodingAttack      SignalType = "encoding_attack"
)

// Signal is one indicator found in scanned text.
type Signal struct {
	Type        SignalType `json:"type"`
	Confidence  float64    `json:"confidence"`
	MatchedText string     `json:"matched_text"`
	Description string     `json:"description"`
	Detector    string     `json:"detector"`
}

// Assessment is the verdict for one piece of text. SanitizedText is set
// only when Safe. Faults lists detectors that errored or panicked; any
// fault makes the assessment unsafe.
type Assessment struct {
	Safe          bool     `json:"safe"`
	Score         float64  `json:"score"`
	Signals       []Signal `json:"signals"`
	SanitizedText string   `json:"sanitized_text,omitempty"`
	Warn          bool     `json:"warn"`
	Faults        []string `json:"faults,omitempty"`
}

// Verdict is a one-word summary: "block", "warn" or "safe".
func (a Assessment) Verdict() string {
	switch {
	case !a.Safe:
		return "block"
	case a.Warn:
		return "warn"
	default:
		return "safe"
	}
}

// SignalTypes returns the distinct signal types in first-seen order.
func (a Assessment) SignalTypes() []string {
	seen := make(map[SignalType]bool, len(a.Signals))
	var out []string
	for _, s := range a.Signals {
		if !seen[s.Type] {
			seen[s.Type] = true
			out = append(out, string(s.Type))
		}
	}
	return out
}

// score aggregates signal confidences: the strongest signal plus 0.05 for
// each additional signal, the bonus capped at 0.2 and the total at 1.
func score(signals []Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	maxConf := 0.0
	for _, s := range signals {
		if s.Confidence > maxConf {
			maxConf = s.Confidence
		}
	}
	bonus := float64(len(signals)-1) * 0.05
	if bonus > 0.2 {
		bonus = 0.2
	}
	total := maxConf + bonus
	if total > 1 {
		total = 1
	}
	return total
}
