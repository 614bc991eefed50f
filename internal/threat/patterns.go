package threat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// defaultPatterns match common instruction-injection phrasings.
var defaultPatterns = []string{
	`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|your)\s+(instructions|prompts?|rules|directions|guidelines)`,
	`(?i)\b(reveal|show|output|print|repeat|display)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+prompt|hidden\s+prompt|instructions)`,
	`(?i)\b(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\b`,
	`(?i)\b(override|bypass|disable)\s+(your\s+|the\s+|all\s+)?(safety|security|restrictions|guidelines|filters|rules)`,
	`(?i)\bjailbreak\b|\b(DAN|developer)\s+mode\b|\bdo\s+anything\s+now\b`,
	`(?i)\b(base64|rot13|hex)[\s-]*(decode|encoded|payload)\b`,
	`(?i)\bnew\s+instructions\s*:`,
}

// defaultCommands are dangerous command substrings, matched case-insensitively.
var defaultCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"dd if=/dev/zero",
	":(){ :|:& };:",
	"mkfs.",
	"> /dev/sda",
	"chmod -r 777 /",
	"curl|sh",
	"curl | sh",
	"curl | bash",
	"wget|sh",
	"wget | sh",
	"wget | bash",
	"sudo su",
	"sudo -i",
	"nc -e",
	"/etc/shadow",
	"/proc/self/environ",
	"base64 -d | sh",
}

// boundaryTokens are chat-template control tokens that have no business in
// user text. Sanitize strips them.
var boundaryTokens = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<|system|>",
	"<|assistant|>",
	"<|user|>",
	"[INST]",
	"[/INST]",
	"<<SYS>>",
	"<</SYS>>",
}

// boundaryLine matches a fake role header at the start of a line.
var boundaryLine = regexp.MustCompile(`(?im)^[ \t]*(#{1,3}[ \t]*)?(system|assistant)[ \t]*:`)

// zeroWidth are invisible characters used to split keywords past filters.
var zeroWidth = []string{"\u200b", "\u200c", "\u200d", "\u2060", "\ufeff"}

var unicodeEscape = regexp.MustCompile(`\\u[0-9a-fA-F]{4}|\\x[0-9a-fA-F]{2}`)

const maxUnicodeEscapes = 5

type classification struct {
	typ         SignalType
	confidence  float64
	description string
}

// classify maps a pattern match to a signal by keyword. Checks run from the
// most specific to the least; a match with no keyword is still suspicious.
func classify(match string) classification {
	m := strings.ToLower(match)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(m, w) {
				return true
			}
		}
		return false
	}

	switch {
	case has("ignore", "disregard", "forget"):
		return classification{InstructionOverride, 0.85, "attempt to discard prior instructions"}
	case has("reveal", "output", "repeat", "print", "show", "display") && has("prompt", "instructions"):
		return classification{ContextLeak, 0.8, "attempt to extract the system prompt"}
	case has("act as", "pretend", "roleplay", "you are now"):
		return classification{RoleHijack, 0.75, "attempt to reassign the assistant's role"}
	case has("override", "bypass", "jailbreak", "mode", "anything now"):
		return classification{InstructionOverride, 0.9, "attempt to bypass safety controls"}
	case has("base64", "rot13", "hex", "encoded", "decode"):
		return classification{EncodingAttack, 0.85, "encoded payload marker"}
	default:
		return classification{InstructionOverride, 0.6, "suspicious pattern match"}
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
