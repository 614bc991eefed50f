package threat

import (
	"fmt"
	"regexp"
	"strings"
)

// Detector inspects text and reports zero or more signals. Evaluate must be
// safe for concurrent use.
type Detector interface {
	Name() string
	Evaluate(text string) ([]Signal, error)
}

const maxMatchLen = 120

// patternDetector runs a regex list and classifies every match.
type patternDetector struct {
	patterns []*regexp.Regexp
}

func (d *patternDetector) Name() string { return "patterns" }

func (d *patternDetector) Evaluate(text string) ([]Signal, error) {
	var out []Signal
	for _, re := range d.patterns {
		for _, m := range re.FindAllString(text, -1) {
			c := classify(m)
			out = append(out, Signal{
				Type:        c.typ,
				Confidence:  c.confidence,
				MatchedText: truncate(m, maxMatchLen),
				Description: c.description,
				Detector:    d.Name(),
			})
		}
	}
	return out, nil
}

// commandDetector flags dangerous command substrings.
type commandDetector struct {
	commands []string
}

func (d *commandDetector) Name() string { return "commands" }

func (d *commandDetector) Evaluate(text string) ([]Signal, error) {
	lower := strings.ToLower(text)
	var out []Signal
	for _, cmd := range d.commands {
		if strings.Contains(lower, cmd) {
			out = append(out, Signal{
				Type:        CommandInjection,
				Confidence:  0.9,
				MatchedText: cmd,
				Description: "dangerous command",
				Detector:    d.Name(),
			})
		}
	}
	return out, nil
}

type unicodeEscapeDetector struct{}

func (unicodeEscapeDetector) Name() string { return "unicode_escapes" }

func (d unicodeEscapeDetector) Evaluate(text string) ([]Signal, error) {
	matches := unicodeEscape.FindAllString(text, -1)
	if len(matches) <= maxUnicodeEscapes {
		return nil, nil
	}
	return []Signal{{
		Type:        EncodingAttack,
		Confidence:  0.7,
		MatchedText: truncate(strings.Join(matches, ""), maxMatchLen),
		Description: fmt.Sprintf("%d escape sequences", len(matches)),
		Detector:    d.Name(),
	}}, nil
}

type zeroWidthDetector struct{}

func (zeroWidthDetector) Name() string { return "zero_width" }

func (d zeroWidthDetector) Evaluate(text string) ([]Signal, error) {
	n := 0
	for _, zw := range zeroWidth {
		n += strings.Count(text, zw)
	}
	if n == 0 {
		return nil, nil
	}
	return []Signal{{
		Type:        EncodingAttack,
		Confidence:  0.6,
		MatchedText: fmt.Sprintf("%d zero-width characters", n),
		Description: "hidden zero-width characters",
		Detector:    d.Name(),
	}}, nil
}

type boundaryDetector struct{}

func (boundaryDetector) Name() string { return "boundary_markers" }

func (d boundaryDetector) Evaluate(text string) ([]Signal, error) {
	var out []Signal
	lower := strings.ToLower(text)
	for _, tok := range boundaryTokens {
		if strings.Contains(lower, strings.ToLower(tok)) {
			out = append(out, d.signal(tok))
		}
	}
	for _, m := range boundaryLine.FindAllString(text, -1) {
		out = append(out, d.signal(strings.TrimSpace(m)))
	}
	return out, nil
}

func (d boundaryDetector) signal(match string) Signal {
	return Signal{
		Type:        RoleHijack,
		Confidence:  0.8,
		MatchedText: match,
		Description: "fake conversation boundary",
		Detector:    d.Name(),
	}
}
