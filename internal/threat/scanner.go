// Package threat scores user-supplied text for prompt-injection and
// encoding attacks. A Scanner runs a list of detectors, aggregates their
// signals into a score and decides whether the text may pass.
//
// A detector that errors or panics fails the whole assessment closed.
package threat

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/forgeai/forgeguard/internal/metrics"
)

const (
	DefaultBlockThreshold = 0.7
	DefaultWarnThreshold  = 0.4
)

// Options configures a Scanner. Config holds operator additions applied on
// top of the built-in patterns and commands.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Config  Update
}

// Scanner is safe for concurrent use. Configuration changes swap in new
// detector instances; in-flight analyses keep the ones they started with.
type Scanner struct {
	mu        sync.RWMutex
	detectors []Detector
	custom    []Detector

	extraPatterns []string
	extraCommands []string
	block         float64
	warn          float64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a scanner with the built-in detectors plus opts.Config.
func New(opts Options) (*Scanner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scanner{
		block:   DefaultBlockThreshold,
		warn:    DefaultWarnThreshold,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if err := s.UpdateConfig(opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

// Register appends a caller-supplied detector. It runs after the built-ins.
func (s *Scanner) Register(d Detector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom = append(s.custom, d)
}

// Config returns the operator additions and thresholds in effect.
func (s *Scanner) Config() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Settings{
		Patterns:       append([]string(nil), s.extraPatterns...),
		Commands:       append([]string(nil), s.extraCommands...),
		BlockThreshold: s.block,
		WarnThreshold:  s.warn,
	}
}

// UpdateConfig merges u into the current configuration. New patterns and
// commands are added to the existing ones; built-ins are never removed.
// Nil thresholds are left unchanged. On error nothing changes.
func (s *Scanner) UpdateConfig(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, warn := s.block, s.warn
	if u.BlockThreshold != nil {
		block = *u.BlockThreshold
	}
	if u.WarnThreshold != nil {
		warn = *u.WarnThreshold
	}
	if block <= 0 || block > 1 || warn < 0 || warn > block {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= warn <= block <= 1 (warn=%.2f block=%.2f)", ErrInvalidConfig, warn, block)
	}

	patterns := mergeUnique(s.extraPatterns, u.Patterns)
	all := append(append([]string(nil), defaultPatterns...), patterns...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidConfig, p, err)
		}
		compiled = append(compiled, re)
	}

	lowered := make([]string, 0, len(u.Commands))
	for _, c := range u.Commands {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			return fmt.Errorf("%w: empty command", ErrInvalidConfig)
		}
		lowered = append(lowered, c)
	}
	commands := mergeUnique(s.extraCommands, lowered)

	s.detectors = []Detector{
		&patternDetector{patterns: compiled},
		&commandDetector{commands: mergeUnique(defaultCommands, commands)},
		unicodeEscapeDetector{},
		zeroWidthDetector{},
		boundaryDetector{},
	}
	s.extraPatterns = patterns
	s.extraCommands = commands
	s.block, s.warn = block, warn
	return nil
}

// Analyze scores text. Empty or whitespace-only text is safe with score 0.
func (s *Scanner) Analyze(text string) Assessment {
	s.mu.RLock()
	detectors := make([]Detector, 0, len(s.detectors)+len(s.custom))
	detectors = append(detectors, s.detectors...)
	detectors = append(detectors, s.custom...)
	block, warn := s.block, s.warn
	s.mu.RUnlock()

	if strings.TrimSpace(text) == "" {
		a := Assessment{Safe: true, Signals: []Signal{}, SanitizedText: text}
		s.metrics.ThreatAssessed(a.Verdict(), nil)
		return a
	}

	signals := []Signal{}
	var faults []string
	for _, d := range detectors {
		found, err := evaluate(d, text)
		if err != nil {
			faults = append(faults, fmt.Sprintf("%s: %v", d.Name(), err))
			s.logger.Error("threat detector failed; treating text as unsafe", "detector", d.Name(), "error", err)
			continue
		}
		signals = append(signals, found...)
	}

	a := Assessment{Signals: signals, Faults: faults}
	if len(faults) > 0 {
		a.Score = 1
	} else {
		a.Score = score(signals)
	}
	a.Safe = len(faults) == 0 && a.Score < block
	a.Warn = a.Score >= warn
	if a.Safe {
		a.SanitizedText = Sanitize(text)
	}

	s.metrics.ThreatAssessed(a.Verdict(), a.SignalTypes())
	return a
}

// evaluate runs d, converting a panic into an error.
func evaluate(d Detector, text string) (signals []Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			signals = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Evaluate(text)
}

// Sanitize removes zero-width characters and chat-template boundary tokens.
// Removal repeats until nothing changes, so Sanitize(Sanitize(x)) ==
// Sanitize(x) even when a removal splices a new token together.
func Sanitize(text string) string {
	for {
		next := sanitizeOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

// Sanitize is the method form of the package-level Sanitize.
func (s *Scanner) Sanitize(text string) string {
	return Sanitize(text)
}

func sanitizeOnce(text string) string {
	for _, zw := range zeroWidth {
		text = strings.ReplaceAll(text, zw, "")
	}
	for _, tok := range boundaryTokens {
		text = replaceFold(text, tok)
	}
	return text
}

// replaceFold deletes every case-insensitive occurrence of tok.
// Tokens are ASCII, so byte offsets in the lowered copy match text.
func replaceFold(text, tok string) string {
	lowTok := strings.ToLower(tok)
	var b strings.Builder
	for {
		i := indexFoldASCII(text, lowTok)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		text = text[i+len(tok):]
	}
}

func indexFoldASCII(s, lowSub string) int {
	n := len(lowSub)
	for i := 0; i+n <= len(s); i++ {
		match := true
		for j := 0; j < n; j++ {
			c := s[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != lowSub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func mergeUnique(base, add []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(base)+len(add))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
