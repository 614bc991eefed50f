// Package ratelimit is a multi-rule admission controller. Each (rule,
// identifier) pair owns a fixed-window counter plus a nested burst window;
// a request is admitted only when both have quota left.
//
// Consuming against an unknown rule key fails open: the request is allowed
// and Remaining is -1. Callers that need fail-closed behavior register the
// rule first.
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/forgeai/forgeguard/internal/metrics"
)

const defaultCleanupInterval = 30 * time.Second

// Result is the outcome of one consume.
//
// RetryAfter is the wait until the earliest reset that can admit the next
// request. When only the burst limit is hit that is the nearer of the burst
// and window resets. When the window itself is exhausted a burst reset
// cannot help, so RetryAfter runs to the window reset even if the burst
// window ends sooner.
type Result struct {
	Allowed        bool          `json:"allowed"`
	Rule           string        `json:"rule"`
	Remaining      int           `json:"remaining"`
	BurstRemaining int           `json:"burst_remaining"`
	ResetAt        time.Time     `json:"reset_at"`
	RetryAfter     time.Duration `json:"-"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, for Retry-After
// headers. It is zero for allowed results.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Status is a snapshot of one live bucket.
type Status struct {
	Rule          string    `json:"rule"`
	Identifier    string    `json:"identifier"`
	Count         int       `json:"count"`
	Limit         int       `json:"limit"`
	WindowResetAt time.Time `json:"window_reset_at"`
	BurstCount    int       `json:"burst_count"`
	BurstLimit    int       `json:"burst_limit"`
	BurstResetAt  time.Time `json:"burst_reset_at"`
}

type bucketKey struct {
	rule       string
	identifier string
}

type bucket struct {
	count         int
	windowResetAt time.Time
	burstCount    int
	burstResetAt  time.Time
}

// Options configures a Limiter. Zero values take defaults.
type Options struct {
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	CleanupInterval time.Duration
}

// Limiter holds rules and buckets behind one mutex.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[bucketKey]*bucket

	clock           clock.Clock
	logger          *slog.Logger
	metrics         *metrics.Metrics
	cleanupInterval time.Duration

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// New creates a limiter with the given rules.
func New(opts Options, rules ...Rule) (*Limiter, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	l := &Limiter{
		rules:           make(map[string]Rule, len(rules)),
		buckets:         make(map[bucketKey]*bucket),
		clock:           opts.Clock,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		cleanupInterval: opts.CleanupInterval,
	}
	if err := validateAll(rules); err != nil {
		return nil, err
	}
	for _, r := range rules {
		l.rules[r.Key] = r
	}
	return l, nil
}

// AddRule registers or replaces a rule. Replacing a rule discards its
// buckets so the new limits start from a fresh window.
func (l *Limiter) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.rules[r.Key]; exists {
		l.dropBucketsLocked(r.Key)
	}
	l.rules[r.Key] = r
	return nil
}

// RemoveRule deletes a rule and its buckets. It reports whether the rule
// existed.
func (l *Limiter) RemoveRule(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.rules[key]; !ok {
		return false
	}
	delete(l.rules, key)
	l.dropBucketsLocked(key)
	return true
}

// HasRule reports whether key is registered.
func (l *Limiter) HasRule(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rules[key]
	return ok
}

// Resolve returns key when it is registered and fallback otherwise.
func (l *Limiter) Resolve(key, fallback string) string {
	if l.HasRule(key) {
		return key
	}
	return fallback
}

// Rules returns the registered rules sorted by key.
func (l *Limiter) Rules() []Rule {
	l.mu.Lock()
	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	l.mu.Unlock()

	sortRules(out)
	return out
}

// ReplaceRules swaps the whole rule set atomically. Buckets of unchanged
// rules survive; buckets of removed or modified rules are discarded. On a
// validation error nothing changes.
func (l *Limiter) ReplaceRules(rules []Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	next := make(map[string]Rule, len(rules))
	for _, r := range rules {
		next[r.Key] = r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, old := range l.rules {
		if r, ok := next[key]; !ok || r != old {
			l.dropBucketsLocked(key)
		}
	}
	l.rules = next
	return nil
}

func (l *Limiter) dropBucketsLocked(rule string) {
	for k := range l.buckets {
		if k.rule == rule {
			delete(l.buckets, k)
		}
	}
}

// Consume counts one request by identifier against ruleKey.
func (l *Limiter) Consume(identifier, ruleKey string) Result {
	now := l.clock.Now()

	l.mu.Lock()
	rule, ok := l.rules[ruleKey]
	if !ok {
		l.mu.Unlock()
		l.metrics.RateDecision(ruleKey, true)
		return Result{Allowed: true, Rule: ruleKey, Remaining: -1, BurstRemaining: -1}
	}

	key := bucketKey{rule: ruleKey, identifier: identifier}
	b := l.buckets[key]
	if b == nil || !now.Before(b.windowResetAt) {
		b = &bucket{
			windowResetAt: now.Add(rule.Window),
			burstResetAt:  now.Add(rule.burstWindow()),
		}
		l.buckets[key] = b
	}
	if !now.Before(b.burstResetAt) {
		b.burstCount = 0
		b.burstResetAt = now.Add(rule.burstWindow())
	}
	b.count++
	b.burstCount++

	windowExceeded := b.count > rule.MaxRequests
	burstExceeded := b.burstCount > rule.burstLimit()
	res := Result{
		Allowed:        !windowExceeded && !burstExceeded,
		Rule:           ruleKey,
		Remaining:      max(0, rule.MaxRequests-b.count),
		BurstRemaining: max(0, rule.burstLimit()-b.burstCount),
		ResetAt:        b.windowResetAt,
	}
	if !res.Allowed {
		// The earliest reset that can admit the next request.
		reset := b.burstResetAt
		if windowExceeded || b.windowResetAt.Before(reset) {
			reset = b.windowResetAt
		}
		res.RetryAfter = reset.Sub(now)
	}
	buckets := len(l.buckets)
	l.mu.Unlock()

	l.metrics.RateDecision(ruleKey, res.Allowed)
	l.metrics.RateBuckets(buckets)
	return res
}

// ConsumeMulti applies rules in order with AND semantics. The first
// rejection is returned immediately and later rules are not consumed.
// Otherwise the result of the last rule is returned.
func (l *Limiter) ConsumeMulti(identifier string, ruleKeys ...string) Result {
	res := Result{Allowed: true, Remaining: -1, BurstRemaining: -1}
	for _, key := range ruleKeys {
		res = l.Consume(identifier, key)
		if !res.Allowed {
			return res
		}
	}
	return res
}

// Status returns the live counters for (identifier, ruleKey). It reports
// false when no bucket exists or its window has elapsed.
func (l *Limiter) Status(identifier, ruleKey string) (Status, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[ruleKey]
	if !ok {
		return Status{}, false
	}
	b := l.buckets[bucketKey{rule: ruleKey, identifier: identifier}]
	if b == nil || !now.Before(b.windowResetAt) {
		return Status{}, false
	}
	burstCount := b.burstCount
	if !now.Before(b.burstResetAt) {
		burstCount = 0
	}
	return Status{
		Rule:          ruleKey,
		Identifier:    identifier,
		Count:         b.count,
		Limit:         rule.MaxRequests,
		WindowResetAt: b.windowResetAt,
		BurstCount:    burstCount,
		BurstLimit:    rule.burstLimit(),
		BurstResetAt:  b.burstResetAt,
	}, true
}

// Cleanup removes buckets whose window has elapsed and returns how many
// were removed.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()

	l.mu.Lock()
	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.windowResetAt) {
			delete(l.buckets, k)
			removed++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	l.metrics.RateBuckets(remaining)
	return removed
}

// Start launches the periodic cleanup sweep. Calling Start twice is a no-op.
func (l *Limiter) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.done != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stop, l.done)
}

// Stop halts the sweep and waits for it to exit.
func (l *Limiter) Stop() {
	l.runMu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.runMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (l *Limiter) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := l.clock.Ticker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("rate limit buckets swept", "removed", n)
			}
		}
	}
}
