// Package ledger implements the tamper-evident audit ledger.
//
// Every security-relevant event is appended as an Entry whose PreviousHash is
// the Hash of the entry before it, forming a SHA-256 hash chain. Entries are
// buffered in memory and flushed in chain order to a durable Store; without a
// store the ledger runs in degraded mode and serves queries from memory only.
//
// Record never blocks on I/O and never fails. High and critical entries are
// handed to a Notifier (the alert dispatcher) before Record returns.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/forgeai/forgeguard/internal/metrics"
)

const (
	defaultFlushInterval   = 5 * time.Second
	defaultFlushTimeout    = 10 * time.Second
	defaultMaxBuffer       = 100
	defaultMemoryRetention = 10000
	defaultStatsWindow     = 500
)

// Config tunes a Ledger. Zero values take defaults.
type Config struct {
	// FlushInterval is the period of the background flush loop.
	FlushInterval time.Duration
	// FlushTimeout bounds one background flush.
	FlushTimeout time.Duration
	// MaxBuffer is the soft cap that triggers an immediate flush.
	MaxBuffer int
	// MemoryRetention bounds the buffer in degraded (store-less) mode.
	MemoryRetention int
	// StatsWindow is the number of recent entries Stats aggregates over.
	StatsWindow int

	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = defaultMaxBuffer
	}
	if c.MemoryRetention <= 0 {
		c.MemoryRetention = defaultMemoryRetention
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = defaultStatsWindow
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Ledger is the append-only, hash-chained security log.
type Ledger struct {
	cfg   Config
	store Store

	// mu guards the chain tail, the buffer and the in-flight batch.
	mu     sync.Mutex
	buffer []Entry
	// inflight holds the unwritten remainder of the batch a flush is
	// inserting. It stays visible to readers until each insert lands.
	inflight []Entry
	tailHash string
	seq      int64

	// flushMu serializes flushes so requeued entries keep chain order.
	flushMu     sync.Mutex
	kick        chan struct{}
	inlineFlush atomic.Bool
	alertsSent  atomic.Int64

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// FlushResult reports one flush attempt.
type FlushResult struct {
	Written  int   `json:"written"`
	Requeued int   `json:"requeued"`
	Err      error `json:"-"`
}

// Open creates a ledger backed by store. When store is non-nil the chain
// tail is recovered from the most recent stored entry, so new entries link
// to existing history. A nil store selects degraded, buffer-only mode.
func Open(ctx context.Context, store Store, cfg Config) (*Ledger, error) {
	l := &Ledger{
		cfg:      cfg.withDefaults(),
		store:    store,
		tailHash: GenesisHash,
		kick:     make(chan struct{}, 1),
	}

	if store != nil {
		latest, err := store.Query(ctx, Filter{Limit: 1})
		if err != nil {
			return nil, fmtErr("recover chain tail", err)
		}
		if len(latest) > 0 && latest[0].Hash != "" {
			l.tailHash = latest[0].Hash
			l.seq = latest[0].Sequence
		}
	} else {
		l.cfg.Logger.Warn("ledger running without a durable store; queries are served from memory only")
	}
	return l, nil
}

// Degraded reports whether the ledger has no durable store.
func (l *Ledger) Degraded() bool {
	return l.store == nil
}

// TailHash returns the hash of the most recently recorded entry.
func (l *Ledger) TailHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailHash
}

// Buffered returns the number of entries not yet written to the store.
func (l *Ledger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight) + len(l.buffer)
}

// AlertsSent returns how many entries have been handed to the notifier.
func (l *Ledger) AlertsSent() int64 {
	return l.alertsSent.Load()
}

// Record appends ev to the chain and returns the created entry.
func (l *Ledger) Record(ev Event) Entry {
	risk := ev.RiskLevel
	if risk.Rank() < 0 {
		risk = InferRisk(ev.Action, !ev.Failed)
	}
	if !ev.Action.Known() {
		l.cfg.Logger.Warn("ledger: recording action outside the vocabulary", "action", ev.Action)
	}

	e := Entry{
		ID:          uuid.NewString(),
		Action:      ev.Action,
		ActorUserID: ev.ActorUserID,
		SessionID:   ev.SessionID,
		Channel:     ev.Channel,
		Resource:    ev.Resource,
		Details:     copyDetails(ev.Details),
		Success:     !ev.Failed,
		RiskLevel:   risk,
		IPAddress:   ev.IPAddress,
	}

	l.mu.Lock()
	l.seq++
	e.Sequence = l.seq
	e.Timestamp = l.cfg.Clock.Now().UTC().Truncate(time.Millisecond)
	e.PreviousHash = l.tailHash
	e.Hash = ComputeHash(e)
	l.tailHash = e.Hash
	l.buffer = append(l.buffer, e)
	if l.store == nil && len(l.buffer) > l.cfg.MemoryRetention {
		drop := len(l.buffer) - l.cfg.MemoryRetention
		l.buffer = append([]Entry(nil), l.buffer[drop:]...)
	}
	buffered := len(l.buffer)
	overCap := l.store != nil && buffered > l.cfg.MaxBuffer
	l.mu.Unlock()

	l.cfg.Metrics.LedgerRecorded(string(e.Action), string(e.RiskLevel))
	l.cfg.Metrics.LedgerBuffered(buffered)

	if overCap {
		l.requestFlush()
	}

	if e.RiskLevel.Rank() >= RiskHigh.Rank() && l.cfg.Notifier != nil {
		l.alertsSent.Add(1)
		l.cfg.Notifier.Notify(e)
	}
	return e
}

// requestFlush asks for an immediate flush without waiting for it.
func (l *Ledger) requestFlush() {
	if l.running.Load() {
		select {
		case l.kick <- struct{}{}:
		default:
		}
		return
	}
	if !l.inlineFlush.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.inlineFlush.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
		defer cancel()
		l.Flush(ctx)
	}()
}

// Flush writes every buffered entry to the store in chain order. Entries
// that could not be written go back to the front of the buffer, ahead of
// anything recorded meanwhile. Flush never drops entries.
func (l *Ledger) Flush(ctx context.Context) FlushResult {
	if l.store == nil {
		return FlushResult{}
	}

	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.inflight = batch
	l.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}
	}

	written := 0
	var err error
	for _, e := range batch {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = l.store.Insert(ctx, e); err != nil {
			break
		}
		written++
		l.mu.Lock()
		l.inflight = batch[written:]
		l.mu.Unlock()
	}

	result := FlushResult{Written: written}
	if written < len(batch) {
		rest := batch[written:]
		l.mu.Lock()
		requeued := make([]Entry, 0, len(rest)+len(l.buffer))
		requeued = append(requeued, rest...)
		l.buffer = append(requeued, l.buffer...)
		l.inflight = nil
		buffered := len(l.buffer)
		l.mu.Unlock()

		result.Requeued = len(rest)
		result.Err = err
		l.cfg.Metrics.LedgerBuffered(buffered)
		l.cfg.Logger.Warn("ledger flush incomplete; entries requeued",
			"written", written, "requeued", len(rest), "error", err)
	} else {
		l.cfg.Metrics.LedgerBuffered(l.Buffered())
	}

	l.cfg.Metrics.LedgerFlushed(result.Written, result.Requeued)
	return result
}

// Start launches the background flush loop. It is a no-op without a store
// or when the loop is already running.
func (l *Ledger) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.store == nil || l.done != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.running.Store(true)
	go l.run(l.stop, l.done)
}

// Stop halts the flush loop, waits for an in-flight flush to finish and
// performs a final flush bounded by ctx. Entries that still cannot be
// written stay buffered.
func (l *Ledger) Stop(ctx context.Context) FlushResult {
	l.runMu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.runMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		l.running.Store(false)
	}
	return l.Flush(ctx)
}

func (l *Ledger) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := l.cfg.Clock.Ticker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.flushWithTimeout()
		case <-l.kick:
			l.flushWithTimeout()
		}
	}
}

func (l *Ledger) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
	defer cancel()
	l.Flush(ctx)
}

func copyDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
