// Package alert fans high and critical ledger entries out to registered
// handlers. Each handler runs in its own goroutine with a timeout and panic
// recovery; a failing handler is logged and never affects the ledger or the
// other handlers.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/metrics"
)

const defaultHandlerTimeout = 15 * time.Second

// Handler receives one alert. The context is cancelled after the
// dispatcher's handler timeout.
type Handler func(ctx context.Context, a Alert) error

type namedHandler struct {
	name string
	fn   Handler
}

// Options configures a Dispatcher.
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	HandlerTimeout time.Duration
}

// Dispatcher implements ledger.Notifier.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []namedHandler
	closed   bool

	wg      sync.WaitGroup
	sent    atomic.Int64
	failed  atomic.Int64
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ ledger.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	return &Dispatcher{
		timeout: opts.HandlerTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// OnAlert registers h under name. Handlers registered later only see
// alerts dispatched after registration.
func (d *Dispatcher) OnAlert(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, namedHandler{name: name, fn: h})
}

// Notify builds an alert from e and starts every handler. It returns
// without waiting for them.
func (d *Dispatcher) Notify(e ledger.Entry) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.logger.Warn("alert dispatcher closed; alert dropped", "entry_id", e.ID, "action", e.Action)
		return
	}
	handlers := append([]namedHandler(nil), d.handlers...)
	// Add under the read lock so Close cannot start waiting in between.
	d.wg.Add(len(handlers))
	d.mu.RUnlock()

	a := Build(e)
	a.Notified = len(handlers) > 0
	d.sent.Add(1)

	for _, h := range handlers {
		go d.run(h, a)
	}
}

func (d *Dispatcher) run(h namedHandler, a Alert) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := invoke(ctx, h.fn, a)
	d.metrics.AlertDispatched(h.name, err)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("alert handler failed", "handler", h.name, "alert_id", a.ID, "action", a.Action, "error", err)
	}
}

func invoke(ctx context.Context, h Handler, a Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, a)
}

// Sent returns the number of alerts dispatched.
func (d *Dispatcher) Sent() int64 {
	return d.sent.Load()
}

// Failed returns the number of handler invocations that failed.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

// Wait blocks until every started handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting alerts and waits for in-flight handlers until ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alert: drain handlers: %w", ctx.Err())
	}
}
