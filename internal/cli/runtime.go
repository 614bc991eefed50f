package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/forgeai/forgeguard/internal/alert"
	"github.com/forgeai/forgeguard/internal/config"
	"github.com/forgeai/forgeguard/internal/enforce"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/logging"
	"github.com/forgeai/forgeguard/internal/metrics"
	"github.com/forgeai/forgeguard/internal/ratelimit"
	"github.com/forgeai/forgeguard/internal/store/jsonl"
	"github.com/forgeai/forgeguard/internal/store/redisstore"
	"github.com/forgeai/forgeguard/internal/store/sqlstore"
	"github.com/forgeai/forgeguard/internal/threat"
)

// pipeline is the set of wired components a long-running command needs.
type pipeline struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	limiter    *ratelimit.Limiter
	scanner    *threat.Scanner
	dispatcher *alert.Dispatcher
	guard      *enforce.Guard
	store      io.Closer
}

// openStore opens the configured durable store. The memory driver returns
// a nil Store, which runs the ledger degraded.
func openStore(ctx context.Context, sc config.StoreConfig) (ledger.Store, io.Closer, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return nil, nil, nil
	case config.DriverJSONL:
		s, err := jsonl.Open(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverSQLite, config.DriverPostgres:
		dialect, err := sqlstore.ParseDialect(sc.Driver)
		if err != nil {
			return nil, nil, err
		}
		s, err := sqlstore.Open(ctx, dialect, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverRedis:
		s, err := redisstore.Open(ctx, sc.DSN, sc.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// newPipeline builds every component from cfg. Background loops are not
// started; the caller decides.
func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, closer, err := openStore(ctx, cfg.Ledger.Store)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	dispatcher := alert.NewDispatcher(alert.Options{
		Logger:         logger,
		Metrics:        m,
		HandlerTimeout: cfg.Alerts.HandlerTimeout,
	})
	for _, wh := range cfg.Alerts.Webhooks {
		dispatcher.OnAlert(wh.HandlerName(), alert.Webhook(wh))
	}

	lg, err := ledger.Open(ctx, store, ledger.Config{
		FlushInterval:   cfg.Ledger.FlushInterval,
		FlushTimeout:    cfg.Ledger.FlushTimeout,
		MaxBuffer:       cfg.Ledger.MaxBuffer,
		MemoryRetention: cfg.Ledger.MemoryRetention,
		StatsWindow:     cfg.Ledger.StatsWindow,
		Logger:          logger,
		Metrics:         m,
		Notifier:        dispatcher,
	})
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	limiter, err := ratelimit.New(ratelimit.Options{
		Logger:          logger,
		Metrics:         m,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	}, cfg.RateLimit.Rules...)
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	scanner, err := threat.New(threat.Options{Logger: logger, Metrics: m, Config: cfg.Threat})
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	return &pipeline{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		ledger:     lg,
		limiter:    limiter,
		scanner:    scanner,
		dispatcher: dispatcher,
		guard:      enforce.New(limiter, scanner, lg, logger),
		store:      closer,
	}, nil
}

// start launches the ledger flush loop and the limiter cleanup loop.
func (p *pipeline) start() {
	p.ledger.Start()
	p.limiter.Start()
}

// shutdown stops the loops, performs a final flush, drains alert handlers
// and closes the store.
func (p *pipeline) shutdown(ctx context.Context) {
	p.limiter.Stop()
	res := p.ledger.Stop(ctx)
	if res.Err != nil {
		p.logger.Error("final ledger flush failed", "error", res.Err, "requeued", res.Requeued)
	}
	if err := p.dispatcher.Close(ctx); err != nil {
		p.logger.Warn("alert handlers still running at shutdown", "error", err)
	}
	closeQuietly(p.store)
}

// applyConfig re-applies the hot-reloadable sections.
func (p *pipeline) applyConfig(cfg *config.Config) {
	if err := p.limiter.ReplaceRules(cfg.RateLimit.Rules); err != nil {
		p.logger.Error("rate limit rules not reloaded", "error", err)
	} else {
		p.logger.Info("rate limit rules reloaded", "rules", len(cfg.RateLimit.Rules))
	}
	if err := p.scanner.UpdateConfig(cfg.Threat); err != nil {
		p.logger.Error("threat settings not reloaded", "error", err)
	} else {
		p.logger.Info("threat settings reloaded")
	}
	p.ledger.Record(ledger.Event{
		Action:   ledger.ActionConfigUpdate,
		Resource: cfg.Source,
		Details:  map[string]any{"hash": cfg.Hash},
	})
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
