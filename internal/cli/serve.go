package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/api"
	"github.com/forgeai/forgeguard/internal/config"
)

const shutdownTimeout = 15 * time.Second

var (
	serveAddr     string
	serveNoReload bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides api.addr)")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "Disable config hot-reload")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API and background tasks",
	Long: "Runs the ledger flush loop, rate-limit cleanup and the operator HTTP API.\n" +
		"Rate-limit rules and threat settings are hot-reloaded when the config file changes.\n" +
		"SIGINT or SIGTERM flushes the ledger and shuts down gracefully.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	p.start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		p.shutdown(shutdownCtx)
	}()

	if !serveNoReload {
		watcher, err := config.NewWatcher(configPath, cfg, p.applyConfig, p.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					p.logger.Warn("config watcher stopped", "error", err)
				}
			}()
		}
	}

	proxies, err := cfg.API.ProxyPrefixes()
	if err != nil {
		return err
	}
	srv := api.New(api.Options{
		Ledger:         p.ledger,
		Limiter:        p.limiter,
		Scanner:        p.scanner,
		Guard:          p.guard,
		Dispatcher:     p.dispatcher,
		Gatherer:       p.registry,
		Logger:         p.logger,
		CORSOrigins:    cfg.API.CORSOrigins,
		JWTSecret:      cfg.API.JWTSecret,
		TrustedProxies: proxies,
	})

	fmt.Fprintf(os.Stderr, "forgeguard listening on %s\n", cfg.API.Addr)
	if cfg.Source != "" {
		fmt.Fprintf(os.Stderr, "Config: %s\n", cfg.Source)
	}
	fmt.Fprintf(os.Stderr, "Ledger store: %s\n", cfg.Ledger.Store.Driver)
	if cfg.API.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "warning: api.jwt_secret not set; operator API is unauthenticated")
	}
	fmt.Fprintln(os.Stderr)

	err = srv.ListenAndServe(ctx, cfg.API.Addr)
	fmt.Fprintln(os.Stderr, "\nShutting down...")
	return err
}
