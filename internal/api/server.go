// Package api is the operator HTTP surface: audit queries and export,
// integrity verification, stats, a live alert stream, scanning, rate-limit
// inspection and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/forgeai/forgeguard/internal/alert"
	"github.com/forgeai/forgeguard/internal/enforce"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/ratelimit"
	"github.com/forgeai/forgeguard/internal/threat"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Options wires the server to the running components. Dispatcher and
// Gatherer are optional; without them the alert stream and /metrics are
// not mounted. Auth is enabled when JWTSecret is set. X-Forwarded-For is
// read only from peers inside TrustedProxies.
type Options struct {
	Ledger     *ledger.Ledger
	Limiter    *ratelimit.Limiter
	Scanner    *threat.Scanner
	Guard      *enforce.Guard
	Dispatcher *alert.Dispatcher
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger

	CORSOrigins    []string
	JWTSecret      string
	TrustedProxies []netip.Prefix
}

// Server routes operator requests.
type Server struct {
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	scanner *threat.Scanner
	guard   *enforce.Guard
	hub     *Hub
	logger  *slog.Logger
	secret  []byte
	origins []string
	proxies []netip.Prefix

	router  *mux.Router
	handler http.Handler
}

// New builds the router and middleware chain.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		ledger:  opts.Ledger,
		limiter: opts.Limiter,
		scanner: opts.Scanner,
		guard:   opts.Guard,
		logger:  opts.Logger,
		origins: opts.CORSOrigins,
		proxies: opts.TrustedProxies,
		router:  mux.NewRouter(),
	}
	if opts.JWTSecret != "" {
		s.secret = []byte(opts.JWTSecret)
	}
	if opts.Dispatcher != nil {
		s.hub = NewHub(opts.Logger)
		opts.Dispatcher.OnAlert("stream", s.hub.Publish)
	}

	r := s.router
	r.Use(s.rateLimitMiddleware, s.authMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/audit/entries", s.handleEntries).Methods(http.MethodGet)
	v1.HandleFunc("/audit/verify", s.handleVerify).Methods(http.MethodGet)
	v1.HandleFunc("/audit/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimit/rules", s.handleRules).Methods(http.MethodGet)
	v1.HandleFunc("/ratelimit/status", s.handleRateStatus).Methods(http.MethodGet)
	if s.guard != nil {
		v1.HandleFunc("/enforce/message", s.handleEnforceMessage).Methods(http.MethodPost)
		v1.HandleFunc("/enforce/tool", s.handleEnforceTool).Methods(http.MethodPost)
	}
	if s.hub != nil {
		v1.HandleFunc("/alerts/stream", s.handleStream).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(r)
	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the alert stream hub, or nil when no dispatcher was given.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and closes the alert stream.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", ln.Addr().String(), "auth", s.secret != nil)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
