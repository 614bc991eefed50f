package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgeai/forgeguard/internal/ledger"
)

type ctxKey int

const subjectKey ctxKey = iota

// openPaths bypass auth and rate limiting.
var openPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Subject returns the JWT subject attached by the auth middleware.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// rateLimitMiddleware applies the global rule per client IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := s.clientIP(r)
		res := s.limiter.Consume("ip:"+ip, "global")
		if res.Remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			s.ledger.Record(ledger.Event{
				Action:    ledger.ActionRateLimitExceeded,
				IPAddress: ip,
				Resource:  r.URL.Path,
				Failed:    true,
				RiskLevel: ledger.RiskHigh,
				Details: map[string]any{
					"rule":        res.Rule,
					"method":      r.Method,
					"retry_after": res.RetryAfterSeconds(),
				},
			})
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates an HS256 bearer token when a secret is set.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == nil || openPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		subject, reason := s.verifyToken(bearerToken(r))
		if reason != "" {
			s.ledger.Record(ledger.Event{
				Action:    ledger.ActionAuthLoginFailed,
				IPAddress: s.clientIP(r),
				Resource:  r.URL.Path,
				Failed:    true,
				Details:   map[string]any{"reason": reason},
			})
			w.Header().Set("WWW-Authenticate", `Bearer realm="forgeguard"`)
			writeError(w, http.StatusUnauthorized, reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

// verifyToken returns the token subject, or a non-empty reason when the
// token is missing or invalid.
func (s *Server) verifyToken(raw string) (string, string) {
	if raw == "" {
		return "", "missing bearer token"
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", "invalid token"
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", "invalid token claims"
	}
	return sub, ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if r.URL.Path == "/api/v1/alerts/stream" {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// clientIP returns the peer address unless the peer is a trusted proxy.
// Behind trusted proxies it walks X-Forwarded-For from the right and takes
// the first hop that is not itself trusted. Hops left of that point are
// client-supplied and ignored.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.trusted(peer) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	client := peer.Unmap()
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop.Unmap()
		if !s.trusted(client) {
			break
		}
	}
	return client.String()
}

func (s *Server) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
