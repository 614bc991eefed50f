package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/forgeai/forgeguard/internal/enforce"
	"github.com/forgeai/forgeguard/internal/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"degraded": s.ledger.Degraded(),
		"buffered": s.ledger.Buffered(),
	})
}

// parseFilter reads the audit query parameters.
func parseFilter(q url.Values) (ledger.Filter, error) {
	f := ledger.Filter{
		ActorUserID: q.Get("actor"),
		SessionID:   q.Get("session"),
	}
	if v := q.Get("action"); v != "" {
		a, err := ledger.ParseAction(v)
		if err != nil {
			return f, err
		}
		f.Action = a
	}
	if v := q.Get("risk"); v != "" {
		r, err := ledger.ParseRiskLevel(v)
		if err != nil {
			return f, err
		}
		f.RiskLevel = r
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid success %q", v)
		}
		f.Success = ledger.Bool(b)
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q: want RFC3339", p.name, v)
			}
			*p.dst = t
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s %q", p.name, v)
			}
			*p.dst = n
		}
	}
	return f, nil
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := ledger.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = ledger.ParseFormat(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	body, err := s.ledger.Export(r.Context(), f, format)
	if err != nil {
		s.logger.Error("audit export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if format == ledger.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.ledger.VerifyIntegrity(r.Context(), limit))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Error("audit stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type scanRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scanner.Analyze(req.Text))
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.limiter.Rules()})
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, rule := q.Get("identifier"), q.Get("rule")
	if id == "" || rule == "" {
		writeError(w, http.StatusBadRequest, "identifier and rule are required")
		return
	}
	st, ok := s.limiter.Status(id, rule)
	if !ok {
		writeError(w, http.StatusNotFound, "no active bucket")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type messageRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
}

type toolRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Tool      string `json:"tool"`
	Input     string `json:"input"`
}

func (s *Server) handleEnforceMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := s.guard.CheckMessage(r.Context(), enforce.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Channel:   req.Channel,
		IPAddress: s.clientIP(r),
		Text:      req.Text,
	})
	writeDecision(w, d)
}

func (s *Server) handleEnforceTool(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	d := s.guard.CheckTool(r.Context(), enforce.ToolCall{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Channel:   req.Channel,
		IPAddress: s.clientIP(r),
		Tool:      req.Tool,
		Input:     req.Input,
	})
	writeDecision(w, d)
}

// writeDecision always answers 200; the outcome is in the body. A rate
// limited decision also carries Retry-After.
func writeDecision(w http.ResponseWriter, d enforce.Decision) {
	body := struct {
		enforce.Decision
		Reason string `json:"reason,omitempty"`
	}{Decision: d}
	var enfErr *enforce.EnforcementError
	if d.Err != nil && errors.As(error(d.Err), &enfErr) {
		body.Reason = enfErr.Reason
	}
	if d.Outcome == enforce.RateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(d.RateLimit.RetryAfterSeconds()))
	}
	writeJSON(w, http.StatusOK, body)
}
