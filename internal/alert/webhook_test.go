package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeai/forgeguard/internal/ledger"
)

func init() {
	backoffUnit = 10 * time.Millisecond
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(action ledger.Action, risk ledger.RiskLevel) ledger.Entry {
	return ledger.Entry{
		ID:          "entry-1",
		Sequence:    7,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Action:      action,
		ActorUserID: "u-42",
		Channel:     "slack",
		IPAddress:   "10.0.0.9",
		Details:     map[string]any{"tool": "code_run", "attempt": 2},
		Success:     false,
		RiskLevel:   risk,
	}
}

func TestBuildSeverity(t *testing.T) {
	a := Build(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
	if a.SourceEntryID != "entry-1" || a.Action != "tool.blocked" {
		t.Errorf("unexpected source fields: %+v", a)
	}
	if a.ID == "" {
		t.Error("alert id is empty")
	}

	a = Build(testEntry(ledger.ActionAuthLoginFailed, ledger.RiskHigh))
	if a.Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", a.Severity)
	}
	if a.Title != "Failed Login Attempt" {
		t.Errorf("title = %q", a.Title)
	}
}

func TestTitleFallback(t *testing.T) {
	if got := Title("custom.thing"); got != "Security Event: custom.thing" {
		t.Errorf("Title = %q", got)
	}
}

func TestMessageLines(t *testing.T) {
	got := Message(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	want := strings.Join([]string{
		"Action: tool.blocked",
		"Risk: CRITICAL",
		"Status: failed",
		"User: u-42",
		"IP: 10.0.0.9",
		"Channel: slack",
		`Details: {"attempt":2,"tool":"code_run"}`,
	}, "\n")
	if got != want {
		t.Errorf("Message =\n%s\nwant\n%s", got, want)
	}

	bare := ledger.Entry{Action: ledger.ActionVaultUpdate, Success: true, RiskLevel: ledger.RiskHigh}
	if got := Message(bare); got != "Action: vault.update\nRisk: HIGH\nStatus: success" {
		t.Errorf("bare Message = %q", got)
	}
}

func TestWebhookConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     WebhookConfig
		wantErr bool
	}{
		{"ok", WebhookConfig{URL: "https://hooks.example.com/x"}, false},
		{"slack", WebhookConfig{URL: "http://localhost:9000", Format: "slack"}, false},
		{"no scheme", WebhookConfig{URL: "hooks.example.com"}, true},
		{"bad format", WebhookConfig{URL: "https://a.b", Format: "teams"}, true},
		{"bad severity", WebhookConfig{URL: "https://a.b", Severities: []string{"info"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandlerName(t *testing.T) {
	if got := (WebhookConfig{Name: "ops"}).HandlerName(); got != "ops" {
		t.Errorf("HandlerName = %q", got)
	}
	if got := (WebhookConfig{URL: "https://hooks.example.com/x"}).HandlerName(); got != "webhook:hooks.example.com" {
		t.Errorf("HandlerName = %q", got)
	}
}

func TestWebhookPostsGeneric(t *testing.T) {
	var got Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := Webhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	a := Build(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	if err := h(context.Background(), a); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got.ID != a.ID || got.Severity != SeverityCritical {
		t.Errorf("server got %+v", got)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookFilters(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := Webhook(WebhookConfig{
		URL:        srv.URL,
		Severities: []string{"critical"},
		Actions:    []string{"tool.blocked"},
	})
	ctx := context.Background()

	_ = h(ctx, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskHigh)))
	_ = h(ctx, Build(testEntry(ledger.ActionVaultUpdate, ledger.RiskCritical)))
	if called.Load() != 0 {
		t.Fatalf("filtered alerts were delivered: %d", called.Load())
	}
	_ = h(ctx, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical)))
	if called.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", called.Load())
	}
}

func TestWebhookRetryOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), WebhookConfig{URL: srv.URL}, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskHigh)))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestWebhookNoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), WebhookConfig{URL: srv.URL}, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskHigh)))
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestWebhookGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Send(context.Background(), WebhookConfig{URL: srv.URL}, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskHigh)))
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if attempts.Load() != maxRetries {
		t.Errorf("expected %d attempts, got %d", maxRetries, attempts.Load())
	}
}

func TestWebhookCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Send(ctx, WebhookConfig{URL: srv.URL}, Build(testEntry(ledger.ActionToolBlocked, ledger.RiskHigh)))
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFormatSlack(t *testing.T) {
	body, err := FormatPayload("slack", Build(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical)))
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, ":rotating_light:") || !strings.Contains(text, "Dangerous Tool Call Blocked") {
		t.Errorf("text = %q", text)
	}
	blocks, _ := payload["blocks"].([]any)
	if len(blocks) != 3 {
		t.Errorf("expected 3 blocks, got %d", len(blocks))
	}
}

func TestFormatPagerDuty(t *testing.T) {
	body, err := FormatPayload("pagerduty", Build(testEntry(ledger.ActionAuthLoginFailed, ledger.RiskHigh)))
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		EventAction string `json:"event_action"`
		DedupKey    string `json:"dedup_key"`
		Payload     struct {
			Severity string `json:"severity"`
			Source   string `json:"source"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.EventAction != "trigger" || payload.DedupKey != "entry-1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Payload.Severity != "warning" || payload.Payload.Source != "forgeguard" {
		t.Errorf("inner payload = %+v", payload.Payload)
	}
}

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) handle(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestDispatcherIsolatesFailingHandlers(t *testing.T) {
	d := NewDispatcher(Options{Logger: quietLogger()})
	rec := &recorder{}
	d.OnAlert("erroring", func(context.Context, Alert) error { return errors.New("boom") })
	d.OnAlert("panicking", func(context.Context, Alert) error { panic("kaboom") })
	d.OnAlert("recorder", rec.handle)

	l, err := ledger.Open(context.Background(), nil, ledger.Config{Logger: quietLogger(), Notifier: d})
	if err != nil {
		t.Fatal(err)
	}

	l.Record(ledger.Event{Action: ledger.ActionVaultUpdate})                    // critical
	l.Record(ledger.Event{Action: ledger.ActionAuthLoginFailed, Failed: true}) // high
	l.Record(ledger.Event{Action: ledger.ActionAuthLogin})                     // low, no alert
	d.Wait()

	if rec.count() != 2 {
		t.Errorf("recorder saw %d alerts, want 2", rec.count())
	}
	if d.Sent() != 2 {
		t.Errorf("Sent = %d, want 2", d.Sent())
	}
	if d.Failed() != 4 {
		t.Errorf("Failed = %d, want 4", d.Failed())
	}
	if l.AlertsSent() != 2 {
		t.Errorf("ledger AlertsSent = %d, want 2", l.AlertsSent())
	}
	if l.Buffered() != 3 {
		t.Errorf("ledger buffered %d entries, want 3", l.Buffered())
	}
}

func TestDispatcherHandlerTimeout(t *testing.T) {
	d := NewDispatcher(Options{Logger: quietLogger(), HandlerTimeout: 20 * time.Millisecond})
	var cancelled atomic.Bool
	d.OnAlert("slow", func(ctx context.Context, _ Alert) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	d.Notify(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	d.Wait()
	if !cancelled.Load() {
		t.Error("handler context was not cancelled")
	}
	if d.Failed() != 1 {
		t.Errorf("Failed = %d, want 1", d.Failed())
	}
}

func TestDispatcherCloseDropsLateAlerts(t *testing.T) {
	d := NewDispatcher(Options{Logger: quietLogger()})
	rec := &recorder{}
	d.OnAlert("recorder", rec.handle)

	d.Notify(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	d.Notify(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	d.Wait()

	if rec.count() != 1 {
		t.Errorf("recorder saw %d alerts, want 1", rec.count())
	}
}

func TestDispatcherWithoutHandlers(t *testing.T) {
	d := NewDispatcher(Options{Logger: quietLogger()})
	d.Notify(testEntry(ledger.ActionToolBlocked, ledger.RiskCritical))
	d.Wait()
	if d.Sent() != 1 {
		t.Errorf("Sent = %d, want 1", d.Sent())
	}
}
