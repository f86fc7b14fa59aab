package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/speaker"
	"go.uber.org/zap"
)

// mockSessions implements SessionSource for testing.
type mockSessions struct {
	statuses []speaker.Status
}

func (m *mockSessions) Sessions() []speaker.Status { return m.statuses }

func (m *mockSessions) EstablishedCount() int {
	n := 0
	for _, st := range m.statuses {
		if st.State == "established" {
			n++
		}
	}
	return n
}

// mockProducer implements ProducerChecker for testing.
type mockProducer struct {
	err error
}

func (m *mockProducer) Ping(_ context.Context) error { return m.err }

func sessionsWithState(state string) *mockSessions {
	return &mockSessions{statuses: []speaker.Status{
		{Name: "r1", Address: "192.0.2.2", State: state},
	}}
}

func readyz(t *testing.T, s *Server) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_NoEstablishedSession(t *testing.T) {
	s := NewServer(":0", sessionsWithState("open_sent"), nil, zap.NewNop())

	code, body := readyz(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["bgp"] != "no_established_session" {
		t.Errorf("expected bgp 'no_established_session', got '%v'", checks["bgp"])
	}
	if _, ok := checks["kafka"]; ok {
		t.Error("expected no kafka check without a producer")
	}
}

func TestReadyz_EstablishedWithoutProducer(t *testing.T) {
	s := NewServer(":0", sessionsWithState("established"), nil, zap.NewNop())

	code, body := readyz(t, s)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
}

func TestReadyz_ProducerDown(t *testing.T) {
	s := NewServer(":0", sessionsWithState("established"), &mockProducer{err: errors.New("no brokers")}, zap.NewNop())

	code, body := readyz(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (producer down), got %d", code)
	}
	checks := body["checks"].(map[string]any)
	if checks["bgp"] != "ok" {
		t.Errorf("expected bgp 'ok', got '%v'", checks["bgp"])
	}
	if checks["kafka"] != "error" {
		t.Errorf("expected kafka 'error', got '%v'", checks["kafka"])
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	s := NewServer(":0", sessionsWithState("established"), &mockProducer{}, zap.NewNop())

	code, body := readyz(t, s)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	checks := body["checks"].(map[string]any)
	if checks["kafka"] != "ok" {
		t.Errorf("expected kafka 'ok', got '%v'", checks["kafka"])
	}
}

func TestSessions_JSON(t *testing.T) {
	s := NewServer(":0", &mockSessions{statuses: []speaker.Status{
		{Name: "r1", Address: "192.0.2.2", State: "established", PeerASN: 64513, RouterID: "192.0.2.2", HoldTimeSeconds: 90, Families: []string{"ipv4-unicast"}},
		{Name: "r2", Address: "2001:db8::2", State: "idle", LastError: "connection refused"},
	}}, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	s.handleSessions(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body struct {
		Sessions []speaker.Status `json:"sessions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(body.Sessions))
	}
	if got := body.Sessions[0]; got.PeerASN != 64513 || got.HoldTimeSeconds != 90 || got.Families[0] != "ipv4-unicast" {
		t.Errorf("unexpected first session %+v", got)
	}
	if got := body.Sessions[1]; got.State != "idle" || got.LastError != "connection refused" {
		t.Errorf("unexpected second session %+v", got)
	}
}

func TestSessions_NoSource(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	s.handleSessions(w, req)

	var body map[string][]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sessions, ok := body["sessions"]; !ok || len(sessions) != 0 {
		t.Errorf("expected empty sessions list, got %v", body)
	}
}
