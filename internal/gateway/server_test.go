package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/cron"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/workflow"
)

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Model.Provider = "anthropic"
	cfg.Model.Name = "claude-sonnet-4-5"
	if mutate != nil {
		mutate(cfg)
	}

	store := newTestStore(t)
	orch := NewOrchestrator(store, passthroughPrepare, discardLogger())
	t.Cleanup(orch.Close)

	cronSvc := cron.NewService(func(ctx context.Context, job cron.JobConfig, sessionName string) error {
		return nil
	}, discardLogger())
	t.Cleanup(cronSvc.Stop)

	engine := workflow.NewEngine(
		[]*workflow.Workflow{{
			Name:        "greet",
			Description: "Say hello",
			Parameters:  map[string]workflow.Parameter{"who": {Type: "string"}},
			Steps:       []workflow.Step{{Name: "hello", Prompt: "Greet {{ parameters.who }}"}},
		}},
		func(name string) (string, error) { return "sess-1", nil },
		func(ctx context.Context, sessionID, prompt string) (workflow.StepOutcome, error) {
			return workflow.StepOutcome{Output: "hi"}, nil
		},
		discardLogger(),
	)

	return NewServer(Deps{
		Config:       func() *config.Config { return cfg },
		Sessions:     store,
		Orchestrator: orch,
		Cron:         func() *cron.Service { return cronSvc },
		Workflows:    func() *workflow.Engine { return engine },
		Logger:       discardLogger(),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := testServer(t, nil).BuildMux()
	rec := doRequest(t, h, "GET", "/health", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSessionsAPI(t *testing.T) {
	h := testServer(t, nil).BuildMux()

	rec := doRequest(t, h, "POST", "/api/sessions", `{"name":"triage"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var meta sessions.Metadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Name != "triage" || meta.Model != "claude-sonnet-4-5" {
		t.Errorf("meta = %+v", meta)
	}

	rec = doRequest(t, h, "GET", "/api/sessions", "")
	var items []sessions.ListItem
	json.Unmarshal(rec.Body.Bytes(), &items)
	if rec.Code != http.StatusOK || len(items) != 1 || items[0].ID != meta.ID {
		t.Errorf("list = %d %+v", rec.Code, items)
	}

	rec = doRequest(t, h, "GET", "/api/sessions/"+meta.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
	rec = doRequest(t, h, "GET", "/api/sessions/01ARZ3NDEKTSV4RRFFQ69G5FAV", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d", rec.Code)
	}

	rec = doRequest(t, h, "DELETE", "/api/sessions/"+meta.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = doRequest(t, h, "DELETE", "/api/sessions/"+meta.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again = %d", rec.Code)
	}
}

func TestCronAPI(t *testing.T) {
	h := testServer(t, nil).BuildMux()

	rec := doRequest(t, h, "GET", "/api/cron", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("cron list = %d %q", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, "POST", "/api/cron/nope/pause", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("pause unknown = %d", rec.Code)
	}
}

func TestWorkflowsAPI(t *testing.T) {
	h := testServer(t, nil).BuildMux()

	rec := doRequest(t, h, "GET", "/api/workflows", "")
	var infos []workflowInfo
	json.Unmarshal(rec.Body.Bytes(), &infos)
	if rec.Code != http.StatusOK || len(infos) != 1 || infos[0].Name != "greet" || infos[0].Steps != 1 {
		t.Fatalf("workflows = %d %+v", rec.Code, infos)
	}

	rec = doRequest(t, h, "POST", "/api/workflows/greet/run", `{"parameters":{"who":"ops"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d %s", rec.Code, rec.Body.String())
	}
	var res workflow.Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Success || len(res.Steps) != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = doRequest(t, h, "POST", "/api/workflows/greet/run", `{"parameters":{"bogus":1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad params = %d", rec.Code)
	}
	rec = doRequest(t, h, "POST", "/api/workflows/missing/run", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing workflow = %d", rec.Code)
	}
}

func TestIdentityMiddleware(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedUsers = []string{"alice@example.com"}
	})
	h := s.BuildMux()

	// httptest requests originate from 192.0.2.1, a non-loopback address.
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("no identity = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Tailscale-User-Login", "alice@example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("allowed identity = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Tailscale-User-Login", "mallory@example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unknown identity = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback bypass = %d, want 200", rec.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := testServer(t, nil)
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	if !open.checkOrigin(req) {
		t.Error("no configured origins should allow all")
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(2, 2)
	if !l.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	if !l.Allow("c1") || !l.Allow("c1") {
		t.Error("burst requests should pass")
	}
	if l.Allow("c1") {
		t.Error("third immediate request should be limited")
	}
	// Another client has its own bucket.
	if !l.Allow("c2") {
		t.Error("separate client should pass")
	}

	off := NewRateLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !off.Allow("c1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}
