package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/migrate"
)

func newTestServer(t *testing.T, auth AuthConfig) (http.Handler, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("run-api")
	cfg.Run.Goal = "test the API"
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h, err := New(context.Background(), Config{Engine: e, Auth: auth})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return h, e
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{cursors: make(map[int]int64)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{JWTSecret: "sekrit"})
	rec := doJSON(t, h, http.MethodGet, "/v0/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBearerAuthEnforced(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{JWTSecret: "sekrit"})

	rec := doJSON(t, h, http.MethodGet, "/v0/agents", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code %s", envelope.Error.Code)
	}

	claims := jwt.MapClaims{"sub": "operator", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("sekrit"))
	if err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, "/v0/agents", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong"))
	if err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, h, http.MethodGet, "/v0/agents", nil, badToken)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestServer(t, AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/v0/runs", StartRunRequest{Goal: "ship it"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run: %d %s", rec.Code, rec.Body.String())
	}
	var run domain.Run
	decodeBody(t, rec, &run)

	rec = doJSON(t, h, http.MethodPost, "/v0/agents", RegisterAgentRequest{Name: "alpha", Capabilities: []string{"triage"}}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register agent: %d %s", rec.Code, rec.Body.String())
	}
	var agent domain.Agent
	decodeBody(t, rec, &agent)

	rec = doJSON(t, h, http.MethodPost, "/v0/contracts", OpenContractRequest{
		PhaseOrd:   1,
		Capability: "triage",
		Payload:    map[string]any{"task": "sort the backlog"},
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open contract: %d %s", rec.Code, rec.Body.String())
	}
	var c ContractResponse
	decodeBody(t, rec, &c)
	if c.Status != "open" || c.AgentID != agent.ID {
		t.Fatalf("contract %+v", c)
	}

	clock := c.OpenClock.Copy()
	clock[agent.ID]++
	output := map[string]any{
		"summary":    "backlog sorted",
		"artifacts":  []string{"/docs/triage.md"},
		"references": []string{"commit 4f2a9c1 in /docs/triage.md"},
	}
	rec = doJSON(t, h, http.MethodPost, "/v0/contracts/"+c.ID+"/deliver", DeliverContractRequest{
		AgentID: agent.ID, Output: output, Clock: clock,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/contracts/"+c.ID+"/review", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	var result domain.ValidationResult
	decodeBody(t, rec, &result)
	if !result.Pass {
		t.Fatalf("violations %+v", result.Violations)
	}

	rec = doJSON(t, h, http.MethodGet, "/v0/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	var status StatusResponse
	decodeBody(t, rec, &status)
	if status.Contracts["accepted"] != 1 {
		t.Fatalf("status %+v", status)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	h, e := newTestServer(t, AuthConfig{})

	rec := doJSON(t, h, http.MethodPost, "/v0/runs", StartRunRequest{}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v0/agents", RegisterAgentRequest{Name: "alpha", Capabilities: []string{"triage"}}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}
	var agent domain.Agent
	decodeBody(t, rec, &agent)

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}

	rec = doJSON(t, h, http.MethodGet, "/v0/contracts/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %s", envelope.Error.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/contracts", OpenContractRequest{PhaseOrd: 1, Capability: "coding"}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "capability_unavailable" {
		t.Fatalf("code %s", envelope.Error.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v0/contracts", OpenContractRequest{
		PhaseOrd: 1, Capability: "triage",
		Deadline: e.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "no_deadline_slack" {
		t.Fatalf("code %s", envelope.Error.Code)
	}

	// A delivery whose clock shows no agent progress is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/v0/contracts", OpenContractRequest{PhaseOrd: 1, Capability: "triage"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: %d", rec.Code)
	}
	var c ContractResponse
	decodeBody(t, rec, &c)
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v0/contracts/%s/deliver", c.ID), DeliverContractRequest{
		AgentID: agent.ID,
		Output:  map[string]any{"summary": "x"},
		Clock:   c.OpenClock,
	}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "clock_regression" {
		t.Fatalf("code %s", envelope.Error.Code)
	}
}
