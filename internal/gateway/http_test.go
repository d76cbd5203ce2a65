package gateway

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aegiscore/aegis/internal/auth"
	"github.com/aegiscore/aegis/internal/kernel"
)

func TestServerHealthIsAlwaysPublic(t *testing.T) {
	gw := newTestGateway(t)
	srv := NewServer(gw, nil, nil, false, discardLogger())

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerVerifyIntentWithoutAuthRequired(t *testing.T) {
	gw := newTestGateway(t)
	srv := NewServer(gw, nil, nil, false, discardLogger())

	intent := kernel.Intent{ID: "i1", AgentID: "agent-1", Timestamp: time.Now().UTC(), Tool: "read_file"}
	body, _ := json.Marshal(intent)

	req := httptest.NewRequest("POST", "/api/verify_intent", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var decision kernel.VerifyDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.Decision != kernel.Allow {
		t.Errorf("Decision = %v, want ALLOW", decision.Decision)
	}
}

func TestServerRequiresAuthWhenEnabled(t *testing.T) {
	gw := newTestGateway(t)
	tokens := auth.NewTokenManager(time.Hour, discardLogger())
	srv := NewServer(gw, tokens, nil, true, discardLogger())

	req := httptest.NewRequest("POST", "/api/verify_intent", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 without a token", rec.Code)
	}
}

func TestServerAcceptsValidToken(t *testing.T) {
	gw := newTestGateway(t)
	tokens := auth.NewTokenManager(time.Hour, discardLogger())
	srv := NewServer(gw, tokens, nil, true, discardLogger())

	token, err := tokens.CreateToken(auth.RoleAgent, "agent-1", "")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	intent := kernel.Intent{ID: "i1", AgentID: "agent-1", Timestamp: time.Now().UTC(), Tool: "read_file"}
	body, _ := json.Marshal(intent)

	req := httptest.NewRequest("POST", "/api/verify_intent", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestServerRejectsInsufficientRole(t *testing.T) {
	gw := newTestGateway(t)
	tokens := auth.NewTokenManager(time.Hour, discardLogger())
	srv := NewServer(gw, tokens, nil, true, discardLogger())

	token, err := tokens.CreateToken(auth.RoleAgent, "agent-1", "")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/agents/agent-1/resurrect", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token.Secret)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403 for an agent-role token calling resurrect", rec.Code)
	}
}

func TestServerTriggerKillSwitchValidatesScope(t *testing.T) {
	gw := newTestGateway(t)
	srv := NewServer(gw, nil, nil, false, discardLogger())

	req := httptest.NewRequest("POST", "/api/killswitch/trigger", bytes.NewReader([]byte(`{"scope":"bogus","target_id":"x","reason":"test"}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400 for an invalid scope", rec.Code)
	}
}
