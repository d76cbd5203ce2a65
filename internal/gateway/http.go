package gateway

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aegiscore/aegis/internal/auth"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/killswitch"
	"github.com/aegiscore/aegis/internal/ledger"
	"github.com/aegiscore/aegis/internal/policy"
	"github.com/aegiscore/aegis/internal/simulate"
)

// Server is the Host-facing HTTP API: verify_intent, simulate_plan,
// agent_status, resurrect, and verify_ledger, each gated by a bearer
// token and the three-role RBAC model, plus the live event stream.
// GET /api/health and the /api/events stream take no token.
type Server struct {
	gw           *Gateway
	tokens       *auth.TokenManager
	authRequired bool
	hub          *EventHub
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger

	ruleLoader *policy.Loader
	rulePath   string
}

// NewServer builds the Host API server. If authRequired is false, every
// route is reachable with no token — intended for local development
// only.
func NewServer(gw *Gateway, tokens *auth.TokenManager, hub *EventHub, authRequired bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gw:           gw,
		tokens:       tokens,
		authRequired: authRequired,
		hub:          hub,
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "gateway.Server"),
	}
	s.registerRoutes()
	return s
}

// SetPolicyLoader wires the rule-source loader and the file path it
// reads from, so POST /api/policies/reload has something to call.
// runServe calls this once after NewServer, since the loader is built
// from config not known to NewServer's existing callers.
func (s *Server) SetPolicyLoader(loader *policy.Loader, rulePath string) {
	s.ruleLoader = loader
	s.rulePath = rulePath
}

// requireAuth wraps a handler with bearer-token authentication and RBAC.
func (s *Server) requireAuth(action string, next http.HandlerFunc) http.HandlerFunc {
	if !s.authRequired || s.tokens == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		sourceIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			sourceIP = host
		}
		token, err := s.tokens.ValidateToken(secret, sourceIP)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/verify_intent", s.requireAuth(auth.ActionVerifyIntent, s.handleVerifyIntent))
	s.mux.HandleFunc("POST /api/simulate_plan", s.requireAuth(auth.ActionSimulatePlan, s.handleSimulatePlan))
	s.mux.HandleFunc("GET /api/agents/{id}/status", s.requireAuth(auth.ActionAgentStatus, s.handleAgentStatus))
	s.mux.HandleFunc("POST /api/agents/{id}/resurrect", s.requireAuth(auth.ActionResurrect, s.handleResurrect))
	s.mux.HandleFunc("GET /api/ledger/verify", s.requireAuth(auth.ActionVerifyLedger, s.handleVerifyLedger))
	s.mux.HandleFunc("GET /api/ledger/export", s.requireAuth(auth.ActionLedgerExport, s.handleExportLedger))

	s.mux.HandleFunc("GET /api/policies", s.requireAuth(auth.ActionAgentStatus, s.handleListRules))
	s.mux.HandleFunc("POST /api/policies/reload", s.requireAuth(auth.ActionPolicyReload, s.handlePolicyReload))

	s.mux.HandleFunc("POST /api/tokens", s.requireAuth(auth.ActionTokenCreate, s.handleCreateToken))

	s.mux.HandleFunc("POST /api/killswitch/trigger", s.requireAuth(auth.ActionResurrect, s.handleTriggerKillSwitch))

	if s.hub != nil {
		s.mux.HandleFunc("GET /api/events", s.hub.HandleWebSocket)
	}
}

// Handler returns the HTTP handler, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the Host API on addr until the process exits or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("host API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVerifyIntent(w http.ResponseWriter, r *http.Request) {
	var intent kernel.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent payload")
		return
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = time.Now().UTC()
	}

	decision, err := s.gw.VerifyIntent(r.Context(), intent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, decision)
}

func (s *Server) handleSimulatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan         kernel.Plan                 `json:"plan"`
		Hypothetical *simulate.HypotheticalState `json:"hypothetical,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan payload")
		return
	}

	if req.Hypothetical != nil {
		writeJSON(w, s.gw.WhatIf(r.Context(), req.Plan.AgentID, req.Plan, *req.Hypothetical))
		return
	}

	result, err := s.gw.SimulatePlan(r.Context(), req.Plan.AgentID, req.Plan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, s.gw.AgentStatus(id))
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		AdminID string `json:"admin_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ok, msg := s.gw.Resurrect(r.Context(), id, req.AdminID, req.Reason)
	if !ok {
		writeError(w, http.StatusConflict, msg)
		return
	}
	writeJSON(w, map[string]string{"status": "resurrected", "message": msg})
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	ok, brokenID, err := s.gw.VerifyLedger(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": ok, "first_broken_id": brokenID})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"rules": s.gw.ListRules()})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.ruleLoader == nil {
		writeError(w, http.StatusNotImplemented, "no rule source configured at startup")
		return
	}
	if err := s.ruleLoader.LoadAndApply(s.rulePath, os.ReadFile); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"status": "reloaded", "rules": s.gw.ListRules()})
}

func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	filter := ledger.Filter{
		Kind:    kernel.EventKind(r.URL.Query().Get("kind")),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	entries, err := s.gw.ExportLedger(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role     auth.Role `json:"role"`
		AgentID  string    `json:"agent_id,omitempty"`
		SourceIP string    `json:"source_ip,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	token, err := s.tokens.CreateToken(req.Role, req.AgentID, req.SourceIP)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, token)
}

func (s *Server) handleTriggerKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope    killswitch.Scope `json:"scope"`
		TargetID string           `json:"target_id"`
		Reason   string           `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	switch req.Scope {
	case killswitch.ScopeGlobal, killswitch.ScopeAgent, killswitch.ScopeSession:
	default:
		writeError(w, http.StatusBadRequest, "invalid scope: use global, agent, or session")
		return
	}

	s.gw.TriggerKillSwitch(r.Context(), req.Scope, req.TargetID, req.Reason, "api")
	writeJSON(w, map[string]string{"status": "triggered"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
