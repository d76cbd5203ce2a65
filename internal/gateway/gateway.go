// Package gateway is the composition root: it wires the kill-switch,
// Policy Engine, Drift Engine, Plan Simulator, and Signed Audit Ledger
// into one VerifyIntent admission call, and exposes the Host-visible
// core API over HTTP and a WebSocket event stream.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegiscore/aegis/internal/alert"
	"github.com/aegiscore/aegis/internal/drift"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/killswitch"
	"github.com/aegiscore/aegis/internal/ledger"
	"github.com/aegiscore/aegis/internal/policy"
	"github.com/aegiscore/aegis/internal/simulate"
)

// throttleRate is the enforcement rate limit applied while an agent is
// in THROTTLE: actions allowed per rolling minute.
const throttleRate = 10

// Gateway mediates every tool invocation through verify_intent: every
// call passes kill-switch, policy, and drift in that order before a
// ledger entry is ever written, matching SPEC_FULL §2's pipeline.
type Gateway struct {
	killSwitch   *killswitch.KillSwitch
	policyEngine *policy.Engine
	driftEngine  *drift.Engine
	simulator    *simulate.Simulator
	ledger       *ledger.Ledger
	alerts       *alert.Manager
	hub          *EventHub
	limiter      *throttleLimiter
	logger       *slog.Logger
}

// New assembles a Gateway from its already-constructed subsystems. hub
// may be nil if the caller does not want a live event stream.
func New(ks *killswitch.KillSwitch, pe *policy.Engine, de *drift.Engine, sim *simulate.Simulator, led *ledger.Ledger, alerts *alert.Manager, hub *EventHub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		killSwitch:   ks,
		policyEngine: pe,
		driftEngine:  de,
		simulator:    sim,
		ledger:       led,
		alerts:       alerts,
		hub:          hub,
		limiter:      newThrottleLimiter(throttleRate, time.Minute),
		logger:       logger.With("component", "gateway.Gateway"),
	}
	if pe != nil {
		pe.SetCrashHook(g.onRuleCrash)
	}
	return g
}

// onRuleCrash is the Policy Engine's CrashHook: a rule panic is already
// converted to a Deny outcome by the engine itself, but SPEC_FULL's
// failure semantics additionally require the crash be recorded as its
// own DRIFT_ALERT severity=CRITICAL ledger entry, distinct from the
// INTENT_VERIFIED entry VerifyIntent writes for the denied intent.
func (g *Gateway) onRuleCrash(ruleID, agentID, intentID string, recovered any) {
	if _, err := g.ledger.Append(context.Background(), kernel.EventDriftAlert, agentID, map[string]any{
		"severity":    "CRITICAL",
		"rule_id":     ruleID,
		"intent_id":   intentID,
		"explanation": fmt.Sprintf("policy rule %s panicked: %v", ruleID, recovered),
	}); err != nil {
		g.logger.Warn("failed to append rule-crash drift alert entry", "rule_id", ruleID, "error", err)
	}
}

// actionCount backs policy.Context.ActionCountFunc: it counts the
// actor's non-denied INTENT_VERIFIED ledger entries for actionType
// within the trailing window, the basis for rules like the daily quota.
func (g *Gateway) actionCount(ctx context.Context, agentID, actionType string, window time.Duration) int {
	entries, err := g.ledger.Export(ctx, ledger.Filter{Kind: kernel.EventIntentVerified, AgentID: agentID})
	if err != nil {
		g.logger.Warn("action count: ledger export failed", "agent_id", agentID, "error", err)
		return 0
	}
	cutoff := time.Now().UTC().Add(-window)
	var count int
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if tool, _ := e.Payload["tool"].(string); tool != actionType {
			continue
		}
		if decision, _ := e.Payload["decision"].(string); decision == string(kernel.Deny) {
			continue
		}
		count++
	}
	return count
}

// VerifyIntent is the single admission call every tool invocation must
// pass through before its side effects: kill-switch check, policy
// evaluation, drift observation, ledger recording, in that order.
func (g *Gateway) VerifyIntent(ctx context.Context, intent kernel.Intent) (kernel.VerifyDecision, error) {
	sessionID := intent.Context["session_id"]

	if blocked, reason := g.killSwitch.IsBlocked(intent.AgentID, sessionID); blocked {
		g.recordEnforcement(ctx, intent.AgentID, "kill_switch", reason)
		return kernel.VerifyDecision{
			IntentID: intent.ID,
			Decision: kernel.Deny,
			Verdict:  kernel.Verdict{Decision: kernel.Deny, Reasons: []string{reason}},
		}, nil
	}

	status := g.driftEngine.Status(intent.AgentID)
	if drift.Severity(status.Level) >= drift.Severity(kernel.RiskPause) {
		reason := fmt.Sprintf("agent suspended at %s: %s", status.Level, status.Reason)
		g.recordEnforcement(ctx, intent.AgentID, "agent_suspended", reason)
		return kernel.VerifyDecision{
			IntentID:  intent.ID,
			Decision:  kernel.Deny,
			Verdict:   kernel.Verdict{Decision: kernel.Deny, Reasons: []string{reason}},
			RiskScore: status.Score,
			RiskLevel: status.Level,
		}, nil
	}
	if status.Level == kernel.RiskThrottle && !g.limiter.Allow(intent.AgentID) {
		reason := "throttled: rate limit exceeded"
		g.recordEnforcement(ctx, intent.AgentID, "throttled", reason)
		return kernel.VerifyDecision{
			IntentID:  intent.ID,
			Decision:  kernel.Deny,
			Verdict:   kernel.Verdict{Decision: kernel.Deny, Reasons: []string{reason}},
			RiskScore: status.Score,
			RiskLevel: status.Level,
		}, nil
	}

	policyCtx := policy.Context{
		Now:       intent.Timestamp,
		ActorRole: intent.Context["actor_role"],
		ActionCountFunc: func(agentID, actionType string, window time.Duration) int {
			return g.actionCount(ctx, agentID, actionType, window)
		},
	}
	verdict := g.policyEngine.Evaluate(intent, policyCtx)

	score, level, driftAlert, err := g.driftEngine.Observe(ctx, intent, verdict.Decision == kernel.Deny)
	if err != nil {
		return kernel.VerifyDecision{}, fmt.Errorf("drift observe failed: %w", err)
	}

	entry, err := g.ledger.Append(ctx, kernel.EventIntentVerified, intent.AgentID, map[string]any{
		"intent_id":  intent.ID,
		"tool":       intent.Tool,
		"decision":   verdict.Decision,
		"reasons":    verdict.Reasons,
		"risk_score": score,
		"risk_level": level,
	})
	if err != nil {
		return kernel.VerifyDecision{}, fmt.Errorf("ledger append failed: %w", err)
	}

	// The Drift Engine already appended its own DRIFT_ALERT ledger entry
	// from Observe; VerifyIntent only fans the alert it returned out to
	// live subscribers, it never writes a second ledger entry for it.
	if driftAlert != nil {
		if g.alerts != nil {
			g.alerts.Dispatch(*driftAlert)
		}
		if g.hub != nil {
			g.hub.BroadcastAlert(*driftAlert)
		}
	}

	return kernel.VerifyDecision{
		IntentID:  intent.ID,
		Decision:  verdict.Decision,
		Verdict:   verdict,
		RiskScore: score,
		RiskLevel: level,
		Patch:     verdict.Patch,
		Alert:     driftAlert,
		EntryID:   entry.ID,
	}, nil
}

// SimulatePlan runs the Plan Simulator against the agent's real
// fingerprint and records one PLAN_SIMULATED ledger entry.
func (g *Gateway) SimulatePlan(ctx context.Context, agentID string, plan kernel.Plan) (kernel.SimulationResult, error) {
	result := g.simulator.Simulate(ctx, agentID, plan)
	if _, err := g.ledger.Append(ctx, kernel.EventPlanSimulated, agentID, map[string]any{
		"plan_id": plan.ID,
		"overall": result.Overall,
		"allowed": result.Allowed,
		"blocked": result.Blocked,
	}); err != nil {
		return result, fmt.Errorf("ledger append failed: %w", err)
	}
	return result, nil
}

// WhatIf runs the simulator against an explicit hypothetical override,
// leaving both the real fingerprint and the real policy engine untouched.
func (g *Gateway) WhatIf(ctx context.Context, agentID string, plan kernel.Plan, hypothetical simulate.HypotheticalState) kernel.SimulationResult {
	return g.simulator.WhatIf(ctx, agentID, plan, hypothetical)
}

// AgentStatus returns the Drift Engine's read-only snapshot for an agent.
func (g *Gateway) AgentStatus(agentID string) kernel.RiskState {
	return g.driftEngine.Status(agentID)
}

// Resurrect transitions a KILLed agent back to OK.
func (g *Gateway) Resurrect(ctx context.Context, agentID, adminID, reason string) (bool, string) {
	ok, msg := g.driftEngine.Resurrect(ctx, agentID, adminID, reason)
	if ok {
		g.limiter.Reset(agentID)
		g.recordEnforcement(ctx, agentID, "resurrected", reason)
	}
	return ok, msg
}

// VerifyLedger walks the hash chain and reports the first broken link,
// if any.
func (g *Gateway) VerifyLedger(ctx context.Context) (ok bool, firstBrokenID uint64, err error) {
	return g.ledger.VerifyChain(ctx)
}

// ExportLedger returns every ledger entry matching filter, for archiving
// via the ledger export CLI/API.
func (g *Gateway) ExportLedger(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	return g.ledger.Export(ctx, filter)
}

// ListRules returns the Policy Engine's currently loaded rule set.
func (g *Gateway) ListRules() []policy.RuleDescriptor {
	return g.policyEngine.ListRules()
}

// TriggerKillSwitch fans a CLI/API kill request into the kill switch and
// ledger-records it as an ENFORCEMENT entry.
func (g *Gateway) TriggerKillSwitch(ctx context.Context, scope killswitch.Scope, targetID, reason, source string) {
	switch scope {
	case killswitch.ScopeGlobal:
		g.killSwitch.TriggerGlobal(reason, source)
	case killswitch.ScopeAgent:
		g.killSwitch.TriggerAgent(targetID, reason, source)
	case killswitch.ScopeSession:
		g.killSwitch.TriggerSession(targetID, reason, source)
	}
	g.recordEnforcement(ctx, targetID, "kill_switch_triggered", reason)
}

// RunBackgroundLoop polls the kill-switch sentinel file and prunes the
// alert manager's dedup map until ctx is cancelled. Mirrors the donor's
// main.go ticker goroutine.
func (g *Gateway) RunBackgroundLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.killSwitch.CheckFileKill()
			if g.alerts != nil {
				g.alerts.PruneDedup()
			}
		}
	}
}

func (g *Gateway) recordEnforcement(ctx context.Context, agentID, kind, reason string) {
	if g.hub != nil {
		g.hub.BroadcastEnforcement(agentID, kind, reason)
	}
	if _, err := g.ledger.Append(ctx, kernel.EventEnforcement, agentID, map[string]any{
		"kind":   kind,
		"reason": reason,
	}); err != nil {
		g.logger.Warn("failed to append enforcement entry", "agent_id", agentID, "error", err)
	}
}
