// Package simulate implements the Plan Simulator: given a proposed plan,
// speculatively run each step through the Policy Engine and an optional
// tool stub to report what would happen, without real side effects and
// without mutating the real per-agent fingerprint.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aegiscore/aegis/internal/drift"
	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/ledger"
	"github.com/aegiscore/aegis/internal/policy"
)

// epsilon is the synthetic time step between simulated steps, so each
// step's intent carries a distinct, strictly increasing timestamp.
const epsilon = time.Second

// ToolStub is a non-destructive stand-in for a real tool invocation. It
// must not perform a real side effect; its return value feeds chained
// argument templates in later steps.
type ToolStub func(ctx context.Context, args map[string]any) (any, error)

// HypotheticalState overrides the real fingerprint and/or policy engine
// for a what_if run, leaving the real agent state untouched either way.
type HypotheticalState struct {
	Fingerprint *fingerprint.Fingerprint
	PolicyRules []policy.Rule
}

// Simulator runs Plans against the Policy Engine and a cloned fingerprint.
type Simulator struct {
	policyEngine *policy.Engine
	fingerprints *fingerprint.Store
	embedder     *embedding.BoundedProvider
	ledger       *ledger.Ledger
	weights      drift.Weights
	thresholds   drift.Thresholds
	stubs        map[string]ToolStub
	actorRole    string
	logger       *slog.Logger
}

// NewSimulator assembles a Simulator. led may be nil, in which case
// quota-style rules that depend on historical action counts see an
// always-zero count during simulation (no ledger history to read).
func NewSimulator(policyEngine *policy.Engine, fp *fingerprint.Store, embedder *embedding.BoundedProvider, led *ledger.Ledger, cfg drift.Config, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		policyEngine: policyEngine,
		fingerprints: fp,
		embedder:     embedder,
		ledger:       led,
		weights:      cfg.Weights,
		thresholds:   cfg.Thresholds,
		stubs:        make(map[string]ToolStub),
		logger:       logger.With("component", "simulate.Simulator"),
	}
}

// actionCount backs policy.Context.ActionCountFunc the same way the
// Gateway's does, so quota rules see real historical counts during a
// simulation rather than always abstaining.
func (s *Simulator) actionCount(ctx context.Context, agentID, actionType string, window time.Duration) int {
	if s.ledger == nil {
		return 0
	}
	entries, err := s.ledger.Export(ctx, ledger.Filter{Kind: kernel.EventIntentVerified, AgentID: agentID})
	if err != nil {
		s.logger.Warn("action count: ledger export failed", "agent_id", agentID, "error", err)
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

// RegisterStub wires a non-destructive tool stub for a tool name.
func (s *Simulator) RegisterStub(tool string, stub ToolStub) {
	s.stubs[tool] = stub
}

// Simulate runs plan against the agent's current real fingerprint,
// cloned so the run is side-effect free.
func (s *Simulator) Simulate(ctx context.Context, agentID string, plan kernel.Plan) kernel.SimulationResult {
	fp := s.fingerprints.Snapshot(agentID)
	return s.run(ctx, agentID, plan, fp, s.policyEngine)
}

// WhatIf is identical to Simulate but takes an explicit override of the
// fingerprint snapshot and/or policy rule set, never touching the real
// agent's fingerprint or the live Engine's loaded rules.
func (s *Simulator) WhatIf(ctx context.Context, agentID string, plan kernel.Plan, hypothetical HypotheticalState) kernel.SimulationResult {
	fp := hypothetical.Fingerprint
	if fp == nil {
		fp = s.fingerprints.Snapshot(agentID)
	}

	eng := s.policyEngine
	if hypothetical.PolicyRules != nil {
		eng = policy.NewEngine(s.logger)
		eng.Reload(hypothetical.PolicyRules, "what_if")
	}

	return s.run(ctx, agentID, plan, fp, eng)
}

// stepOutput is what a prior step contributes to later steps' chained
// argument templates.
type stepOutput struct {
	allowed bool
	value   any
}

func (s *Simulator) run(ctx context.Context, agentID string, plan kernel.Plan, fp *fingerprint.Fingerprint, eng *policy.Engine) kernel.SimulationResult {
	result := kernel.SimulationResult{PlanID: plan.ID, AgentID: agentID}
	outputs := make(map[int]stepOutput, len(plan.Steps))

	policyCtx := policy.Context{
		ActorRole: s.actorRole,
		ActionCountFunc: func(agentID, actionType string, window time.Duration) int {
			return s.actionCount(ctx, agentID, actionType, window)
		},
	}
	pauseCrossed := false

	for i, step := range plan.Steps {
		now := time.Now().UTC().Add(time.Duration(i) * epsilon)

		args, blocked := substituteArgs(step.Args, outputs)
		if blocked {
			sr := kernel.StepResult{Seq: step.Seq, Status: kernel.StepDependencyBlocked}
			result.Steps = append(result.Steps, sr)
			outputs[i] = stepOutput{allowed: false}
			result.Blocked++
			continue
		}

		intent := kernel.Intent{
			ID:        fmt.Sprintf("%s-step-%d", plan.ID, step.Seq),
			AgentID:   agentID,
			Timestamp: now,
			Tool:      step.Tool,
			Args:      args,
		}

		policyCtx.Now = now
		verdict := eng.Evaluate(intent, policyCtx)

		var stubResult any
		var stubTimedOut bool
		if verdict.Decision != kernel.Deny {
			if stub, ok := s.stubs[step.Tool]; ok {
				v, timedOut, err := s.invokeStub(ctx, stub, args)
				if err != nil {
					s.logger.Warn("tool stub errored during simulation", "tool", step.Tool, "error", err)
				}
				stubResult = v
				stubTimedOut = timedOut
			}
		}

		vec, _, err := s.embedder.EmbedWithFallback(ctx, intent.Description)
		if err != nil {
			vec = nil
		}
		embDrift, capSurprisal, violRate, temporal := drift.PreUpdateSignals(fp, intent.Capabilities, now.Hour(), vec)
		prevAvg, delta, hadPrev := fp.Observe(fingerprint.HistoryEntry{
			IntentID:  intent.ID,
			Timestamp: now,
			Embedding: vec,
		}, intent.Capabilities, verdict.Decision == kernel.Deny)
		// Speculative runs score against the full configured weight
		// profile regardless of the fingerprint's learning phase: a what-if
		// plan is evaluated on its own merits, not capped the way a live
		// agent still establishing a baseline would be.
		signals := drift.BuildSignalScores(embDrift, capSurprisal, violRate, temporal, prevAvg, delta, hadPrev, s.weights)
		score := drift.Composite(signals)
		level := s.thresholds.Classify(score)

		if drift.Severity(level) >= drift.Severity(kernel.RiskPause) {
			pauseCrossed = true
		}

		status := statusFor(verdict.Decision)
		if stubTimedOut {
			status = kernel.StepStubTimeout
		}

		sr := kernel.StepResult{
			Seq:        step.Seq,
			Status:     status,
			Verdict:    verdict,
			RiskScore:  score,
			StubResult: stubResult,
		}
		if verdict.Decision == kernel.Deny || stubTimedOut {
			sr.Remediation = verdict.Remediation
			result.Blocked++
		} else {
			result.Allowed++
		}
		result.Steps = append(result.Steps, sr)

		allowedForChaining := verdict.Decision != kernel.Deny && !stubTimedOut
		outputs[i] = stepOutput{allowed: allowedForChaining, value: stubResult}
	}

	result.Overall = kernel.PlanAllowed
	if pauseCrossed {
		result.Overall = kernel.PlanBlocked
	}
	for _, sr := range result.Steps {
		if sr.Status != kernel.StepAllowed && sr.Status != kernel.StepWarned && sr.Status != kernel.StepModified {
			result.Overall = kernel.PlanBlocked
			break
		}
	}
	return result
}

func (s *Simulator) invokeStub(ctx context.Context, stub ToolStub, args map[string]any) (any, bool, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := stub(ctx, args)
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return nil, true, ctx.Err()
	case r := <-ch:
		return r.v, false, r.err
	}
}

func statusFor(d kernel.Decision) kernel.StepStatus {
	switch d {
	case kernel.Allow:
		return kernel.StepAllowed
	case kernel.Warn:
		return kernel.StepWarned
	case kernel.Modify:
		return kernel.StepModified
	default:
		return kernel.StepDenied
	}
}

// substituteArgs replaces any "$steps[k].field" template value with the
// referenced step's stub return value. If the referenced step was not
// allowed, the caller must mark this step DEPENDENCY_BLOCKED and skip it.
func substituteArgs(args map[string]any, outputs map[int]stepOutput) (map[string]any, bool) {
	if args == nil {
		return nil, false
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		text, ok := v.(string)
		if !ok || !strings.HasPrefix(text, "$steps[") {
			out[k] = v
			continue
		}
		idx, field, ok := parseStepRef(text)
		if !ok {
			out[k] = v
			continue
		}
		src, ok := outputs[idx]
		if !ok || !src.allowed {
			return nil, true
		}
		out[k] = extractField(src.value, field)
	}
	return out, false
}

// parseStepRef parses "$steps[k].field" into (k, field, true).
func parseStepRef(text string) (int, string, bool) {
	rest := strings.TrimPrefix(text, "$steps[")
	end := strings.Index(rest, "]")
	if end < 0 {
		return 0, "", false
	}
	idx, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, "", false
	}
	field := strings.TrimPrefix(rest[end+1:], ".")
	return idx, field, true
}

func extractField(value any, field string) any {
	if field == "" {
		return value
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return m[field]
}
