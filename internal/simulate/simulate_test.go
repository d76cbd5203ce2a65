package simulate

import (
	"context"
	"testing"

	"github.com/aegiscore/aegis/internal/drift"
	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/policy"
)

type denyAllRule struct{}

func (denyAllRule) ID() string            { return "deny_all" }
func (denyAllRule) Domain() policy.Domain { return policy.DomainOperational }
func (denyAllRule) Evaluate(intent kernel.Intent, ctx policy.Context) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: "deny_all", Decision: kernel.Deny, Reason: "always denies"}
}

func newTestSimulator(t *testing.T) (*Simulator, *fingerprint.Store) {
	t.Helper()
	fp := fingerprint.NewStore(nil)
	hash := embedding.NewHashProvider(32)
	embedder := embedding.NewBoundedProvider(hash, hash)
	eng := policy.NewEngine(nil)
	sim := NewSimulator(eng, fp, embedder, nil, drift.DefaultConfig(), nil)
	return sim, fp
}

func TestSimulatorAllowsPlanWithNoRules(t *testing.T) {
	sim, _ := newTestSimulator(t)
	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps: []kernel.Step{
			{Seq: 1, Tool: "read_file", Args: map[string]any{"path": "/tmp/a"}},
			{Seq: 2, Tool: "read_file", Args: map[string]any{"path": "/tmp/b"}},
		},
	}

	result := sim.Simulate(context.Background(), "agent-1", plan)
	if result.Overall != kernel.PlanAllowed {
		t.Fatalf("Overall = %v, want ALLOWED", result.Overall)
	}
	if result.Allowed != 2 || result.Blocked != 0 {
		t.Fatalf("Allowed=%d Blocked=%d, want 2/0", result.Allowed, result.Blocked)
	}
}

func TestSimulatorDoesNotMutateRealFingerprint(t *testing.T) {
	sim, fp := newTestSimulator(t)
	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps:   []kernel.Step{{Seq: 1, Tool: "read_file", Args: map[string]any{}}},
	}

	before := fp.Snapshot("agent-1").Count
	sim.Simulate(context.Background(), "agent-1", plan)
	after := fp.Snapshot("agent-1").Count

	if before != after {
		t.Fatalf("Count changed from %d to %d; simulate must not mutate the real fingerprint", before, after)
	}
}

func TestSimulatorDependencyBlockedWhenPriorStepDenied(t *testing.T) {
	fp := fingerprint.NewStore(nil)
	hash := embedding.NewHashProvider(32)
	embedder := embedding.NewBoundedProvider(hash, hash)
	eng := policy.NewEngine(nil)
	eng.Reload([]policy.Rule{denyAllRule{}}, "v1")
	sim := NewSimulator(eng, fp, embedder, nil, drift.DefaultConfig(), nil)

	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps: []kernel.Step{
			{Seq: 1, Tool: "create_ticket", Args: map[string]any{}},
			{Seq: 2, Tool: "send_email", Args: map[string]any{"ticket_id": "$steps[0].id"}},
		},
	}

	result := sim.Simulate(context.Background(), "agent-1", plan)
	if result.Steps[0].Status != kernel.StepDenied {
		t.Fatalf("step 0 status = %v, want DENY", result.Steps[0].Status)
	}
	if result.Steps[1].Status != kernel.StepDependencyBlocked {
		t.Fatalf("step 1 status = %v, want DEPENDENCY_BLOCKED", result.Steps[1].Status)
	}
	if result.Overall != kernel.PlanBlocked {
		t.Fatalf("Overall = %v, want BLOCKED", result.Overall)
	}
}

func TestSimulatorRegisterStubFeedsChainedArgs(t *testing.T) {
	sim, _ := newTestSimulator(t)
	sim.RegisterStub("create_ticket", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"id": "ticket-42"}, nil
	})

	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps: []kernel.Step{
			{Seq: 1, Tool: "create_ticket", Args: map[string]any{}},
			{Seq: 2, Tool: "send_email", Args: map[string]any{"ticket_id": "$steps[0].id"}},
		},
	}

	result := sim.Simulate(context.Background(), "agent-1", plan)
	if result.Steps[0].Status != kernel.StepAllowed {
		t.Fatalf("step 0 status = %v, want ALLOW", result.Steps[0].Status)
	}
	if result.Steps[1].Status != kernel.StepAllowed {
		t.Fatalf("step 1 status = %v, want ALLOW", result.Steps[1].Status)
	}
}

func TestSimulatorWhatIfUsesHypotheticalRulesNotLiveEngine(t *testing.T) {
	sim, _ := newTestSimulator(t)
	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps:   []kernel.Step{{Seq: 1, Tool: "read_file", Args: map[string]any{}}},
	}

	result := sim.WhatIf(context.Background(), "agent-1", plan, HypotheticalState{
		PolicyRules: []policy.Rule{denyAllRule{}},
	})
	if result.Overall != kernel.PlanBlocked {
		t.Fatalf("Overall = %v, want BLOCKED under the hypothetical deny-all rule", result.Overall)
	}

	live := sim.Simulate(context.Background(), "agent-1", plan)
	if live.Overall != kernel.PlanAllowed {
		t.Fatalf("live Overall = %v, want ALLOWED; WhatIf must not mutate the live policy engine", live.Overall)
	}
}

func TestSimulatorWhatIfUsesHypotheticalFingerprint(t *testing.T) {
	sim, _ := newTestSimulator(t)
	hypoFP := fingerprint.NewStore(nil).Snapshot("scratch-agent")
	hypoFP.Count = 999

	plan := kernel.Plan{
		ID:      "plan-1",
		AgentID: "agent-1",
		Steps:   []kernel.Step{{Seq: 1, Tool: "read_file", Args: map[string]any{}}},
	}

	result := sim.WhatIf(context.Background(), "agent-1", plan, HypotheticalState{Fingerprint: hypoFP})
	if len(result.Steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1", len(result.Steps))
	}
}
