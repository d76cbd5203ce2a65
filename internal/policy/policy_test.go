package policy

import (
	"testing"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

func TestExpenseThresholdRuleDeniesAboveCeiling(t *testing.T) {
	rule := NewExpenseThresholdRule([]string{"submit_expense"}, 1000)
	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 1500.0}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Deny {
		t.Fatalf("Decision = %v, want Deny", outcome.Decision)
	}
}

func TestExpenseThresholdRuleAllowsBelowCeiling(t *testing.T) {
	rule := NewExpenseThresholdRule([]string{"submit_expense"}, 1000)
	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 500.0}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Allow {
		t.Fatalf("Decision = %v, want Allow", outcome.Decision)
	}
}

func TestExpenseThresholdRuleNotApplicableToOtherTools(t *testing.T) {
	rule := NewExpenseThresholdRule([]string{"submit_expense"}, 1000)
	intent := kernel.Intent{Tool: "read_file", Args: map[string]any{"amount": 5000.0}}

	outcome := rule.Evaluate(intent, Context{})
	if !outcome.NotApplicable() {
		t.Fatal("expected rule to abstain for an unrelated tool")
	}
}

func TestReceiptRequiredRuleDeniesMissingReceiptAboveFloor(t *testing.T) {
	rule := NewReceiptRequiredRule([]string{"submit_expense"}, 100)
	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 200.0}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Deny {
		t.Fatalf("Decision = %v, want Deny", outcome.Decision)
	}
}

func TestReceiptRequiredRuleAllowsWithReceipt(t *testing.T) {
	rule := NewReceiptRequiredRule([]string{"submit_expense"}, 100)
	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 200.0, "receipt_ref": "r-1"}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Allow {
		t.Fatalf("Decision = %v, want Allow", outcome.Decision)
	}
}

func TestReceiptRequiredRuleNotApplicableBelowFloor(t *testing.T) {
	rule := NewReceiptRequiredRule([]string{"submit_expense"}, 100)
	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 50.0}}

	outcome := rule.Evaluate(intent, Context{})
	if !outcome.NotApplicable() {
		t.Fatal("expected rule to abstain below the receipt floor")
	}
}

func TestRightToWorkRuleDeniesUnverified(t *testing.T) {
	rule := NewRightToWorkRule([]string{"onboard_candidate"})
	intent := kernel.Intent{Tool: "onboard_candidate", Args: map[string]any{}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Deny {
		t.Fatalf("Decision = %v, want Deny", outcome.Decision)
	}
	if outcome.Remediation == nil {
		t.Fatal("expected a remediation to be attached")
	}
}

func TestRightToWorkRuleAllowsVerified(t *testing.T) {
	rule := NewRightToWorkRule([]string{"onboard_candidate"})
	intent := kernel.Intent{Tool: "onboard_candidate", Args: map[string]any{"work_authorization_verified": true}}

	outcome := rule.Evaluate(intent, Context{})
	if outcome.Decision != kernel.Allow {
		t.Fatalf("Decision = %v, want Allow", outcome.Decision)
	}
}

func TestEngineEvaluateAllowsWithNoMatchingRules(t *testing.T) {
	engine := NewEngine(nil)
	engine.Reload([]Rule{NewExpenseThresholdRule([]string{"submit_expense"}, 1000)}, "v1")

	verdict := engine.Evaluate(kernel.Intent{Tool: "read_file"}, Context{Now: time.Now()})
	if verdict.Decision != kernel.Allow {
		t.Fatalf("Decision = %v, want Allow", verdict.Decision)
	}
}

func TestEngineEvaluateCollectsEveryDeny(t *testing.T) {
	engine := NewEngine(nil)
	engine.Reload([]Rule{
		NewExpenseThresholdRule([]string{"submit_expense"}, 100),
		NewReceiptRequiredRule([]string{"submit_expense"}, 50),
	}, "v1")

	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 200.0}}
	verdict := engine.Evaluate(intent, Context{Now: time.Now()})
	if verdict.Decision != kernel.Deny {
		t.Fatalf("Decision = %v, want Deny", verdict.Decision)
	}
	if len(verdict.TriggeredBy) != 2 {
		t.Fatalf("TriggeredBy = %v, want both rules", verdict.TriggeredBy)
	}
}

func TestEngineEvaluateDeterministicOrdering(t *testing.T) {
	engine := NewEngine(nil)
	engine.Reload([]Rule{
		NewReceiptRequiredRule([]string{"submit_expense"}, 50),
		NewExpenseThresholdRule([]string{"submit_expense"}, 100),
	}, "v1")

	intent := kernel.Intent{Tool: "submit_expense", Args: map[string]any{"amount": 200.0}}
	first := engine.Evaluate(intent, Context{Now: time.Now()})
	second := engine.Evaluate(intent, Context{Now: time.Now()})

	if len(first.TriggeredBy) != len(second.TriggeredBy) {
		t.Fatal("expected evaluate to be deterministic across repeated calls")
	}
	if first.TriggeredBy[0] != "expense_receipt_required" {
		t.Errorf("TriggeredBy[0] = %q, want rule-id-ascending order", first.TriggeredBy[0])
	}
}

func TestEngineRuleCrashBecomesDeny(t *testing.T) {
	engine := NewEngine(nil)
	var crashedRule string
	engine.SetCrashHook(func(ruleID, agentID, intentID string, recovered any) {
		crashedRule = ruleID
	})
	engine.Reload([]Rule{&panicRule{}}, "v1")

	verdict := engine.Evaluate(kernel.Intent{Tool: "anything"}, Context{})
	if verdict.Decision != kernel.Deny {
		t.Fatalf("Decision = %v, want Deny after a rule panic", verdict.Decision)
	}
	if crashedRule != "panic_rule" {
		t.Errorf("crash hook rule id = %q, want panic_rule", crashedRule)
	}
}

func TestEngineListRulesReflectsReload(t *testing.T) {
	engine := NewEngine(nil)
	engine.Reload([]Rule{
		NewExpenseThresholdRule([]string{"submit_expense"}, 100),
		NewRightToWorkRule([]string{"onboard_candidate"}),
	}, "v2")

	descriptors := engine.ListRules()
	if len(descriptors) != 2 {
		t.Fatalf("len(descriptors) = %d, want 2", len(descriptors))
	}
	if engine.Version() != "v2" {
		t.Errorf("Version() = %q, want v2", engine.Version())
	}
}

func TestContextActionCountHandlesNilFunc(t *testing.T) {
	ctx := Context{}
	if n := ctx.ActionCount("agent-1", "send_email", time.Hour); n != 0 {
		t.Errorf("ActionCount with nil func = %d, want 0", n)
	}
}

type panicRule struct{}

func (p *panicRule) ID() string     { return "panic_rule" }
func (p *panicRule) Domain() Domain { return DomainOperational }
func (p *panicRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	panic("boom")
}
