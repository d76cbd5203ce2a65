package policy

import (
	"fmt"

	"github.com/aegiscore/aegis/internal/kernel"
)

// ExpenseThresholdRule denies expenses above a hard ceiling outright.
type ExpenseThresholdRule struct {
	Tools []string
	Max   float64
}

func NewExpenseThresholdRule(tools []string, max float64) *ExpenseThresholdRule {
	return &ExpenseThresholdRule{Tools: tools, Max: max}
}

func (r *ExpenseThresholdRule) ID() string     { return "expense_threshold" }
func (r *ExpenseThresholdRule) Domain() Domain { return DomainExpense }

func (r *ExpenseThresholdRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	amount, ok := argFloat(intent.Args, "amount")
	if !ok {
		return notApplicable(r.ID())
	}
	if amount > r.Max {
		return deny(r.ID(), fmt.Sprintf("expense %.2f exceeds hard ceiling %.2f", amount, r.Max), &kernel.Remediation{
			Suggestion:    "split into multiple sub-threshold expenses or escalate for manual approval",
			Reversibility: kernel.ReversibilityLow,
		})
	}
	return allow(r.ID())
}

// ReceiptRequiredRule denies expenses above a floor that don't declare a
// receipt reference.
type ReceiptRequiredRule struct {
	Tools []string
	Floor float64
}

func NewReceiptRequiredRule(tools []string, floor float64) *ReceiptRequiredRule {
	return &ReceiptRequiredRule{Tools: tools, Floor: floor}
}

func (r *ReceiptRequiredRule) ID() string     { return "expense_receipt_required" }
func (r *ReceiptRequiredRule) Domain() Domain { return DomainExpense }

func (r *ReceiptRequiredRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	amount, ok := argFloat(intent.Args, "amount")
	if !ok || amount <= r.Floor {
		return notApplicable(r.ID())
	}
	receipt, _ := intent.Args["receipt_ref"].(string)
	if receipt == "" {
		return deny(r.ID(), fmt.Sprintf("expense %.2f exceeds receipt floor %.2f with no receipt attached", amount, r.Floor), &kernel.Remediation{
			Suggestion:    "attach a receipt reference before resubmitting",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

// SelfApprovalBanRule denies an expense whose declared approver is the
// submitting agent itself.
type SelfApprovalBanRule struct {
	Tools []string
}

func NewSelfApprovalBanRule(tools []string) *SelfApprovalBanRule {
	return &SelfApprovalBanRule{Tools: tools}
}

func (r *SelfApprovalBanRule) ID() string     { return "expense_self_approval_ban" }
func (r *SelfApprovalBanRule) Domain() Domain { return DomainExpense }

func (r *SelfApprovalBanRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	approver, _ := intent.Args["approver_id"].(string)
	if approver == "" {
		return notApplicable(r.ID())
	}
	if approver == intent.AgentID {
		return deny(r.ID(), "an agent may not approve its own expense", &kernel.Remediation{
			Suggestion:    "route to a different approver",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

// CategoryCapRule enforces per-category sub-caps (e.g. meals vs travel),
// sourced from declarative config.
type CategoryCapRule struct {
	Tools []string
	Caps  map[string]float64
}

func NewCategoryCapRule(tools []string, caps map[string]float64) *CategoryCapRule {
	return &CategoryCapRule{Tools: tools, Caps: caps}
}

func (r *CategoryCapRule) ID() string     { return "expense_category_cap" }
func (r *CategoryCapRule) Domain() Domain { return DomainExpense }

func (r *CategoryCapRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	category, _ := intent.Args["category"].(string)
	cap, ok := r.Caps[category]
	if !ok {
		return notApplicable(r.ID())
	}
	amount, ok := argFloat(intent.Args, "amount")
	if !ok {
		return notApplicable(r.ID())
	}
	if amount > cap {
		return deny(r.ID(), fmt.Sprintf("expense %.2f exceeds category %q cap %.2f", amount, category, cap), &kernel.Remediation{
			Suggestion:    fmt.Sprintf("clamp amount to the %s cap (%.2f)", category, cap),
			AutoFix:       map[string]any{"amount": cap},
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}
