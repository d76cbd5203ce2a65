package policy

import (
	"github.com/aegiscore/aegis/internal/kernel"
)

// RightToWorkRule blocks onboarding actions for a candidate without a
// verified work-authorization flag declared on the intent.
type RightToWorkRule struct {
	Tools []string
}

func NewRightToWorkRule(tools []string) *RightToWorkRule {
	return &RightToWorkRule{Tools: tools}
}

func (r *RightToWorkRule) ID() string     { return "identity_right_to_work" }
func (r *RightToWorkRule) Domain() Domain { return DomainIdentity }

func (r *RightToWorkRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	verified, _ := intent.Args["work_authorization_verified"].(bool)
	if !verified {
		return deny(r.ID(), "candidate has no verified work authorization on file", &kernel.Remediation{
			Suggestion:    "complete work-authorization verification before onboarding",
			Reversibility: kernel.ReversibilityLow,
		})
	}
	return allow(r.ID())
}
