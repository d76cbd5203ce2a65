// Package policy implements the rule-based admissibility engine: 16
// built-in rules across seven domains, plus an extensible declarative
// layer for operator-authored CEL conditions. Rules are modeled as a
// sealed set of variants behind one Rule interface (SPEC_FULL §9 design
// note), loaded from declarative config and registered at startup.
package policy

import (
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// Domain names the seven rule taxonomies named in SPEC_FULL §4.1.
type Domain string

const (
	DomainTemporal      Domain = "temporal"
	DomainCompensation  Domain = "compensation"
	DomainCommunication Domain = "communication"
	DomainExpense       Domain = "expense"
	DomainIdentity      Domain = "identity"
	DomainPrivacy       Domain = "privacy"
	DomainOperational   Domain = "operational"
)

// Context carries everything beyond the Intent itself a rule predicate
// might need: the current time, per-actor action counts over arbitrary
// windows, and free-form actor/session metadata. Rules must not mutate
// it.
type Context struct {
	Now             time.Time
	ActorRole       string
	ActionCountFunc func(agentID, actionType string, window time.Duration) int
	Metadata        map[string]string
}

// ActionCount is a small helper so rules don't need to nil-check
// ActionCountFunc individually.
func (c Context) ActionCount(agentID, actionType string, window time.Duration) int {
	if c.ActionCountFunc == nil {
		return 0
	}
	return c.ActionCountFunc(agentID, actionType, window)
}

// Rule is the single contract every rule variant implements: a pure,
// side-effect-free predicate over (intent, context). A rule that cannot
// decide returns a NotApplicable outcome (kernel.RuleOutcome{}).
type Rule interface {
	ID() string
	Domain() Domain
	Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome
}

// RuleDescriptor is the introspection shape returned by list_rules().
type RuleDescriptor struct {
	ID     string `json:"id"`
	Domain Domain `json:"domain"`
}

func notApplicable(ruleID string) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: ruleID}
}

func allow(ruleID string) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: ruleID, Decision: kernel.Allow}
}

func warn(ruleID, reason string) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: ruleID, Decision: kernel.Warn, Reason: reason}
}

func modify(ruleID, reason string, patch map[string]any) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: ruleID, Decision: kernel.Modify, Reason: reason, Patch: patch}
}

func deny(ruleID, reason string, remediation *kernel.Remediation) kernel.RuleOutcome {
	return kernel.RuleOutcome{RuleID: ruleID, Decision: kernel.Deny, Reason: reason, Remediation: remediation}
}
