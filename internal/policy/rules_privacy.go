package policy

import (
	"fmt"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// MinimumNecessaryRule denies a data-access action that requests fields
// beyond the configured allowlist for its declared purpose.
type MinimumNecessaryRule struct {
	Tools           []string
	AllowedByPurpose map[string][]string
}

func NewMinimumNecessaryRule(tools []string, allowedByPurpose map[string][]string) *MinimumNecessaryRule {
	return &MinimumNecessaryRule{Tools: tools, AllowedByPurpose: allowedByPurpose}
}

func (r *MinimumNecessaryRule) ID() string     { return "privacy_minimum_necessary" }
func (r *MinimumNecessaryRule) Domain() Domain { return DomainPrivacy }

func (r *MinimumNecessaryRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	purpose, _ := intent.Args["purpose"].(string)
	allowed, ok := r.AllowedByPurpose[purpose]
	if !ok {
		return notApplicable(r.ID())
	}
	fields, _ := intent.Args["fields"].([]any)
	allowedSet := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		allowedSet[f] = true
	}
	var excess []string
	for _, f := range fields {
		name, _ := f.(string)
		if name != "" && !allowedSet[name] {
			excess = append(excess, name)
		}
	}
	if len(excess) > 0 {
		return deny(r.ID(), fmt.Sprintf("fields %v exceed the minimum necessary for purpose %q", excess, purpose), &kernel.Remediation{
			Suggestion:    "request only fields declared for this purpose",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

// RetentionLimitRule denies retaining a record past a configured maximum
// age since its declared creation timestamp.
type RetentionLimitRule struct {
	Tools      []string
	MaxAge     time.Duration
}

func NewRetentionLimitRule(tools []string, maxAge time.Duration) *RetentionLimitRule {
	return &RetentionLimitRule{Tools: tools, MaxAge: maxAge}
}

func (r *RetentionLimitRule) ID() string     { return "privacy_retention_limit" }
func (r *RetentionLimitRule) Domain() Domain { return DomainPrivacy }

func (r *RetentionLimitRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	created, ok := argDate(intent.Args, "record_created_at")
	if !ok {
		return notApplicable(r.ID())
	}
	if ctx.Now.Sub(created) > r.MaxAge {
		return deny(r.ID(), fmt.Sprintf("record age %s exceeds retention limit %s", ctx.Now.Sub(created), r.MaxAge), &kernel.Remediation{
			Suggestion:    "purge or archive the record before further processing",
			Reversibility: kernel.ReversibilityLow,
		})
	}
	return allow(r.ID())
}

// CrossBorderTransferRule denies a data transfer whose destination
// region is not in the configured allowlist of regions cleared for
// cross-border transfer.
type CrossBorderTransferRule struct {
	Tools           []string
	AllowedRegions  []string
}

func NewCrossBorderTransferRule(tools []string, allowedRegions []string) *CrossBorderTransferRule {
	return &CrossBorderTransferRule{Tools: tools, AllowedRegions: allowedRegions}
}

func (r *CrossBorderTransferRule) ID() string     { return "privacy_cross_border_transfer" }
func (r *CrossBorderTransferRule) Domain() Domain { return DomainPrivacy }

func (r *CrossBorderTransferRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	region, _ := intent.Args["destination_region"].(string)
	if region == "" {
		return notApplicable(r.ID())
	}
	for _, allowed := range r.AllowedRegions {
		if allowed == region {
			return allow(r.ID())
		}
	}
	return deny(r.ID(), fmt.Sprintf("destination region %q is not cleared for cross-border transfer", region), &kernel.Remediation{
		Suggestion:    "route through a cleared region or obtain a transfer exemption",
		Reversibility: kernel.ReversibilityLow,
	})
}
