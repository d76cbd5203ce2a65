package policy

import (
	"fmt"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// ChangeWindowRule denies operational changes outside a configured
// maintenance window (e.g. deploys, infra mutations).
type ChangeWindowRule struct {
	Tools     []string
	StartHour int
	EndHour   int
	Weekdays  map[time.Weekday]bool // allowed days; nil/empty means every day
}

func NewChangeWindowRule(tools []string, startHour, endHour int, weekdays []time.Weekday) *ChangeWindowRule {
	var set map[time.Weekday]bool
	if len(weekdays) > 0 {
		set = make(map[time.Weekday]bool, len(weekdays))
		for _, d := range weekdays {
			set[d] = true
		}
	}
	return &ChangeWindowRule{Tools: tools, StartHour: startHour, EndHour: endHour, Weekdays: set}
}

func (r *ChangeWindowRule) ID() string     { return "ops_change_window" }
func (r *ChangeWindowRule) Domain() Domain { return DomainOperational }

func (r *ChangeWindowRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	now := ctx.Now
	if len(r.Weekdays) > 0 && !r.Weekdays[now.Weekday()] {
		return deny(r.ID(), fmt.Sprintf("%s is not an approved change day", now.Weekday()), &kernel.Remediation{
			Suggestion:    "reschedule the change to an approved maintenance day",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	if now.Hour() < r.StartHour || now.Hour() >= r.EndHour {
		return deny(r.ID(), fmt.Sprintf("outside the change window (%02d:00-%02d:00)", r.StartHour, r.EndHour), &kernel.Remediation{
			Suggestion:    "reschedule within the approved change window",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

// SLAThresholdRule denies an action whose declared estimated duration
// would breach a configured SLA ceiling.
type SLAThresholdRule struct {
	Tools  []string
	MaxSLA time.Duration
}

func NewSLAThresholdRule(tools []string, maxSLA time.Duration) *SLAThresholdRule {
	return &SLAThresholdRule{Tools: tools, MaxSLA: maxSLA}
}

func (r *SLAThresholdRule) ID() string     { return "ops_sla_threshold" }
func (r *SLAThresholdRule) Domain() Domain { return DomainOperational }

func (r *SLAThresholdRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	seconds, ok := argFloat(intent.Args, "estimated_duration_seconds")
	if !ok {
		return notApplicable(r.ID())
	}
	estimated := time.Duration(seconds) * time.Second
	if estimated > r.MaxSLA {
		return deny(r.ID(), fmt.Sprintf("estimated duration %s exceeds SLA ceiling %s", estimated, r.MaxSLA), &kernel.Remediation{
			Suggestion:    "break the action into smaller steps within the SLA window",
			Reversibility: kernel.ReversibilityMedium,
		})
	}
	return allow(r.ID())
}
