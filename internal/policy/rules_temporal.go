package policy

import (
	"fmt"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// WeekendBanRule denies any action on one of the configured tools during
// Saturday/Sunday. The date it checks is the one declared in the
// intent's arguments (field Args["date"], RFC3339 or "2006-01-02"), not
// wall-clock "now", since the whole point is to evaluate a proposed
// future action.
type WeekendBanRule struct {
	Tools []string
}

func NewWeekendBanRule(tools []string) *WeekendBanRule {
	return &WeekendBanRule{Tools: tools}
}

func (r *WeekendBanRule) ID() string     { return "temporal_weekend_ban" }
func (r *WeekendBanRule) Domain() Domain { return DomainTemporal }

func (r *WeekendBanRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	date, ok := argDate(intent.Args, "date")
	if !ok {
		return notApplicable(r.ID())
	}
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return deny(r.ID(), fmt.Sprintf("action scheduled on a weekend (%s)", wd), &kernel.Remediation{
			Suggestion:    "reschedule to the next business day",
			AutoFix:       map[string]any{"date": nextWeekday(date).Format("2006-01-02")},
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

func nextWeekday(d time.Time) time.Time {
	next := d.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// BusinessHoursRule denies actions whose declared time-of-day falls
// outside [StartHour, EndHour).
type BusinessHoursRule struct {
	Tools     []string
	StartHour int
	EndHour   int
}

func NewBusinessHoursRule(tools []string, startHour, endHour int) *BusinessHoursRule {
	return &BusinessHoursRule{Tools: tools, StartHour: startHour, EndHour: endHour}
}

func (r *BusinessHoursRule) ID() string     { return "temporal_business_hours" }
func (r *BusinessHoursRule) Domain() Domain { return DomainTemporal }

func (r *BusinessHoursRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	date, ok := argDate(intent.Args, "date")
	if !ok {
		return notApplicable(r.ID())
	}
	timeStr, _ := intent.Args["time"].(string)
	hour := date.Hour()
	if timeStr != "" {
		if t, err := time.Parse("15:04", timeStr); err == nil {
			hour = t.Hour()
		}
	}
	if hour < r.StartHour || hour >= r.EndHour {
		return deny(r.ID(), fmt.Sprintf("action scheduled outside business hours (%02d:00-%02d:00)", r.StartHour, r.EndHour), &kernel.Remediation{
			Suggestion:    fmt.Sprintf("reschedule between %02d:00 and %02d:00", r.StartHour, r.EndHour),
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

// DailyQuotaRule denies an actor's Nth-and-later action on a tool within
// a rolling 24h window.
type DailyQuotaRule struct {
	Tools []string
	Max   int
}

func NewDailyQuotaRule(tools []string, max int) *DailyQuotaRule {
	return &DailyQuotaRule{Tools: tools, Max: max}
}

func (r *DailyQuotaRule) ID() string     { return "temporal_daily_quota" }
func (r *DailyQuotaRule) Domain() Domain { return DomainTemporal }

func (r *DailyQuotaRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	count := ctx.ActionCount(intent.AgentID, intent.Tool, 24*time.Hour)
	if count >= r.Max {
		return deny(r.ID(), fmt.Sprintf("daily quota exceeded for %s (%d/%d)", intent.Tool, count, r.Max), &kernel.Remediation{
			Suggestion:    "retry after the rolling 24h window resets",
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	return allow(r.ID())
}

func toolMatches(tool string, tools []string) bool {
	for _, t := range tools {
		if t == tool {
			return true
		}
	}
	return false
}

func argDate(args map[string]any, field string) (time.Time, bool) {
	raw, ok := args[field].(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
