package policy

import (
	"fmt"

	"github.com/aegiscore/aegis/internal/kernel"
)

// Band is one leveled compensation band: floor/ceiling salary plus an
// optional equity cap, sourced from declarative config.
type Band struct {
	Level      string
	SalaryMin  float64
	SalaryMax  float64
	EquityMax  float64 // 0 = unconstrained
}

// CompensationBandsRule denies offers outside the configured band for
// the declared level, and proposes clamping to the nearest bound as the
// auto-fix remediation.
type CompensationBandsRule struct {
	Tools []string
	Bands map[string]Band // level -> Band
}

func NewCompensationBandsRule(tools []string, bands []Band) *CompensationBandsRule {
	m := make(map[string]Band, len(bands))
	for _, b := range bands {
		m[b.Level] = b
	}
	return &CompensationBandsRule{Tools: tools, Bands: m}
}

func (r *CompensationBandsRule) ID() string     { return "hr_compensation_bands" }
func (r *CompensationBandsRule) Domain() Domain { return DomainCompensation }

func (r *CompensationBandsRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	level, _ := intent.Args["role"].(string)
	band, ok := r.Bands[level]
	if !ok {
		return notApplicable(r.ID())
	}
	salary, ok := argFloat(intent.Args, "salary")
	if !ok {
		return notApplicable(r.ID())
	}

	if salary > band.SalaryMax {
		return deny(r.ID(), fmt.Sprintf("salary %.0f exceeds band %s ceiling %.0f", salary, level, band.SalaryMax), &kernel.Remediation{
			Suggestion:    fmt.Sprintf("clamp salary to band maximum (%.0f)", band.SalaryMax),
			AutoFix:       map[string]any{"salary": band.SalaryMax},
			Reversibility: kernel.ReversibilityHigh,
		})
	}
	if salary < band.SalaryMin {
		return deny(r.ID(), fmt.Sprintf("salary %.0f is below band %s floor %.0f", salary, level, band.SalaryMin), &kernel.Remediation{
			Suggestion:    fmt.Sprintf("raise salary to band minimum (%.0f)", band.SalaryMin),
			AutoFix:       map[string]any{"salary": band.SalaryMin},
			Reversibility: kernel.ReversibilityHigh,
		})
	}

	if band.EquityMax > 0 {
		if equity, ok := argFloat(intent.Args, "equity"); ok && equity > band.EquityMax {
			return deny(r.ID(), fmt.Sprintf("equity %.0f exceeds band %s cap %.0f", equity, level, band.EquityMax), &kernel.Remediation{
				Suggestion:    fmt.Sprintf("clamp equity to band cap (%.0f)", band.EquityMax),
				AutoFix:       map[string]any{"equity": band.EquityMax},
				Reversibility: kernel.ReversibilityHigh,
			})
		}
	}

	return allow(r.ID())
}

func argFloat(args map[string]any, field string) (float64, bool) {
	switch v := args[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
