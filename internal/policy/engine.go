package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aegiscore/aegis/internal/kernel"
)

// CrashHook is invoked when a rule panics during evaluation, so the
// Gateway can record a DRIFT_ALERT severity=CRITICAL ledger entry
// without the policy package needing to import the ledger. agentID and
// intentID identify the intent being evaluated when the rule crashed.
type CrashHook func(ruleID, agentID, intentID string, recovered any)

// Engine evaluates the active rule set against intents. Reads (Evaluate,
// ListRules) take the read lock; only Reload takes the write lock, so
// concurrent evaluations never block each other.
type Engine struct {
	mu      sync.RWMutex
	rules   []Rule // sorted by ID ascending
	version string

	onCrash CrashHook
	logger  *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "policy.Engine")}
}

// SetCrashHook installs the callback invoked when a rule panics.
func (e *Engine) SetCrashHook(hook CrashHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCrash = hook
}

// Reload atomically swaps the active rule set. In-flight Evaluate calls
// continue against whatever slice they already captured, since rules is
// replaced, not mutated in place.
func (e *Engine) Reload(rules []Rule, version string) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = sorted
	e.version = version
	e.logger.Info("policy rule set reloaded", "version", version, "rule_count", len(sorted))
}

// ListRules returns the active rule set's descriptors.
func (e *Engine) ListRules() []RuleDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleDescriptor, len(e.rules))
	for i, r := range e.rules {
		out[i] = RuleDescriptor{ID: r.ID(), Domain: r.Domain()}
	}
	return out
}

// Version returns the currently active rule-set version id.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Evaluate runs every applicable rule in deterministic (rule id
// ascending) order and combines their outcomes per the composition
// semantics: Deny beats Modify beats Warn beats Allow. It is a pure
// function of (intent, ctx, active rule set) — calling it twice with the
// same inputs yields the same Verdict.
func (e *Engine) Evaluate(intent kernel.Intent, ctx Context) kernel.Verdict {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var denies, modifies, warns []kernel.RuleOutcome

	for _, r := range rules {
		outcome := e.evaluateOne(r, intent, ctx)
		if outcome.NotApplicable() {
			continue
		}
		switch outcome.Decision {
		case kernel.Deny:
			denies = append(denies, outcome)
		case kernel.Modify:
			modifies = append(modifies, outcome)
		case kernel.Warn:
			warns = append(warns, outcome)
		}
	}

	if len(denies) > 0 {
		return composeDeny(denies)
	}
	if len(modifies) > 0 {
		if v, ok := composeModify(modifies); ok {
			return v
		}
		// Overlapping patch fields is a configuration error; the
		// engine treats it as a hard Deny rather than silently
		// dropping one rule's patch.
		e.logger.Error("policy: overlapping MODIFY patches, treating as DENY",
			"rules", ruleIDs(modifies))
		return kernel.Verdict{
			Decision:    kernel.Deny,
			TriggeredBy: ruleIDs(modifies),
			Reasons:     []string{"configuration error: overlapping MODIFY patches across rules"},
		}
	}
	if len(warns) > 0 {
		return composeWarn(warns)
	}
	return kernel.Verdict{Decision: kernel.Allow}
}

// evaluateOne runs a single rule, converting a panic into a Deny outcome
// per the crash-isolation requirement: one crashing rule must not
// prevent others from being evaluated.
func (e *Engine) evaluateOne(r Rule, intent kernel.Intent, ctx Context) (outcome kernel.RuleOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("policy rule panicked", "rule_id", r.ID(), "recovered", fmt.Sprint(rec))
			e.mu.RLock()
			hook := e.onCrash
			e.mu.RUnlock()
			if hook != nil {
				hook(r.ID(), intent.AgentID, intent.ID, rec)
			}
			outcome = deny(r.ID(), fmt.Sprintf("rule crash: %s", r.ID()), nil)
		}
	}()
	return r.Evaluate(intent, ctx)
}

func ruleIDs(outcomes []kernel.RuleOutcome) []string {
	ids := make([]string, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.RuleID
	}
	return ids
}

func composeDeny(denies []kernel.RuleOutcome) kernel.Verdict {
	sort.Slice(denies, func(i, j int) bool { return denies[i].RuleID < denies[j].RuleID })
	v := kernel.Verdict{Decision: kernel.Deny}
	for _, d := range denies {
		v.TriggeredBy = append(v.TriggeredBy, d.RuleID)
		v.Reasons = append(v.Reasons, d.Reason)
	}
	// The first by precedence (ascending rule id) is the headline
	// remediation surfaced to the caller.
	v.Remediation = denies[0].Remediation
	return v
}

// composeModify accumulates every Modify patch, rejecting (ok=false) if
// two rules target the same field.
func composeModify(modifies []kernel.RuleOutcome) (kernel.Verdict, bool) {
	sort.Slice(modifies, func(i, j int) bool { return modifies[i].RuleID < modifies[j].RuleID })
	patch := map[string]any{}
	v := kernel.Verdict{Decision: kernel.Modify}
	for _, m := range modifies {
		for field, val := range m.Patch {
			if _, exists := patch[field]; exists {
				return kernel.Verdict{}, false
			}
			patch[field] = val
		}
		v.TriggeredBy = append(v.TriggeredBy, m.RuleID)
		v.Reasons = append(v.Reasons, m.Reason)
	}
	v.Patch = patch
	return v, true
}

func composeWarn(warns []kernel.RuleOutcome) kernel.Verdict {
	sort.Slice(warns, func(i, j int) bool { return warns[i].RuleID < warns[j].RuleID })
	v := kernel.Verdict{Decision: kernel.Warn}
	for _, w := range warns {
		v.TriggeredBy = append(v.TriggeredBy, w.RuleID)
		v.Reasons = append(v.Reasons, w.Reason)
	}
	return v
}
