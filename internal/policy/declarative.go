package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/aegiscore/aegis/internal/kernel"
)

// DeclarativeOutcome is the operator-declared result a CEL rule produces
// when its condition evaluates true. Declarative rules may only Deny or
// Warn; MODIFY patches require Go-level knowledge of field shape and stay
// a built-in-rule concern.
type DeclarativeOutcome string

const (
	DeclareDeny DeclarativeOutcome = "deny"
	DeclareWarn DeclarativeOutcome = "warn"
)

// CELEvaluator compiles and evaluates operator-authored CEL expressions
// over intent.*, agent.*, and context.* variables. Expressions are
// compiled once at reload time and evaluation is lock-free and safe for
// concurrent use, mirroring the donor's CEL evaluator.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("intent.tool", cel.StringType),
		cel.Variable("intent.description", cel.StringType),
		cel.Variable("intent.agent_id", cel.StringType),
		cel.Variable("intent.session_id", cel.StringType),
		cel.Variable("intent.capabilities", cel.ListType(cel.StringType)),
		cel.Variable("intent.args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("intent.context", cel.MapType(cel.StringType, cel.StringType)),

		cel.Variable("agent.id", cel.StringType),
		cel.Variable("agent.role", cel.StringType),

		cel.Variable("context.hour", cel.IntType),
		cel.Variable("context.weekday", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// Compile parses and type-checks a CEL expression, failing unless it
// evaluates to bool. This must be called at reload time, never in the
// per-intent hot path.
func (c *CELEvaluator) Compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return prg, nil
}

// DeclarativeRule wraps one compiled CEL condition as a Rule. It never
// panics on evaluation errors: a runtime CEL error is treated the same as
// Engine.evaluateOne treats a rule crash, by returning a Deny outcome, so a
// misbehaving declarative rule fails closed rather than silently passing.
type DeclarativeRule struct {
	id         string
	domain     Domain
	expression string
	program    cel.Program
	outcome    DeclarativeOutcome
	reason     string
}

// NewDeclarativeRule builds a Rule from a compiled CEL program. Compile
// failures must be caught by the loader before this constructor is
// called; reload fails and the previous rule set stays active.
func NewDeclarativeRule(id string, domain Domain, expression string, program cel.Program, outcome DeclarativeOutcome, reason string) *DeclarativeRule {
	return &DeclarativeRule{
		id:         id,
		domain:     domain,
		expression: expression,
		program:    program,
		outcome:    outcome,
		reason:     reason,
	}
}

func (r *DeclarativeRule) ID() string     { return r.id }
func (r *DeclarativeRule) Domain() Domain { return r.domain }

func (r *DeclarativeRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	vars := map[string]any{
		"intent.tool":         intent.Tool,
		"intent.description":  intent.Description,
		"intent.agent_id":     intent.AgentID,
		"intent.session_id":   intent.SessionID,
		"intent.capabilities": intent.Capabilities,
		"intent.args":         normalizeArgs(intent.Args),
		"intent.context":      intent.Context,

		"agent.id":   intent.AgentID,
		"agent.role": ctx.ActorRole,

		"context.hour":    int64(ctx.Now.Hour()),
		"context.weekday": ctx.Now.Weekday().String(),
	}
	if vars["intent.capabilities"] == nil {
		vars["intent.capabilities"] = []string{}
	}
	if vars["intent.args"] == nil {
		vars["intent.args"] = map[string]any{}
	}
	if vars["intent.context"] == nil {
		vars["intent.context"] = map[string]string{}
	}

	out, _, err := r.program.Eval(vars)
	if err != nil {
		return deny(r.id, fmt.Sprintf("declarative rule %q errored during evaluation: %v", r.expression, err), nil)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return deny(r.id, fmt.Sprintf("declarative rule %q produced a non-bool result", r.expression), nil)
	}
	if !matched {
		return notApplicable(r.id)
	}

	switch r.outcome {
	case DeclareWarn:
		return warn(r.id, r.reason)
	default:
		return deny(r.id, r.reason, &kernel.Remediation{
			Suggestion:    "review the declarative condition that flagged this action",
			Reversibility: kernel.ReversibilityMedium,
		})
	}
}

func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
