package policy

import (
	"regexp"
	"strings"

	"github.com/aegiscore/aegis/internal/kernel"
)

// piiPattern is one regex-detected structured identifier and the
// sentinel its matches are replaced with on redaction. The set is kept
// narrow and declarative per SPEC_FULL §9 design note: this engine does
// not attempt statistical name detection.
type piiPattern struct {
	name    string
	re      *regexp.Regexp
	replace string
}

var defaultPIIPatterns = []piiPattern{
	{name: "phone", re: regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), replace: "[REDACTED_PHONE]"},
	{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), replace: "[REDACTED_SSN]"},
	{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), replace: "[REDACTED_EMAIL]"},
}

// PIIRedactionRule scans a free-text field for structured PII. When the
// intent declares an external recipient, matches are replaced with a
// fixed sentinel and the verdict is MODIFY; without a declared external
// recipient the text is not scanned and the rule returns no outcome.
type PIIRedactionRule struct {
	Tools     []string
	TextField string
	Patterns  []piiPattern
}

func NewPIIRedactionRule(tools []string, textField string) *PIIRedactionRule {
	return &PIIRedactionRule{Tools: tools, TextField: textField, Patterns: defaultPIIPatterns}
}

func (r *PIIRedactionRule) ID() string     { return "comms_pii_redaction" }
func (r *PIIRedactionRule) Domain() Domain { return DomainCommunication }

func (r *PIIRedactionRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	if !isExternalRecipient(intent) {
		return notApplicable(r.ID())
	}
	text, _ := intent.Args[r.TextField].(string)
	if text == "" {
		return notApplicable(r.ID())
	}

	redacted := text
	var hit bool
	for _, p := range r.Patterns {
		if p.re.MatchString(redacted) {
			hit = true
			redacted = p.re.ReplaceAllString(redacted, p.replace)
		}
	}
	if !hit {
		return notApplicable(r.ID())
	}

	return modify(r.ID(), "redacted PII before sending to an external recipient", map[string]any{
		r.TextField: redacted,
	})
}

func isExternalRecipient(intent kernel.Intent) bool {
	to, _ := intent.Args["to"].(string)
	if to == "" {
		return false
	}
	domain := intent.Context["internal_domain"]
	if domain == "" {
		// No internal-domain policy configured: treat any address with
		// an @ as potentially external, the conservative default.
		return strings.Contains(to, "@")
	}
	return strings.Contains(to, "@") && !strings.HasSuffix(strings.ToLower(to), "@"+strings.ToLower(domain))
}

// InclusiveLanguageRule denies messages containing a configured
// denylisted term. Per SPEC_FULL §9, this denylist is consulted only on
// DENY rules, never folded into the MODIFY/redaction path.
type InclusiveLanguageRule struct {
	Tools     []string
	TextField string
	Denylist  []string
}

func NewInclusiveLanguageRule(tools []string, textField string, denylist []string) *InclusiveLanguageRule {
	return &InclusiveLanguageRule{Tools: tools, TextField: textField, Denylist: denylist}
}

func (r *InclusiveLanguageRule) ID() string     { return "comms_inclusive_language" }
func (r *InclusiveLanguageRule) Domain() Domain { return DomainCommunication }

func (r *InclusiveLanguageRule) Evaluate(intent kernel.Intent, ctx Context) kernel.RuleOutcome {
	if !toolMatches(intent.Tool, r.Tools) {
		return notApplicable(r.ID())
	}
	text, _ := intent.Args[r.TextField].(string)
	if text == "" {
		return notApplicable(r.ID())
	}
	lower := strings.ToLower(text)
	for _, term := range r.Denylist {
		if strings.Contains(lower, strings.ToLower(term)) {
			return deny(r.ID(), "message contains a denylisted term: "+term, &kernel.Remediation{
				Suggestion:    "rephrase without the flagged term",
				Reversibility: kernel.ReversibilityHigh,
			})
		}
	}
	return allow(r.ID())
}
