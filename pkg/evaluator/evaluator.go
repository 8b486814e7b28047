// Package evaluator defines the content gate consulted before any
// content-changing write reaches durable storage. The store only consumes the
// verdict; what counts as unsafe is the evaluator's business, not the
// store's.
package evaluator

import (
	"regexp"
	"strings"
)

// Verdict is the evaluator's answer for one piece of text.
type Verdict struct {
	Passed      bool     `json:"passed"`
	Risk        string   `json:"risk"`
	Reason      string   `json:"reason"`
	Constraints []string `json:"constraints,omitempty"`
	// Rewritten optionally carries a replacement payload. When non-empty and
	// Passed is true, callers store Rewritten instead of the original text.
	Rewritten string `json:"rewritten,omitempty"`
}

// Evaluator decides whether text may be stored or replayed.
type Evaluator interface {
	Evaluate(text, intent string) Verdict
}

// AllowAll passes everything. Useful in tests and when gating is disabled.
type AllowAll struct{}

func (AllowAll) Evaluate(string, string) Verdict {
	return Verdict{Passed: true, Risk: "none"}
}

// Rule is one deny pattern with its classification.
type Rule struct {
	Pattern    *regexp.Regexp
	Risk       string
	Reason     string
	Constraint string
}

// RuleEvaluator is a small pattern-table evaluator. It blocks text matching
// any rule and tags everything else with the constraints of near-miss rules.
type RuleEvaluator struct {
	rules []Rule
}

// NewRuleEvaluator returns an evaluator with the given rules. With no rules
// it behaves like AllowAll.
func NewRuleEvaluator(rules []Rule) *RuleEvaluator {
	return &RuleEvaluator{rules: rules}
}

// DefaultRules is a conservative starter table: secrets and credentials must
// not enter durable memory.
func DefaultRules() []Rule {
	return []Rule{
		{
			Pattern:    regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			Risk:       "high",
			Reason:     "private key material",
			Constraint: "no_credentials",
		},
		{
			Pattern:    regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|password)\s*[:=]\s*\S+`),
			Risk:       "high",
			Reason:     "credential assignment",
			Constraint: "no_credentials",
		},
	}
}

func (e *RuleEvaluator) Evaluate(text, intent string) Verdict {
	for _, r := range e.rules {
		if r.Pattern.MatchString(text) {
			return Verdict{
				Passed:      false,
				Risk:        r.Risk,
				Reason:      r.Reason + " (intent: " + intent + ")",
				Constraints: []string{r.Constraint},
			}
		}
	}
	v := Verdict{Passed: true, Risk: "low"}
	if strings.TrimSpace(text) == "" {
		// Empty payloads are allowed (merge bases can be empty) but flagged
		// so callers can decide whether to persist them.
		v.Constraints = append(v.Constraints, "empty_content")
	}
	return v
}
