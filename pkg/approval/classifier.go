package approval

import (
	"fmt"
	"strings"

	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

var (
	impactLevels      = set("low", "medium", "high", "critical")
	sensitivityLevels = set("none", "low", "medium", "high", "pii")
	reversibilities   = set("reversible", "partially_reversible", "irreversible")
)

// Assessment explains a classification.
type Assessment struct {
	// Sensitive is the result of the sensitivity disjunction.
	Sensitive bool
	// Triggers lists every condition that made the task sensitive.
	Triggers []string
	// Ambiguities lists inputs the classifier could not judge: unknown
	// action types and missing or unrecognized risk fields.
	Ambiguities []string
	Policy      PolicyResult
}

// NeedsApproval is true when the task is sensitive or could not be classified.
func (a Assessment) NeedsApproval() bool {
	return a.Sensitive || len(a.Ambiguities) > 0
}

// Classifier decides whether a task needs a human decision. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	policy    PolicyEvaluator
	sensitive map[string]bool
	always    map[string]bool
	known     map[string]bool
}

// NewClassifier builds a classifier from rules. policy may be nil.
func NewClassifier(rules Rules, policy PolicyEvaluator) *Classifier {
	c := &Classifier{
		policy:    policy,
		sensitive: set(rules.SensitiveActions...),
		always:    set(rules.AlwaysRequireApproval...),
		known:     set(rules.SensitiveActions...),
	}
	for _, a := range rules.AlwaysRequireApproval {
		c.known[a] = true
	}
	for _, a := range rules.AutoApprove {
		c.known[a] = true
	}
	return c
}

// IsSensitive reports whether any sensitivity trigger fires for t.
func (c *Classifier) IsSensitive(t *task.Task) bool {
	return c.Assess(t).Sensitive
}

// Assess classifies t and records why.
func (c *Classifier) Assess(t *task.Task) Assessment {
	var a Assessment
	if t == nil {
		a.Ambiguities = []string{"no task"}
		return a
	}
	n := t.Normalized()

	trigger := func(format string, args ...interface{}) {
		a.Sensitive = true
		a.Triggers = append(a.Triggers, fmt.Sprintf(format, args...))
	}

	if c.sensitive[n.ActionType] {
		trigger("action_type %s is sensitive", n.ActionType)
	}
	if c.always[n.ActionType] {
		trigger("action_type %s always requires approval", n.ActionType)
	}
	if n.ImpactLevel == "high" || n.ImpactLevel == "critical" {
		trigger("impact_level is %s", n.ImpactLevel)
	}
	if n.DataSensitivity == "high" || n.DataSensitivity == "pii" {
		trigger("data_sensitivity is %s", n.DataSensitivity)
	}
	if n.Reversibility == "irreversible" {
		trigger("action is irreversible")
	}
	if c.policy != nil {
		a.Policy = c.policy.CheckPolicy(&n)
		if !a.Policy.Compliant {
			trigger("policy violation: %s", strings.Join(a.Policy.Violations, "; "))
		}
	} else {
		a.Policy = PolicyResult{Compliant: true}
	}

	if n.ActionType != "" && !c.known[n.ActionType] {
		a.Ambiguities = append(a.Ambiguities, fmt.Sprintf("unknown action_type %q", n.ActionType))
	}
	a.Ambiguities = append(a.Ambiguities, checkField("impact_level", n.ImpactLevel, impactLevels)...)
	a.Ambiguities = append(a.Ambiguities, checkField("data_sensitivity", n.DataSensitivity, sensitivityLevels)...)
	a.Ambiguities = append(a.Ambiguities, checkField("reversibility", n.Reversibility, reversibilities)...)
	return a
}

// RiskAnalysis builds the document risk section for t from its declared
// risk fields and the classifier's findings.
func (c *Classifier) RiskAnalysis(t *task.Task) RiskAnalysis {
	a := c.Assess(t)
	r := RiskAnalysis{
		ImpactLevel:     t.ImpactLevel,
		Reversibility:   t.Reversibility,
		DataSensitivity: t.DataSensitivity,
		Scope:           t.Scope,
		PolicyStatus:    "compliant",
		Violations:      a.Policy.Violations,
		Triggers:        append(a.Triggers, a.Ambiguities...),
	}
	if !a.Policy.Compliant {
		r.PolicyStatus = "violation"
	}
	if t.Details != nil {
		r.Risks = append(r.Risks, t.Details.Risks...)
		r.Safeguards = append(r.Safeguards, t.Details.Safeguards...)
	}
	return r
}

func checkField(name, value string, allowed map[string]bool) []string {
	if value == "" {
		return []string{"missing " + name}
	}
	if !allowed[value] {
		return []string{fmt.Sprintf("unrecognized %s %q", name, value)}
	}
	return nil
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return m
}
