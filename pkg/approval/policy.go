package approval

import (
	"fmt"
	"strings"

	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// PolicyResult is the outcome of a company policy check.
type PolicyResult struct {
	Compliant         bool
	Violations        []string
	RequiredApprovals []string
}

// PolicyEvaluator checks a task against company policy.
type PolicyEvaluator interface {
	CheckPolicy(t *task.Task) PolicyResult
}

// PolicyFunc adapts a function to PolicyEvaluator.
type PolicyFunc func(t *task.Task) PolicyResult

func (f PolicyFunc) CheckPolicy(t *task.Task) PolicyResult { return f(t) }

var piiKeywords = []string{
	"ssn", "social security",
	"credit card", "card number",
	"password", "secret",
	"bank account",
}

// DefaultPolicy implements the built-in communication and finance policies.
type DefaultPolicy struct {
	CompanyDomains     []string
	FinancialThreshold float64
}

// NewDefaultPolicy returns a policy with the given domains and threshold.
// An empty domain list means company.com; a non-positive threshold means 1000.
func NewDefaultPolicy(domains []string, threshold float64) *DefaultPolicy {
	if len(domains) == 0 {
		domains = []string{"company.com"}
	}
	if threshold <= 0 {
		threshold = 1000
	}
	return &DefaultPolicy{CompanyDomains: domains, FinancialThreshold: threshold}
}

// CheckPolicy implements PolicyEvaluator.
func (p *DefaultPolicy) CheckPolicy(t *task.Task) PolicyResult {
	result := PolicyResult{Compliant: true}
	if t == nil {
		return result
	}
	violate := func(reason, approver string) {
		result.Compliant = false
		result.Violations = append(result.Violations, reason)
		for _, a := range result.RequiredApprovals {
			if a == approver {
				return
			}
		}
		result.RequiredApprovals = append(result.RequiredApprovals, approver)
	}

	switch strings.ToLower(strings.TrimSpace(t.ActionType)) {
	case "send_email":
		if kw := findPII(t.Content); kw != "" {
			violate(fmt.Sprintf("email content mentions %q", kw), "privacy")
		}
		for _, r := range t.Recipients {
			if !p.internal(r) {
				violate(fmt.Sprintf("external recipient %s", r), "communications")
			}
		}
	case "financial_transaction":
		if t.Amount > p.FinancialThreshold {
			violate(fmt.Sprintf("amount %.2f exceeds threshold %.2f", t.Amount, p.FinancialThreshold), "finance")
		}
	case "post_linkedin", "post_twitter":
		violate("social media posts always require review", "communications")
	}
	return result
}

func (p *DefaultPolicy) internal(recipient string) bool {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(recipient[at+1:]))
	for _, d := range p.CompanyDomains {
		if strings.EqualFold(domain, d) {
			return true
		}
	}
	return false
}

func findPII(content string) string {
	lower := strings.ToLower(content)
	for _, kw := range piiKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}
