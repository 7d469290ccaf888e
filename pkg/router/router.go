// Package router decides how an incoming task proceeds: straight to
// execution, through the approval gate, or back to its author for missing
// information.
package router

import (
	"fmt"
	"strings"

	"github.com/mahnoorkhalid8/digitalfte/pkg/approval"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

// Decision is the routing outcome for a task.
type Decision string

const (
	DecisionExecuteDirect      Decision = "EXECUTE_DIRECT"
	DecisionNeedsApproval      Decision = "NEEDS_APPROVAL"
	DecisionNeedsClarification Decision = "NEEDS_CLARIFICATION"
)

// Assessor classifies a task's sensitivity. *approval.Classifier implements it.
type Assessor interface {
	Assess(t *task.Task) approval.Assessment
}

// Estimator estimates how well a task's plan is understood, in [0,1].
// *planner.Planner implements it.
type Estimator interface {
	EstimateConfidence(t *task.Task) float64
}

// Result is a decision with the reasons that produced it.
type Result struct {
	Decision   Decision
	Reasons    []string
	Missing    []string
	Confidence float64
	Assessment approval.Assessment
}

// Router is a pure decision function over tasks. It holds no mutable state,
// writes nothing, and returns the same decision for the same task.
type Router struct {
	assessor  Assessor
	estimator Estimator
	threshold float64
}

// New creates a Router. estimator may be nil to disable the confidence
// check; a threshold of zero or less disables it as well.
func New(assessor Assessor, estimator Estimator, threshold float64) *Router {
	return &Router{
		assessor:  assessor,
		estimator: estimator,
		threshold: threshold,
	}
}

// Route returns the decision for t.
func (r *Router) Route(t *task.Task) Decision {
	return r.Explain(t).Decision
}

// Explain routes t and reports why. Tasks that cannot be classified go to
// approval, never to direct execution.
func (r *Router) Explain(t *task.Task) Result {
	if missing := t.Missing(); len(missing) > 0 {
		return Result{
			Decision: DecisionNeedsClarification,
			Missing:  missing,
			Reasons:  []string{fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))},
		}
	}

	var res Result
	if r.assessor == nil {
		res.Decision = DecisionNeedsApproval
		res.Reasons = []string{"no sensitivity classifier configured"}
		return res
	}

	res.Assessment = r.assessor.Assess(t)
	res.Reasons = append(res.Reasons, res.Assessment.Triggers...)
	res.Reasons = append(res.Reasons, res.Assessment.Ambiguities...)

	if r.estimator != nil && r.threshold > 0 {
		res.Confidence = r.estimator.EstimateConfidence(t)
		if res.Confidence < r.threshold {
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("plan confidence %.0f%% below %.0f%%", res.Confidence*100, r.threshold*100))
			res.Decision = DecisionNeedsApproval
			return res
		}
	}

	if res.Assessment.NeedsApproval() {
		res.Decision = DecisionNeedsApproval
		return res
	}
	res.Decision = DecisionExecuteDirect
	return res
}
