package workflow

import (
	"context"
	"time"
)

// Decision is the outcome of a governance evaluation.
type Decision string

const (
	// DecisionAllow lets the step proceed.
	DecisionAllow Decision = "allow"
	// DecisionDeny fails the step without invoking its executor.
	DecisionDeny Decision = "deny"
	// DecisionRequireApproval suspends the step until an approval
	// arrives or the approval timeout elapses.
	DecisionRequireApproval Decision = "require_approval"
)

// StepAction describes the step about to be dispatched, as presented to
// the governance policy.
type StepAction struct {
	RunID       string
	StepID      string
	ExecutorRef string
	Inputs      map[string]any
}

// GovernancePolicy is an optional external collaborator consulted
// before each dispatch.
type GovernancePolicy interface {
	Evaluate(ctx context.Context, action StepAction) (Decision, error)
}

// ApprovalWaiter is implemented by governance policies that support the
// require-approval decision. AwaitApproval blocks until the step is
// approved (true), rejected (false), or the context expires.
type ApprovalWaiter interface {
	AwaitApproval(ctx context.Context, runID, stepID string) (bool, error)
}

// awaitApproval resolves a require-approval decision: it waits on the
// policy's approval waiter under the configured timeout. A policy
// without a waiter, a timeout, or an explicit rejection all collapse to
// deny.
func awaitApproval(ctx context.Context, policy GovernancePolicy, action StepAction, timeout time.Duration) bool {
	waiter, ok := policy.(ApprovalWaiter)
	if !ok {
		return false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	approved, err := waiter.AwaitApproval(ctx, action.RunID, action.StepID)
	if err != nil {
		return false
	}
	return approved
}
