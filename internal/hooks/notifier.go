package hooks

import (
	"context"

	"github.com/felixgeelhaar/flotilla/internal/approval"
)

// ApprovalNotifier publishes approval gate activity as hook events. It
// satisfies approval.Notifier and approval.DecisionNotifier.
type ApprovalNotifier struct {
	Registry *Registry
}

var (
	_ approval.Notifier         = (*ApprovalNotifier)(nil)
	_ approval.DecisionNotifier = (*ApprovalNotifier)(nil)
)

// Notify emits on_approval_pending
func (n *ApprovalNotifier) Notify(ctx context.Context, req approval.Request) error {
	_, err := n.Registry.Trigger(ctx, NewEvent(EventApprovalPending, req.Context["prd_id"], requestData(req)))
	return err
}

// NotifyDecision emits on_approval_decided
func (n *ApprovalNotifier) NotifyDecision(ctx context.Context, req approval.Request, outcome approval.Outcome) error {
	data := requestData(req)
	data["outcome"] = string(outcome)
	data["reason"] = req.DecisionReason
	_, err := n.Registry.Trigger(ctx, NewEvent(EventApprovalDecided, req.Context["prd_id"], data))
	return err
}

func requestData(req approval.Request) map[string]any {
	data := map[string]any{
		"request_id": req.ID,
		"agent_id":   req.AgentID,
		"phase":      req.Phase.String(),
		"operation":  req.Operation,
		"risk":       req.RiskLevel.String(),
	}
	if task := req.Context["task_id"]; task != "" {
		data["task_id"] = task
	}
	return data
}
