package repair

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/health"
	"github.com/cuemby/replguard/pkg/types"
)

// Request asks the actuator to run one corrective action on a node
type Request struct {
	ActionID string
	Node     types.Node
	Action   types.RepairKind
	Partner  types.Node
}

// Outcome is what the actuator reports back
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Repairer drives a corrective action on a remote node
type Repairer interface {
	Repair(ctx context.Context, req Request) (Outcome, error)
}

// RepairerFunc adapts a function to Repairer
type RepairerFunc func(ctx context.Context, req Request) (Outcome, error)

// Repair calls f
func (f RepairerFunc) Repair(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// ExecRepairer runs an external command per repair. The command template
// may use {node}, {action}, {partner} and {action_id}. Stdout may be a JSON
// Outcome; any other successful output is taken as the message.
type ExecRepairer struct {
	Command []string
	Timeout time.Duration
}

// NewExecRepairer creates an exec repairer with a 2 minute timeout
func NewExecRepairer(command []string) *ExecRepairer {
	return &ExecRepairer{
		Command: command,
		Timeout: 2 * time.Minute,
	}
}

// WithTimeout sets the per-call timeout
func (e *ExecRepairer) WithTimeout(timeout time.Duration) *ExecRepairer {
	e.Timeout = timeout
	return e
}

// Repair runs the command for req
func (e *ExecRepairer) Repair(ctx context.Context, req Request) (Outcome, error) {
	out, err := health.RunCommand(ctx, e.Command, e.Timeout, req.Node, map[string]string{
		"action":    string(req.Action),
		"partner":   req.Partner,
		"action_id": req.ActionID,
	})
	if err != nil {
		return Outcome{}, err
	}

	trimmed := strings.TrimSpace(string(out))
	if strings.HasPrefix(trimmed, "{") {
		var outcome Outcome
		if err := json.Unmarshal([]byte(trimmed), &outcome); err == nil {
			return outcome, nil
		}
	}
	return Outcome{Success: true, Message: trimmed}, nil
}

// ActionFor maps an issue category to its corrective action
func ActionFor(category types.IssueCategory) types.RepairKind {
	switch category {
	case types.CategoryReplicationFailure:
		return types.RepairForceSync
	case types.CategoryStaleReplication:
		return types.RepairReplicateFromPartner
	default:
		return types.RepairManualReview
	}
}

// Automated reports whether kind is carried out by the actuator
func Automated(kind types.RepairKind) bool {
	return kind == types.RepairForceSync || kind == types.RepairReplicateFromPartner
}
