package repair

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu        sync.Mutex
	actions   []types.HealingAction
	rollbacks []types.RollbackRecord
	failWith  error
}

func (h *memHistory) AppendAction(ctx context.Context, action types.HealingAction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failWith != nil {
		return h.failWith
	}
	h.actions = append(h.actions, action)
	return nil
}

func (h *memHistory) AppendRollback(ctx context.Context, record types.RollbackRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks = append(h.rollbacks, record)
	return nil
}

func fastExecutor(attempts int) *retry.Executor {
	return retry.NewExecutor(retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, zerolog.Nop())
}

func task(node types.Node, category types.IssueCategory) Task {
	return Task{
		Issue: types.Issue{
			Node:       node,
			Category:   category,
			Severity:   types.SeverityMedium,
			Actionable: true,
			Partner:    "dc01",
		},
		ApprovedBy: "policy:test",
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, types.RepairForceSync, ActionFor(types.CategoryReplicationFailure))
	assert.Equal(t, types.RepairReplicateFromPartner, ActionFor(types.CategoryStaleReplication))
	assert.Equal(t, types.RepairManualReview, ActionFor(types.CategoryConnectivity))
	assert.False(t, Automated(types.RepairManualReview))
}

func TestDispatchSuccess(t *testing.T) {
	history := &memHistory{}
	var seen []Request
	var mu sync.Mutex

	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return Outcome{Success: true, Message: "synced"}, nil
	})

	d := NewDispatcher(repairer, fastExecutor(2), history).WithPolicy("conservative")
	result := d.Dispatch(context.Background(), []Task{task("dc02", types.CategoryStaleReplication)})

	require.NoError(t, result.Err)
	require.Len(t, result.Actions, 1)
	action := result.Actions[0]
	assert.True(t, action.Success)
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, types.RepairReplicateFromPartner, action.Action)
	assert.Equal(t, "conservative", action.Policy)
	assert.Equal(t, "policy:test", action.ApprovedBy)
	assert.Equal(t, 1, action.Attempts)
	assert.Equal(t, "synced", action.Message)
	assert.Empty(t, result.Rollbacks)
	assert.Equal(t, 0, result.Failed())
	assert.Equal(t, []types.Node{"dc02"}, result.RepairedNodes())

	require.Len(t, seen, 1)
	assert.Equal(t, action.ID, seen[0].ActionID)
	assert.Equal(t, types.Node("dc01"), seen[0].Partner)
	assert.Len(t, history.actions, 1)
}

func TestDispatchRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		if calls.Add(1) < 2 {
			return Outcome{}, errors.New("The RPC server is unavailable")
		}
		return Outcome{Success: true}, nil
	})

	result := NewDispatcher(repairer, fastExecutor(3), nil).
		Dispatch(context.Background(), []Task{task("dc02", types.CategoryReplicationFailure)})

	require.Len(t, result.Actions, 1)
	assert.True(t, result.Actions[0].Success)
	assert.Equal(t, 2, result.Actions[0].Attempts)
}

func TestDispatchUnsuccessfulOutcomeIsFailure(t *testing.T) {
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{Success: false, Message: "Access is denied"}, nil
	})

	result := NewDispatcher(repairer, fastExecutor(3), nil).
		Dispatch(context.Background(), []Task{task("dc02", types.CategoryReplicationFailure)})

	require.Len(t, result.Actions, 1)
	assert.False(t, result.Actions[0].Success)
	assert.Equal(t, 1, result.Actions[0].Attempts)
	assert.Contains(t, result.Actions[0].Message, "Access is denied")
	assert.Equal(t, 1, result.Failed())
}

func TestDispatchManualReview(t *testing.T) {
	var calls atomic.Int32
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		calls.Add(1)
		return Outcome{Success: true}, nil
	})

	result := NewDispatcher(repairer, fastExecutor(1), nil).
		Dispatch(context.Background(), []Task{task("dc03", types.CategoryConnectivity)})

	assert.Empty(t, result.Actions)
	require.Len(t, result.ManualReview, 1)
	assert.Equal(t, types.Node("dc03"), result.ManualReview[0].Node)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRollbackOnePerFailedAction(t *testing.T) {
	history := &memHistory{}
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		if req.Action == types.RepairForceSync && req.Node == "dc04" {
			// corrective sync also fails on dc04
			return Outcome{}, errors.New("logon failure")
		}
		if req.Action == types.RepairForceSync && req.Node != "dc02" {
			return Outcome{Success: true}, nil
		}
		return Outcome{}, errors.New("Access is denied")
	})

	tasks := []Task{
		task("dc02", types.CategoryStaleReplication),
		task("dc03", types.CategoryStaleReplication),
		task("dc04", types.CategoryStaleReplication),
		task("dc05", types.CategoryReplicationFailure),
	}

	d := NewDispatcher(repairer, fastExecutor(2), history).
		WithRollback(NewRollbackManager(repairer, history)).
		WithConcurrency(2)
	result := d.Dispatch(context.Background(), tasks)

	require.NoError(t, result.Err)
	require.Len(t, result.Actions, 4)

	failed := map[string]types.HealingAction{}
	for _, a := range result.Actions {
		if !a.Success {
			failed[a.ID] = a
		}
	}
	// dc05's force-sync succeeds, the three stale repairs fail
	assert.Len(t, failed, 3)

	perAction := map[string]int{}
	for _, r := range result.Rollbacks {
		perAction[r.ActionID]++
	}
	assert.Len(t, perAction, len(failed))
	for id := range failed {
		assert.Equal(t, 1, perAction[id], "action %s", id)
	}
	assert.Len(t, history.rollbacks, 3)

	byNode := map[types.Node]types.HealingAction{}
	for _, a := range result.Actions {
		byNode[a.Node] = a
	}
	assert.True(t, byNode["dc03"].RolledBack)
	assert.False(t, byNode["dc04"].RolledBack)
	assert.False(t, byNode["dc05"].RolledBack)

	// history carries the rolled back flag
	for _, a := range history.actions {
		assert.Equal(t, byNode[a.Node].RolledBack, a.RolledBack)
	}
}

func TestNoRollbackWhenDisabled(t *testing.T) {
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{}, errors.New("Access is denied")
	})
	result := NewDispatcher(repairer, fastExecutor(1), nil).
		Dispatch(context.Background(), []Task{task("dc02", types.CategoryStaleReplication)})

	assert.Equal(t, 1, result.Failed())
	assert.Empty(t, result.Rollbacks)
}

func TestRollbackRecordsFailureReason(t *testing.T) {
	history := &memHistory{}
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{Success: false, Message: "partner offline"}, nil
	})

	action := &types.HealingAction{ID: "a-1", Node: "dc02"}
	record, err := NewRollbackManager(repairer, history).Rollback(context.Background(), action)
	require.NoError(t, err)

	assert.Equal(t, "a-1", record.ActionID)
	assert.False(t, record.Success)
	assert.Equal(t, "partner offline", record.Reason)
	assert.False(t, action.RolledBack)
	assert.Len(t, history.rollbacks, 1)
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return Outcome{Success: true}, nil
	})

	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, task(fmt.Sprintf("dc%02d", i), types.CategoryStaleReplication))
	}

	result := NewDispatcher(repairer, fastExecutor(1), nil).WithConcurrency(2).Dispatch(context.Background(), tasks)
	assert.Len(t, result.Actions, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	// results keep task order
	for i, a := range result.Actions {
		assert.Equal(t, tasks[i].Issue.Node, a.Node)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{Success: true}, nil
	})

	tasks := []Task{
		task("dc01", types.CategoryStaleReplication),
		task("dc02", types.CategoryStaleReplication),
		task("dc03", types.CategoryStaleReplication),
	}

	start := time.Now()
	result := NewDispatcher(repairer, fastExecutor(1), nil).WithRateLimit(20).Dispatch(context.Background(), tasks)
	assert.Len(t, result.Actions, 3)
	// burst of one, then 50ms per start
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDispatchCancelledRateLimitFails(t *testing.T) {
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{Success: true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewDispatcher(repairer, fastExecutor(1), nil).WithRateLimit(0.001).
		Dispatch(ctx, []Task{task("dc01", types.CategoryStaleReplication)})
	require.Len(t, result.Actions, 1)
	assert.False(t, result.Actions[0].Success)
	assert.Contains(t, result.Actions[0].Message, "repair not started")
}

func TestDispatchHistoryFailure(t *testing.T) {
	history := &memHistory{failWith: errors.New("disk full")}
	repairer := RepairerFunc(func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{Success: true}, nil
	})

	result := NewDispatcher(repairer, fastExecutor(1), history).
		Dispatch(context.Background(), []Task{task("dc01", types.CategoryStaleReplication)})

	require.Error(t, result.Err)
	assert.True(t, fault.HasCode(result.Err, fault.CodeStorageFailure))
	assert.True(t, result.Actions[0].Success)
}

func TestExecRepairer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Run("json outcome", func(t *testing.T) {
		r := NewExecRepairer([]string{"sh", "-c", `echo '{"success":false,"message":"{action} on {node} from {partner}"}'`})
		out, err := r.Repair(context.Background(), Request{Node: "dc02", Action: types.RepairForceSync, Partner: "dc01"})
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, "force-sync on dc02 from dc01", out.Message)
	})

	t.Run("plain output", func(t *testing.T) {
		r := NewExecRepairer([]string{"sh", "-c", "echo done"})
		out, err := r.Repair(context.Background(), Request{Node: "dc02", Action: types.RepairForceSync})
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, "done", out.Message)
	})

	t.Run("command failure carries stderr", func(t *testing.T) {
		r := NewExecRepairer([]string{"sh", "-c", "echo 'The RPC server is unavailable' >&2; exit 1"}).WithTimeout(5 * time.Second)
		_, err := r.Repair(context.Background(), Request{Node: "dc02", Action: types.RepairForceSync})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RPC server is unavailable")
	})
}
