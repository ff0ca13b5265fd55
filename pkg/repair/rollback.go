package repair

import (
	"context"
	"time"

	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
)

// RollbackManager restores convergence after a failed repair by issuing a
// fresh force-sync. It makes exactly one attempt per failed action.
type RollbackManager struct {
	repairer Repairer
	history  History
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRollbackManager creates a rollback manager
func NewRollbackManager(repairer Repairer, history History) *RollbackManager {
	return &RollbackManager{
		repairer: repairer,
		history:  history,
		timeout:  2 * time.Minute,
		now:      time.Now,
		logger:   log.WithComponent("rollback"),
	}
}

// WithTimeout bounds the corrective call
func (m *RollbackManager) WithTimeout(timeout time.Duration) *RollbackManager {
	m.timeout = timeout
	return m
}

// Rollback issues the corrective call for action and appends a record
// whatever its outcome. action.RolledBack is set only when the corrective
// call succeeded. The returned error is a history write failure.
func (m *RollbackManager) Rollback(ctx context.Context, action *types.HealingAction) (types.RollbackRecord, error) {
	callCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	outcome, err := m.repairer.Repair(callCtx, Request{
		ActionID: action.ID,
		Node:     action.Node,
		Action:   types.RepairForceSync,
		Partner:  action.Partner,
	})

	record := types.RollbackRecord{
		ActionID:  action.ID,
		Node:      action.Node,
		Timestamp: m.now(),
	}
	switch {
	case err != nil:
		record.Reason = err.Error()
	case !outcome.Success:
		record.Reason = nonEmpty(outcome.Message, "corrective sync reported failure")
	default:
		record.Success = true
		record.Reason = nonEmpty(outcome.Message, "corrective sync completed")
	}
	action.RolledBack = record.Success

	result := "failure"
	if record.Success {
		result = "success"
	}
	metrics.RollbacksTotal.WithLabelValues(result).Inc()

	m.logger.Info().
		Str("action_id", action.ID).
		Str("node", action.Node).
		Bool("success", record.Success).
		Str("reason", record.Reason).
		Msg("rollback attempted")

	if m.history != nil {
		// record the rollback even if the caller's context is done
		if herr := m.history.AppendRollback(context.WithoutCancel(ctx), record); herr != nil {
			return record, herr
		}
	}
	return record, nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
