package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// History is the append-only record of healing
type History interface {
	AppendAction(ctx context.Context, action types.HealingAction) error
	AppendRollback(ctx context.Context, record types.RollbackRecord) error
}

// Task is one issue selected for healing
type Task struct {
	Issue      types.Issue
	ApprovedBy string
}

// Result collects what a dispatch did
type Result struct {
	Actions      []types.HealingAction
	Rollbacks    []types.RollbackRecord
	ManualReview []types.Issue
	// Err holds history write failures; repair failures never surface here
	Err error
}

// Failed returns the number of unsuccessful actions
func (r Result) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if !a.Success {
			n++
		}
	}
	return n
}

// RepairedNodes returns the distinct nodes an action was run against
func (r Result) RepairedNodes() []types.Node {
	seen := make(map[types.Node]struct{})
	var nodes []types.Node
	for _, a := range r.Actions {
		if _, ok := seen[a.Node]; ok {
			continue
		}
		seen[a.Node] = struct{}{}
		nodes = append(nodes, a.Node)
	}
	return nodes
}

// Dispatcher runs repairs for selected issues, each through its own retry
// budget, and triggers rollback of failed ones when enabled
type Dispatcher struct {
	repairer    Repairer
	executor    *retry.Executor
	history     History
	rollback    *RollbackManager
	limiter     *rate.Limiter
	concurrency int
	policy      string
	now         func() time.Time
	newID       func() string
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher. history may be nil.
func NewDispatcher(repairer Repairer, executor *retry.Executor, history History) *Dispatcher {
	return &Dispatcher{
		repairer:    repairer,
		executor:    executor.WithComponent("repair"),
		history:     history,
		concurrency: 4,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      log.WithComponent("dispatcher"),
	}
}

// WithRollback enables rollback of failed actions through m
func (d *Dispatcher) WithRollback(m *RollbackManager) *Dispatcher {
	d.rollback = m
	return d
}

// WithConcurrency bounds the number of repairs in flight
func (d *Dispatcher) WithConcurrency(n int) *Dispatcher {
	if n > 0 {
		d.concurrency = n
	}
	return d
}

// WithRateLimit paces repair starts; perSecond <= 0 disables pacing
func (d *Dispatcher) WithRateLimit(perSecond float64) *Dispatcher {
	if perSecond <= 0 {
		d.limiter = nil
		return d
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	return d
}

// WithPolicy sets the policy name recorded on actions
func (d *Dispatcher) WithPolicy(name string) *Dispatcher {
	d.policy = name
	return d
}

// Dispatch runs every task and returns the records in task order.
// It never fails because a repair failed.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) Result {
	var result Result

	automated := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if !Automated(ActionFor(t.Issue.Category)) {
			d.logger.Warn().
				Str("node", t.Issue.Node).
				Str("category", string(t.Issue.Category)).
				Msg("no automated repair, flagged for manual review")
			result.ManualReview = append(result.ManualReview, t.Issue)
			continue
		}
		automated = append(automated, t)
	}

	type slot struct {
		action   types.HealingAction
		rollback *types.RollbackRecord
		err      error
	}
	slots := make([]slot, len(automated))

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for i, t := range automated {
		g.Go(func() error {
			action, rb, err := d.run(ctx, t)
			slots[i] = slot{action: action, rollback: rb, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, s := range slots {
		result.Actions = append(result.Actions, s.action)
		if s.rollback != nil {
			result.Rollbacks = append(result.Rollbacks, *s.rollback)
		}
		if s.err != nil {
			errs = append(errs, s.err)
		}
	}
	if len(errs) > 0 {
		result.Err = fault.Wrap(errors.Join(errs...), fault.CodeStorageFailure, "failed to record healing history")
	}
	return result
}

func (d *Dispatcher) run(ctx context.Context, t Task) (types.HealingAction, *types.RollbackRecord, error) {
	issue := t.Issue
	action := types.HealingAction{
		ID:         d.newID(),
		Node:       issue.Node,
		Category:   issue.Category,
		Partner:    issue.Partner,
		Action:     ActionFor(issue.Category),
		Policy:     d.policy,
		Timestamp:  d.now(),
		ApprovedBy: t.ApprovedBy,
	}
	logger := d.logger.With().
		Str("action_id", action.ID).
		Str("node", action.Node).
		Str("category", string(action.Category)).
		Logger()

	err := d.wait(ctx)
	if err == nil {
		var outcome Outcome
		outcome, action.Attempts, err = retry.Do(ctx, d.executor.WithLogger(logger), "repair "+issue.Node,
			func(ctx context.Context) (Outcome, error) {
				out, err := d.repairer.Repair(ctx, Request{
					ActionID: action.ID,
					Node:     action.Node,
					Action:   action.Action,
					Partner:  action.Partner,
				})
				if err != nil {
					return out, err
				}
				if !out.Success {
					return out, errors.New(nonEmpty(out.Message, "repair reported failure"))
				}
				return out, nil
			})
		if err == nil {
			action.Success = true
			action.Message = nonEmpty(outcome.Message, fmt.Sprintf("%s completed", action.Action))
		}
	}
	if err != nil {
		action.Message = err.Error()
	}

	result := "success"
	if !action.Success {
		result = "failure"
	}
	metrics.HealingActionsTotal.WithLabelValues(string(action.Category), result).Inc()

	logger.Info().
		Str("action", string(action.Action)).
		Int("attempts", action.Attempts).
		Bool("success", action.Success).
		Str("message", action.Message).
		Msg("repair finished")

	var rollback *types.RollbackRecord
	var errs []error
	if !action.Success && d.rollback != nil {
		rec, rerr := d.rollback.Rollback(ctx, &action)
		rollback = &rec
		if rerr != nil {
			errs = append(errs, rerr)
		}
	}

	if d.history != nil {
		if herr := d.history.AppendAction(context.WithoutCancel(ctx), action); herr != nil {
			logger.Error().Err(herr).Msg("failed to record healing action")
			errs = append(errs, herr)
		}
	}
	return action, rollback, errors.Join(errs...)
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("repair not started: %w", err)
	}
	return nil
}
