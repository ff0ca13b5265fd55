package policy

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
)

// Reason is the outcome of evaluating one issue
type Reason string

const (
	ReasonEligible           Reason = "eligible"
	ReasonCategoryNotAllowed Reason = "category-not-allowed"
	ReasonSeverityNotAllowed Reason = "severity-not-allowed"
	ReasonApprovalRequired   Reason = "approval-required"
	ReasonCooldown           Reason = "cooldown"
	ReasonNotActionable      Reason = "not-actionable"
	ReasonDuplicateKey       Reason = "duplicate-key"
	ReasonLimitReached       Reason = "limit-reached"
)

// Options are the per-run inputs to an evaluation
type Options struct {
	Now time.Time
	// MaxActions is the operator limit; 0 means the policy limit applies
	MaxActions int
	Approval   types.ApprovalDecision
}

// Decision is the evaluation of a single issue
type Decision struct {
	Issue      types.Issue
	Eligible   bool
	Reason     Reason
	ApprovedBy string
}

// Evaluation is the ordered result of evaluating a batch of issues
type Evaluation struct {
	Decisions []Decision
	Limit     int
}

// Selected returns the decisions that passed every check, in order
func (e Evaluation) Selected() []Decision {
	var out []Decision
	for _, d := range e.Decisions {
		if d.Eligible {
			out = append(out, d)
		}
	}
	return out
}

// Engine decides which issues may be healed automatically
type Engine struct {
	policy types.HealingPolicy
	ledger *Ledger
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewEngine validates policy and creates an engine over ledger
func NewEngine(policy types.HealingPolicy, ledger *Ledger) (*Engine, error) {
	if err := Validate(policy); err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = NewLedger(nil)
	}
	return &Engine{
		policy: policy,
		ledger: ledger,
		logger: log.WithComponent("policy"),
	}, nil
}

// Policy returns the active policy
func (e *Engine) Policy() types.HealingPolicy {
	return e.policy
}

// Ledger returns the cooldown ledger
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Limit returns the effective action limit for the operator limit maxActions
func (e *Engine) Limit(maxActions int) int {
	limit := e.policy.MaxConcurrentActions
	if maxActions > 0 && maxActions < limit {
		limit = maxActions
	}
	return limit
}

// Evaluate runs the checks without touching the ledger
func (e *Engine) Evaluate(issues []types.Issue, opts Options) (Evaluation, error) {
	if opts.MaxActions < 0 {
		return Evaluation{}, fault.New(fault.CodePolicyConfigInvalid, "max healing actions must not be negative",
			fault.Field("max_actions", opts.MaxActions))
	}
	eval := e.evaluate(issues, opts)
	e.logDecisions(eval, zerolog.DebugLevel)
	return eval, nil
}

// Reserve evaluates issues and stamps the cooldown of every selected issue
// before returning, so a concurrent evaluation cannot select them again.
func (e *Engine) Reserve(ctx context.Context, issues []types.Issue, opts Options) (Evaluation, error) {
	if opts.MaxActions < 0 {
		return Evaluation{}, fault.New(fault.CodePolicyConfigInvalid, "max healing actions must not be negative",
			fault.Field("max_actions", opts.MaxActions))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	eval := e.evaluate(issues, opts)

	selected := eval.Selected()
	keys := make([]types.CooldownKey, 0, len(selected))
	for _, d := range selected {
		keys = append(keys, d.Issue.Key())
	}
	if err := e.ledger.Stamp(ctx, keys, opts.Now); err != nil {
		return Evaluation{}, err
	}

	e.logDecisions(eval, zerolog.InfoLevel)
	for _, d := range eval.Decisions {
		metrics.HealingDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
	}
	return eval, nil
}

func (e *Engine) evaluate(issues []types.Issue, opts Options) Evaluation {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	ordered := append([]types.Issue(nil), issues...)
	types.SortIssues(ordered)

	eval := Evaluation{
		Decisions: make([]Decision, 0, len(ordered)),
		Limit:     e.Limit(opts.MaxActions),
	}
	taken := make(map[types.CooldownKey]struct{})
	selected := 0

	for _, issue := range ordered {
		d := Decision{Issue: issue}
		d.Reason, d.ApprovedBy = e.check(issue, now, opts.Approval)

		if d.Reason == ReasonEligible {
			if _, dup := taken[issue.Key()]; dup {
				d.Reason = ReasonDuplicateKey
			} else if selected >= eval.Limit {
				d.Reason = ReasonLimitReached
			} else {
				d.Eligible = true
				taken[issue.Key()] = struct{}{}
				selected++
			}
		}
		if !d.Eligible {
			d.ApprovedBy = ""
		}
		eval.Decisions = append(eval.Decisions, d)
	}
	return eval
}

func (e *Engine) check(issue types.Issue, now time.Time, approval types.ApprovalDecision) (Reason, string) {
	if !e.policy.AllowsCategory(issue.Category) {
		return ReasonCategoryNotAllowed, ""
	}
	if !e.policy.AllowsSeverity(issue.Severity) {
		return ReasonSeverityNotAllowed, ""
	}

	approvedBy := "policy:" + e.policy.Name
	if e.policy.NeedsApproval(issue.Category) {
		if !approval.OperatorOverride() {
			return ReasonApprovalRequired, ""
		}
		approvedBy = "operator"
	}

	if last, ok := e.ledger.LastAttempt(issue.Key()); ok {
		if now.Sub(last) < e.policy.Cooldown {
			return ReasonCooldown, ""
		}
	}
	if !issue.Actionable {
		return ReasonNotActionable, ""
	}
	return ReasonEligible, approvedBy
}

func (e *Engine) logDecisions(eval Evaluation, level zerolog.Level) {
	for _, d := range eval.Decisions {
		e.logger.WithLevel(level).
			Str("node", d.Issue.Node).
			Str("category", string(d.Issue.Category)).
			Str("severity", string(d.Issue.Severity)).
			Str("partner", d.Issue.Partner).
			Bool("eligible", d.Eligible).
			Str("reason", string(d.Reason)).
			Msg("healing decision")
	}
}
