package reconciler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/replguard/pkg/classifier"
	"github.com/cuemby/replguard/pkg/delta"
	"github.com/cuemby/replguard/pkg/events"
	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/policy"
	"github.com/cuemby/replguard/pkg/repair"
	"github.com/cuemby/replguard/pkg/scanner"
	"github.com/cuemby/replguard/pkg/scope"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/cuemby/replguard/pkg/verify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode selects how far a run goes
type Mode string

const (
	// ModeAudit scans and classifies
	ModeAudit Mode = "audit"
	// ModeRepair audits, heals eligible issues and verifies repaired nodes
	ModeRepair Mode = "repair"
	// ModeVerify rescans the given nodes only; it never heals and leaves the
	// delta cache untouched
	ModeVerify Mode = "verify"
)

// Request describes one run
type Request struct {
	Scope      scope.Spec
	Mode       Mode
	ForceFull  bool
	DryRun     bool
	Approval   types.ApprovalDecision
	MaxActions int
}

// Store is the persistence a run needs besides the cooldown ledger
type Store interface {
	delta.Store
	SaveRun(ctx context.Context, summary types.RunSummary) error
}

// Scanner collects snapshots for a node set
type Scanner interface {
	Scan(ctx context.Context, nodes []types.Node, opts scanner.Options) map[types.Node]types.HealthSnapshot
}

// Components wires the reconciler. Engine, Dispatcher and Verifier are only
// required for repair runs; Broker is optional.
type Components struct {
	Resolver     *scope.Resolver
	Scanner      Scanner
	Classifier   *classifier.Classifier
	Engine       *policy.Engine
	Dispatcher   *repair.Dispatcher
	Verifier     *verify.Verifier
	Store        Store
	Broker       *events.Broker
	ScanOptions  scanner.Options
	DeltaOptions delta.Options
}

// Reconciler runs the audit/heal/verify cycle, once or periodically
type Reconciler struct {
	c      Components
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	hook   func(*Run, error)
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(c Components) *Reconciler {
	if c.Classifier == nil {
		c.Classifier = classifier.New()
	}
	return &Reconciler{
		c:      c,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: log.WithComponent("reconciler"),
	}
}

// OnRun registers fn to be called after every periodic run
func (r *Reconciler) OnRun(fn func(*Run, error)) {
	r.hook = fn
}

// RunOnce performs one cycle. Fatal errors and panics return a non-nil
// error together with a run whose summary carries ResultFatal; per-node and
// per-repair failures never surface as errors.
func (r *Reconciler) RunOnce(ctx context.Context, req Request) (run *Run, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	run = &Run{
		Summary: types.RunSummary{
			RunID:     r.newID(),
			Mode:      types.ScanModeFull,
			StartedAt: r.now(),
		},
	}
	logger := r.logger.With().Str("run_id", run.Summary.RunID).Str("mode", string(req.Mode)).Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("run panicked")
			err = fault.Errorf(fault.CodeInternalFailure, "run panicked: %v", p)
		}
		if err != nil {
			run.Summary.Code = types.ResultFatal
			run.Summary.Error = err.Error()
		}
		run.Summary.Duration = timer.Duration().String()
		timer.ObserveDuration(metrics.RunDuration)
		r.finish(run, logger)
	}()

	r.publish(events.EventRunStarted, run, "", string(req.Mode))
	err = r.execute(ctx, req, run, logger)
	return run, err
}

func (r *Reconciler) execute(ctx context.Context, req Request, run *Run, logger zerolog.Logger) error {
	switch req.Mode {
	case ModeAudit, ModeRepair, ModeVerify:
	default:
		return fault.New(fault.CodePolicyConfigInvalid, fmt.Sprintf("unknown run mode %q", req.Mode))
	}
	if req.MaxActions < 0 {
		return fault.New(fault.CodePolicyConfigInvalid, "max healing actions must not be negative")
	}
	if req.Mode == ModeRepair && (r.c.Engine == nil || r.c.Dispatcher == nil || r.c.Verifier == nil) {
		return fault.New(fault.CodeInternalFailure, "repair run without healing components")
	}

	nodes, err := r.c.Resolver.Resolve(req.Scope)
	if err != nil {
		return err
	}

	// Scope
	run.Decision = delta.Decision{Mode: types.ScanModeFull, Nodes: nodes, Reason: "verify-request"}
	if req.Mode != ModeVerify {
		prev, err := r.c.Store.GetDeltaCache(ctx)
		if err != nil {
			if fault.IsFatal(err) {
				return err
			}
			logger.Warn().Err(err).Msg("delta cache unavailable, scanning full scope")
			prev = nil
		}
		run.Decision = delta.Decide(prev, nodes, run.Summary.StartedAt, delta.Options{
			MaxAge:    r.c.DeltaOptions.MaxAge,
			ForceFull: req.ForceFull || r.c.DeltaOptions.ForceFull,
		})
	}
	run.Summary.Mode = run.Decision.Mode
	logger.Info().
		Str("scan_mode", string(run.Decision.Mode)).
		Str("reason", string(run.Decision.Reason)).
		Int("nodes", len(run.Decision.Nodes)).
		Msg("scan scope decided")

	// Scan
	run.Snapshots = r.c.Scanner.Scan(ctx, run.Decision.Nodes, r.c.ScanOptions)
	metrics.ScansTotal.WithLabelValues(string(run.Decision.Mode)).Inc()
	r.publish(events.EventScanCompleted, run, "", fmt.Sprintf("%d nodes scanned", len(run.Snapshots)))

	// Classify
	run.Issues = r.c.Classifier.Classify(run.Snapshots, r.now())
	for _, issue := range run.Issues {
		r.publish(events.EventIssueDetected, run, issue.Node, fmt.Sprintf("%s/%s: %s", issue.Category, issue.Severity, issue.Description))
	}
	run.Remaining = run.Issues

	var fatal error
	switch req.Mode {
	case ModeRepair:
		fatal = r.heal(ctx, req, run, logger)
	case ModeVerify:
		run.Verifications = observe(run.Snapshots, run.Issues, r.now())
		for _, v := range run.Verifications {
			r.publish(events.EventVerifyCompleted, run, v.Node, fmt.Sprintf("healthy=%t issues=%d", v.Healthy, len(v.Issues)))
		}
	}

	// Delta cache
	if req.Mode != ModeVerify && fatal == nil {
		entry := delta.Next(run.Decision.Nodes, run.Remaining, r.now())
		if err := r.c.Store.PutDeltaCache(ctx, entry); err != nil {
			if fault.IsFatal(err) {
				return err
			}
			logger.Warn().Err(err).Msg("delta cache not updated")
		}
	}

	run.summarize()
	return fatal
}

func (r *Reconciler) heal(ctx context.Context, req Request, run *Run, logger zerolog.Logger) error {
	opts := policy.Options{
		Now:        r.now(),
		MaxActions: req.MaxActions,
		Approval:   req.Approval,
	}

	var eval policy.Evaluation
	var err error
	if req.DryRun {
		eval, err = r.c.Engine.Evaluate(run.Issues, opts)
	} else {
		eval, err = r.c.Engine.Reserve(ctx, run.Issues, opts)
	}
	if err != nil {
		return err
	}
	run.Decisions = eval.Decisions

	selected := eval.Selected()
	logger.Info().
		Int("issues", len(run.Issues)).
		Int("selected", len(selected)).
		Int("limit", eval.Limit).
		Bool("dry_run", req.DryRun).
		Msg("healing evaluated")
	if req.DryRun || len(selected) == 0 {
		return nil
	}

	tasks := make([]repair.Task, 0, len(selected))
	for _, d := range selected {
		tasks = append(tasks, repair.Task{Issue: d.Issue, ApprovedBy: d.ApprovedBy})
	}

	result := r.c.Dispatcher.Dispatch(ctx, tasks)
	run.Actions = result.Actions
	run.Rollbacks = result.Rollbacks
	run.ManualReview = result.ManualReview

	for _, a := range result.Actions {
		if a.Success {
			r.publish(events.EventHealPerformed, run, a.Node, fmt.Sprintf("%s %s", a.Action, a.ID))
		} else {
			r.publish(events.EventHealFailed, run, a.Node, a.Message)
		}
	}
	for _, rb := range result.Rollbacks {
		r.publish(events.EventRollbackPerformed, run, rb.Node, fmt.Sprintf("action %s success=%t", rb.ActionID, rb.Success))
	}
	for _, issue := range result.ManualReview {
		r.publish(events.EventManualReview, run, issue.Node, string(issue.Category))
	}

	repaired := result.RepairedNodes()
	if len(repaired) > 0 {
		verifications, verr := r.c.Verifier.Verify(ctx, repaired)
		if verr != nil {
			logger.Warn().Err(verr).Msg("verification aborted, keeping pre-repair issues")
		} else {
			run.Verifications = verifications
			run.Remaining = replaceVerified(run.Issues, verifications)
			for _, v := range verifications {
				r.publish(events.EventVerifyCompleted, run, v.Node, fmt.Sprintf("healthy=%t issues=%d", v.Healthy, len(v.Issues)))
			}
		}
	}

	return result.Err
}

// replaceVerified swaps the issues of every verified node for the issues
// found when verifying it
func replaceVerified(issues []types.Issue, verifications []types.VerificationResult) []types.Issue {
	verified := make(map[types.Node]struct{}, len(verifications))
	for _, v := range verifications {
		verified[v.Node] = struct{}{}
	}

	out := make([]types.Issue, 0, len(issues))
	for _, issue := range issues {
		if _, ok := verified[issue.Node]; !ok {
			out = append(out, issue)
		}
	}
	for _, v := range verifications {
		out = append(out, v.Issues...)
	}
	types.SortIssues(out)
	return out
}

// observe turns a scan into verification results without waiting
func observe(snapshots map[types.Node]types.HealthSnapshot, issues []types.Issue, now time.Time) []types.VerificationResult {
	byNode := classifier.ByNode(issues)
	nodes := make([]types.Node, 0, len(snapshots))
	for node := range snapshots {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	results := make([]types.VerificationResult, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, types.VerificationResult{
			Node:      node,
			Healthy:   len(byNode[node]) == 0,
			Status:    snapshots[node].Status,
			Issues:    byNode[node],
			CheckedAt: now,
		})
	}
	return results
}

func (r *Reconciler) finish(run *Run, logger zerolog.Logger) {
	s := run.Summary

	metrics.RecordRun(s)
	metrics.NodesByStatus.Reset()
	metrics.NodesByStatus.WithLabelValues(string(types.NodeStatusHealthy)).Set(float64(s.Healthy))
	metrics.NodesByStatus.WithLabelValues(string(types.NodeStatusDegraded)).Set(float64(s.Degraded))
	metrics.NodesByStatus.WithLabelValues(string(types.NodeStatusUnreachable)).Set(float64(s.Unreachable))
	metrics.NodesByStatus.WithLabelValues(string(types.NodeStatusUnknown)).Set(float64(s.Unknown))
	metrics.IssuesByCategory.Reset()
	for _, issue := range run.Remaining {
		metrics.IssuesByCategory.WithLabelValues(string(issue.Category), string(issue.Severity)).Inc()
	}

	if r.c.Store != nil {
		if err := r.c.Store.SaveRun(context.Background(), s); err != nil {
			logger.Error().Err(err).Msg("failed to save run summary")
		}
	}

	event := logger.Info()
	if s.Code != types.ResultHealthy {
		event = logger.Warn()
	}
	event.
		Int("total", s.Total).
		Int("healthy", s.Healthy).
		Int("degraded", s.Degraded).
		Int("unreachable", s.Unreachable).
		Int("issues_found", s.IssuesFound).
		Int("issues_remaining", s.IssuesRemaining).
		Int("actions", s.ActionsPerformed).
		Int("actions_failed", s.ActionsFailed).
		Int("code", int(s.Code)).
		Str("duration", s.Duration).
		Msg("run completed")

	r.publish(events.EventRunCompleted, run, "", s.Code.String())
}

func (r *Reconciler) publish(t events.EventType, run *Run, node types.Node, msg string) {
	if r.c.Broker == nil {
		return
	}
	r.c.Broker.Publish(&events.Event{
		Type:    t,
		RunID:   run.Summary.RunID,
		Node:    node,
		Message: msg,
	})
}

// Start begins the periodic loop. The first run starts immediately.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration, req Request) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(ctx, interval, req)
}

// Stop stops the loop, cancelling a run in progress, and waits for it
func (r *Reconciler) Stop() {
	if r.stopCh == nil {
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, req Request) {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := r.RunOnce(ctx, req)
		if err != nil {
			r.logger.Error().Err(err).Msg("run failed")
		}
		if r.hook != nil {
			r.hook(run, err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
