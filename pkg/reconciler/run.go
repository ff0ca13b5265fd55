package reconciler

import (
	"github.com/cuemby/replguard/pkg/delta"
	"github.com/cuemby/replguard/pkg/policy"
	"github.com/cuemby/replguard/pkg/report"
	"github.com/cuemby/replguard/pkg/types"
)

// Run is everything one cycle observed and did
type Run struct {
	Summary  types.RunSummary
	Decision delta.Decision

	Snapshots map[types.Node]types.HealthSnapshot
	// Issues are the issues found by the scan
	Issues []types.Issue
	// Remaining are the issues left once repaired nodes were verified
	Remaining []types.Issue

	Decisions     []policy.Decision
	Actions       []types.HealingAction
	Rollbacks     []types.RollbackRecord
	ManualReview  []types.Issue
	Verifications []types.VerificationResult
}

// Report returns the run's collections for a report sink
func (run *Run) Report() report.Collections {
	return report.Collections{
		Summary:       run.Summary,
		Snapshots:     run.Snapshots,
		Issues:        run.Issues,
		Actions:       run.Actions,
		Rollbacks:     run.Rollbacks,
		Verifications: run.Verifications,
	}
}

// FinalStatuses returns each node's status after verification
func (run *Run) FinalStatuses() map[types.Node]types.NodeStatus {
	statuses := make(map[types.Node]types.NodeStatus, len(run.Snapshots))
	for node, snap := range run.Snapshots {
		statuses[node] = snap.Status
	}
	for _, v := range run.Verifications {
		statuses[v.Node] = v.Status
	}
	return statuses
}

func (run *Run) summarize() {
	s := &run.Summary
	statuses := run.FinalStatuses()

	s.Total = len(statuses)
	s.Healthy, s.Degraded, s.Unreachable, s.Unknown = 0, 0, 0, 0
	for _, status := range statuses {
		switch status {
		case types.NodeStatusHealthy:
			s.Healthy++
		case types.NodeStatusDegraded:
			s.Degraded++
		case types.NodeStatusUnreachable:
			s.Unreachable++
		default:
			s.Unknown++
		}
	}

	s.IssuesFound = len(run.Issues)
	s.IssuesRemaining = len(run.Remaining)
	s.ActionsPerformed = len(run.Actions)
	s.ActionsFailed = 0
	for _, a := range run.Actions {
		if !a.Success {
			s.ActionsFailed++
		}
	}
	s.Rollbacks = len(run.Rollbacks)
	s.Verified = 0
	for _, v := range run.Verifications {
		if v.Healthy {
			s.Verified++
		}
	}
	s.Code = ResultCode(statuses, run.Remaining)
}

// ResultCode maps final node statuses and remaining issues to a result code:
// unreachable nodes win over remaining issues, and a node whose status could
// not be determined counts as an issue
func ResultCode(statuses map[types.Node]types.NodeStatus, remaining []types.Issue) types.ResultCode {
	code := types.ResultHealthy
	if len(remaining) > 0 {
		code = types.ResultIssuesRemain
	}
	for _, status := range statuses {
		switch status {
		case types.NodeStatusUnreachable:
			return types.ResultUnreachable
		case types.NodeStatusUnknown:
			code = types.ResultIssuesRemain
		}
	}
	return code
}
