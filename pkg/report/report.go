package report

import (
	"sort"

	"github.com/cuemby/replguard/pkg/types"
)

// Kind discriminates record variants
type Kind string

const (
	KindSnapshot     Kind = "snapshot"
	KindIssue        Kind = "issue"
	KindAction       Kind = "action"
	KindRollback     Kind = "rollback"
	KindVerification Kind = "verification"
)

// Record is one row of a run report. The set of variants is closed.
type Record interface {
	Kind() Kind
	sealed()
}

// SnapshotRecord carries one node's scan result
type SnapshotRecord struct {
	RunID    string               `json:"run_id"`
	Snapshot types.HealthSnapshot `json:"snapshot"`
}

// IssueRecord carries one classified issue
type IssueRecord struct {
	RunID string      `json:"run_id"`
	Issue types.Issue `json:"issue"`
}

// ActionRecord carries one healing action
type ActionRecord struct {
	RunID  string              `json:"run_id"`
	Action types.HealingAction `json:"action"`
}

// RollbackRecord carries one rollback attempt
type RollbackRecord struct {
	RunID    string               `json:"run_id"`
	Rollback types.RollbackRecord `json:"rollback"`
}

// VerificationRecord carries one post-repair observation
type VerificationRecord struct {
	RunID  string                   `json:"run_id"`
	Result types.VerificationResult `json:"result"`
}

func (SnapshotRecord) Kind() Kind     { return KindSnapshot }
func (IssueRecord) Kind() Kind        { return KindIssue }
func (ActionRecord) Kind() Kind       { return KindAction }
func (RollbackRecord) Kind() Kind     { return KindRollback }
func (VerificationRecord) Kind() Kind { return KindVerification }

func (SnapshotRecord) sealed()     {}
func (IssueRecord) sealed()        {}
func (ActionRecord) sealed()       {}
func (RollbackRecord) sealed()     {}
func (VerificationRecord) sealed() {}

// Collections is everything a run produced
type Collections struct {
	Summary       types.RunSummary
	Snapshots     map[types.Node]types.HealthSnapshot
	Issues        []types.Issue
	Actions       []types.HealingAction
	Rollbacks     []types.RollbackRecord
	Verifications []types.VerificationResult
}

// Records flattens c in a stable order: snapshots by node, then issues,
// actions, rollbacks and verifications as produced
func Records(c Collections) []Record {
	runID := c.Summary.RunID
	out := make([]Record, 0, len(c.Snapshots)+len(c.Issues)+len(c.Actions)+len(c.Rollbacks)+len(c.Verifications))

	nodes := make([]types.Node, 0, len(c.Snapshots))
	for n := range c.Snapshots {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		out = append(out, SnapshotRecord{RunID: runID, Snapshot: c.Snapshots[n]})
	}
	for _, i := range c.Issues {
		out = append(out, IssueRecord{RunID: runID, Issue: i})
	}
	for _, a := range c.Actions {
		out = append(out, ActionRecord{RunID: runID, Action: a})
	}
	for _, r := range c.Rollbacks {
		out = append(out, RollbackRecord{RunID: runID, Rollback: r})
	}
	for _, v := range c.Verifications {
		out = append(out, VerificationRecord{RunID: runID, Result: v})
	}
	return out
}

// Sink renders a run report
type Sink interface {
	Write(summary types.RunSummary, records []Record) error
}
