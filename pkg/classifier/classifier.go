package classifier

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

// DefaultStaleThreshold is the age after which a partner's last successful
// replication counts as stale
const DefaultStaleThreshold = 24 * time.Hour

// Classifier turns health snapshots into issues. It performs no I/O and its
// output depends only on its input.
type Classifier struct {
	staleThreshold time.Duration
}

// New creates a classifier using the default stale threshold
func New() *Classifier {
	return &Classifier{staleThreshold: DefaultStaleThreshold}
}

// WithStaleThreshold overrides the stale replication threshold
func (c *Classifier) WithStaleThreshold(d time.Duration) *Classifier {
	if d > 0 {
		c.staleThreshold = d
	}
	return c
}

// StaleThreshold returns the configured threshold
func (c *Classifier) StaleThreshold() time.Duration {
	return c.staleThreshold
}

// Classify evaluates every rule against every snapshot and returns the
// issues sorted by severity, node, category and partner.
func (c *Classifier) Classify(snapshots map[types.Node]types.HealthSnapshot, now time.Time) []types.Issue {
	issues := make([]types.Issue, 0)
	for _, snap := range snapshots {
		issues = append(issues, c.ClassifySnapshot(snap, now)...)
	}
	types.SortIssues(issues)
	return issues
}

// ClassifySnapshot returns the issues of a single snapshot
func (c *Classifier) ClassifySnapshot(snap types.HealthSnapshot, now time.Time) []types.Issue {
	var issues []types.Issue

	if snap.Status == types.NodeStatusUnreachable {
		desc := "node unreachable"
		if snap.Error != "" {
			desc = fmt.Sprintf("node unreachable: %s", snap.Error)
		}
		issues = append(issues, types.Issue{
			Node:        snap.Node,
			Category:    types.CategoryConnectivity,
			Severity:    types.SeverityHigh,
			Description: desc,
			Actionable:  false,
		})
	}

	for _, f := range snap.Failures {
		desc := fmt.Sprintf("replication from %s failing (%d failures)", f.Partner, f.FailureCount)
		if f.LastError != "" {
			desc += ": " + f.LastError
		}
		issues = append(issues, types.Issue{
			Node:        snap.Node,
			Category:    types.CategoryReplicationFailure,
			Severity:    types.SeverityHigh,
			Description: desc,
			Actionable:  true,
			Partner:     f.Partner,
		})
	}

	for _, p := range snap.Partners {
		if p.ConsecutiveFailures > 0 {
			continue
		}
		var desc string
		if p.LastSuccess.IsZero() {
			desc = fmt.Sprintf("no successful replication from %s recorded", p.Partner)
		} else {
			age := now.Sub(p.LastSuccess)
			if age <= c.staleThreshold {
				continue
			}
			desc = fmt.Sprintf("no successful replication from %s for %s", p.Partner, age.Truncate(time.Minute))
		}
		issues = append(issues, types.Issue{
			Node:        snap.Node,
			Category:    types.CategoryStaleReplication,
			Severity:    types.SeverityMedium,
			Description: desc,
			Actionable:  true,
			Partner:     p.Partner,
		})
	}

	return issues
}

// Classify runs the default classifier over snapshots
func Classify(snapshots map[types.Node]types.HealthSnapshot, now time.Time) []types.Issue {
	return New().Classify(snapshots, now)
}

// FlaggedNodes returns the sorted, distinct nodes carrying at least one issue
func FlaggedNodes(issues []types.Issue) []types.Node {
	seen := make(map[types.Node]struct{}, len(issues))
	var nodes []types.Node
	for _, issue := range issues {
		if _, ok := seen[issue.Node]; ok {
			continue
		}
		seen[issue.Node] = struct{}{}
		nodes = append(nodes, issue.Node)
	}
	sort.Strings(nodes)
	return nodes
}

// ByNode groups issues by node, preserving their relative order
func ByNode(issues []types.Issue) map[types.Node][]types.Issue {
	grouped := make(map[types.Node][]types.Issue)
	for _, issue := range issues {
		grouped[issue.Node] = append(grouped[issue.Node], issue)
	}
	return grouped
}
