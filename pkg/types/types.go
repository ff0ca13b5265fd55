package types

import (
	"sort"
	"time"
)

// Node identifies a managed directory-service instance (hostname or FQDN)
type Node = string

// NodeStatus is the health status of a node at snapshot time
type NodeStatus string

const (
	NodeStatusHealthy     NodeStatus = "healthy"
	NodeStatusDegraded    NodeStatus = "degraded"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusUnknown     NodeStatus = "unknown"
)

// PartnerRecord describes one inbound replication partner of a node
type PartnerRecord struct {
	Partner             Node      `json:"partner"`
	NamingContext       string    `json:"naming_context,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// FailureRecord describes an outstanding replication failure reported by a node
type FailureRecord struct {
	Partner      Node      `json:"partner"`
	FailureCount int       `json:"failure_count"`
	FirstFailure time.Time `json:"first_failure,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// HealthSnapshot is a point-in-time health read of one node.
// Snapshots are produced by the scanner and never modified afterwards.
type HealthSnapshot struct {
	Node      Node            `json:"node"`
	Timestamp time.Time       `json:"timestamp"`
	Partners  []PartnerRecord `json:"partners,omitempty"`
	Failures  []FailureRecord `json:"failures,omitempty"`
	Status    NodeStatus      `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// IssueCategory groups issues by the kind of problem detected
type IssueCategory string

const (
	CategoryReplicationFailure IssueCategory = "ReplicationFailure"
	CategoryConnectivity       IssueCategory = "Connectivity"
	CategoryStaleReplication   IssueCategory = "StaleReplication"
)

// Severity ranks issues. Values order Low < Medium < High < Critical.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Rank returns the ordinal of the severity, 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Issue is a classified, severity-ranked problem derived from a snapshot
type Issue struct {
	Node        Node          `json:"node"`
	Category    IssueCategory `json:"category"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Actionable  bool          `json:"actionable"`
	Partner     Node          `json:"partner,omitempty"`
}

// Key returns the cooldown key of the issue
func (i Issue) Key() CooldownKey {
	return CooldownKey{Node: i.Node, Category: i.Category}
}

// SortIssues orders issues by severity descending, then node, category and partner
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		x, y := issues[a], issues[b]
		if x.Severity.Rank() != y.Severity.Rank() {
			return x.Severity.Rank() > y.Severity.Rank()
		}
		if x.Node != y.Node {
			return x.Node < y.Node
		}
		if x.Category != y.Category {
			return x.Category < y.Category
		}
		return x.Partner < y.Partner
	})
}

// CooldownKey identifies a cooldown ledger entry
type CooldownKey struct {
	Node     Node
	Category IssueCategory
}

// String renders the key as used by persistent storage
func (k CooldownKey) String() string {
	return k.Node + "/" + string(k.Category)
}

// CooldownEntry records the last healing attempt for a (node, category) pair
type CooldownEntry struct {
	Node        Node          `json:"node"`
	Category    IssueCategory `json:"category"`
	LastAttempt time.Time     `json:"last_attempt"`
}

// Key returns the ledger key of the entry
func (c CooldownEntry) Key() CooldownKey {
	return CooldownKey{Node: c.Node, Category: c.Category}
}

// RepairKind names an automated corrective action
type RepairKind string

const (
	RepairForceSync            RepairKind = "force-sync"
	RepairReplicateFromPartner RepairKind = "replicate-from-partner"
	RepairManualReview         RepairKind = "manual-review"
)

// HealingAction is the record of one dispatched repair
type HealingAction struct {
	ID         string        `json:"id"`
	Node       Node          `json:"node"`
	Category   IssueCategory `json:"category"`
	Partner    Node          `json:"partner,omitempty"`
	Action     RepairKind    `json:"action"`
	Policy     string        `json:"policy"`
	Timestamp  time.Time     `json:"timestamp"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Attempts   int           `json:"attempts"`
	RolledBack bool          `json:"rolled_back"`
	ApprovedBy string        `json:"approved_by,omitempty"`
}

// RollbackRecord is the append-only record of a rollback attempt
type RollbackRecord struct {
	ActionID  string    `json:"action_id"`
	Node      Node      `json:"node"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason"`
}

// HealingPolicy gates which issues may be repaired automatically
type HealingPolicy struct {
	Name                   string
	AllowedCategories      []IssueCategory
	AllowedSeverities      []Severity
	RequiresManualApproval []IssueCategory
	Cooldown               time.Duration
	MaxConcurrentActions   int
}

// AllowsCategory reports whether the category is in the allowed set
func (p HealingPolicy) AllowsCategory(c IssueCategory) bool {
	return containsCategory(p.AllowedCategories, c)
}

// AllowsSeverity reports whether the severity is in the allowed set
func (p HealingPolicy) AllowsSeverity(s Severity) bool {
	for _, allowed := range p.AllowedSeverities {
		if allowed == s {
			return true
		}
	}
	return false
}

// NeedsApproval reports whether the category requires manual approval
func (p HealingPolicy) NeedsApproval(c IssueCategory) bool {
	return containsCategory(p.RequiresManualApproval, c)
}

func containsCategory(list []IssueCategory, c IssueCategory) bool {
	for _, item := range list {
		if item == c {
			return true
		}
	}
	return false
}

// ApprovalDecision replaces interactive confirmation. Approved with a
// non-empty Token is an operator override for manual-approval categories.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Token    string `json:"token,omitempty"`
}

// OperatorOverride reports whether the decision carries an operator token
func (a ApprovalDecision) OperatorOverride() bool {
	return a.Approved && a.Token != ""
}

// ScanMode selects between full fleet and delta scans
type ScanMode string

const (
	ScanModeFull  ScanMode = "full"
	ScanModeDelta ScanMode = "delta"
)

// DeltaCacheEntry is the result of the previous run used to scope the next scan
type DeltaCacheEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Scanned    []Node    `json:"scanned"`
	Flagged    []Node    `json:"flagged"`
	IssueCount int       `json:"issue_count"`
}

// VerificationResult is the post-repair observation of one node
type VerificationResult struct {
	Node      Node       `json:"node"`
	Healthy   bool       `json:"healthy"`
	Status    NodeStatus `json:"status"`
	Issues    []Issue    `json:"issues,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
}

// ResultCode is the stable run outcome mapped to the process exit status
type ResultCode int

const (
	ResultHealthy      ResultCode = 0
	ResultIssuesRemain ResultCode = 2
	ResultUnreachable  ResultCode = 3
	ResultFatal        ResultCode = 4
)

// String returns a human readable name for the code
func (c ResultCode) String() string {
	switch c {
	case ResultHealthy:
		return "healthy"
	case ResultIssuesRemain:
		return "issues-remain"
	case ResultUnreachable:
		return "unreachable"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RunSummary is the structured outcome of one control-loop run
type RunSummary struct {
	RunID            string     `json:"run_id"`
	Mode             ScanMode   `json:"mode"`
	StartedAt        time.Time  `json:"started_at"`
	Duration         string     `json:"duration"`
	Total            int        `json:"total"`
	Healthy          int        `json:"healthy"`
	Degraded         int        `json:"degraded"`
	Unreachable      int        `json:"unreachable"`
	Unknown          int        `json:"unknown"`
	IssuesFound      int        `json:"issues_found"`
	IssuesRemaining  int        `json:"issues_remaining"`
	ActionsPerformed int        `json:"actions_performed"`
	ActionsFailed    int        `json:"actions_failed"`
	Rollbacks        int        `json:"rollbacks"`
	Verified         int        `json:"verified"`
	Code             ResultCode `json:"code"`
	Error            string     `json:"error,omitempty"`
}
