package health

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

// ProbeType names a probe transport
type ProbeType string

const (
	ProbeTypeExec ProbeType = "exec"
	ProbeTypeHTTP ProbeType = "http"
)

// RawHealth is the replication state reported by a node probe
type RawHealth struct {
	Partners []types.PartnerRecord `json:"partners"`
	Failures []types.FailureRecord `json:"failures"`
}

// Prober fetches raw replication health for one node. Implementations may
// be slow and may fail with transport or authorization errors; the
// collector classifies and retries them.
type Prober interface {
	Probe(ctx context.Context, node types.Node) (*RawHealth, error)

	// Type returns the probe transport
	Type() ProbeType
}

// DefaultStaleThreshold is how long a partner may go without a successful
// replication before it counts as stale
const DefaultStaleThreshold = 24 * time.Hour

// DeriveStatus computes the snapshot status from raw probe data.
// A node is degraded when it reports failures, a partner with consecutive
// failures, or a partner stale beyond threshold. A partner with no recorded
// success counts as stale.
func DeriveStatus(raw *RawHealth, now time.Time, staleThreshold time.Duration) types.NodeStatus {
	if raw == nil {
		return types.NodeStatusUnknown
	}
	if len(raw.Failures) > 0 {
		return types.NodeStatusDegraded
	}
	for _, p := range raw.Partners {
		if p.ConsecutiveFailures > 0 {
			return types.NodeStatusDegraded
		}
		if p.LastSuccess.IsZero() || now.Sub(p.LastSuccess) > staleThreshold {
			return types.NodeStatusDegraded
		}
	}
	return types.NodeStatusHealthy
}

// expand replaces {node} in a template with the node name
func expand(template string, node types.Node) string {
	return strings.ReplaceAll(template, "{node}", node)
}
