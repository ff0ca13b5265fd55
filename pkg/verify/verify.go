package verify

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/replguard/pkg/classifier"
	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/scanner"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultConvergenceWait is how long replication gets to settle after repairs
const DefaultConvergenceWait = 2 * time.Minute

// Scanner is the part of the fleet scanner the verifier needs
type Scanner interface {
	Scan(ctx context.Context, nodes []types.Node, opts scanner.Options) map[types.Node]types.HealthSnapshot
}

// Verifier re-observes repaired nodes. It never heals.
type Verifier struct {
	scanner    Scanner
	classifier *classifier.Classifier
	scanOpts   scanner.Options
	wait       time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

// New creates a verifier
func New(s Scanner, c *classifier.Classifier) *Verifier {
	if c == nil {
		c = classifier.New()
	}
	return &Verifier{
		scanner:    s,
		classifier: c,
		scanOpts:   scanner.DefaultOptions(),
		wait:       DefaultConvergenceWait,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     log.WithComponent("verifier"),
	}
}

// WithConvergenceWait sets the settle time before the rescan
func (v *Verifier) WithConvergenceWait(d time.Duration) *Verifier {
	v.wait = d
	return v
}

// WithScanOptions sets the bounds of the rescan
func (v *Verifier) WithScanOptions(opts scanner.Options) *Verifier {
	v.scanOpts = opts
	return v
}

// Verify waits for convergence, rescans nodes and classifies them again.
// A node is healthy when it yields no issues. Results are sorted by node.
func (v *Verifier) Verify(ctx context.Context, nodes []types.Node) ([]types.VerificationResult, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	if v.wait > 0 {
		v.logger.Info().
			Dur("wait", v.wait).
			Int("nodes", len(nodes)).
			Msg("waiting for replication to converge")
		if err := v.sleep(ctx, v.wait); err != nil {
			return nil, err
		}
	}

	snapshots := v.scanner.Scan(ctx, nodes, v.scanOpts)
	now := v.now()

	results := make([]types.VerificationResult, 0, len(snapshots))
	for node, snap := range snapshots {
		issues := v.classifier.ClassifySnapshot(snap, now)
		types.SortIssues(issues)
		results = append(results, types.VerificationResult{
			Node:      node,
			Healthy:   len(issues) == 0,
			Status:    snap.Status,
			Issues:    issues,
			CheckedAt: now,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Node < results[j].Node })

	for _, r := range results {
		v.logger.Info().
			Str("node", r.Node).
			Bool("healthy", r.Healthy).
			Int("issues", len(r.Issues)).
			Msg("node verified")
	}
	return results, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
