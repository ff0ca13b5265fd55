package health

import (
	"context"
	"time"

	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/types"
)

// Collector fetches one node's health snapshot through the retry executor
type Collector struct {
	prober         Prober
	gate           *TCPChecker
	executor       *retry.Executor
	staleThreshold time.Duration
	now            func() time.Time
}

// NewCollector creates a collector probing through prober
func NewCollector(prober Prober, executor *retry.Executor) *Collector {
	return &Collector{
		prober:         prober,
		executor:       executor,
		staleThreshold: DefaultStaleThreshold,
		now:            time.Now,
	}
}

// WithReachabilityGate dials each node with gate before probing it
func (c *Collector) WithReachabilityGate(gate *TCPChecker) *Collector {
	c.gate = gate
	return c
}

// WithStaleThreshold sets the partner staleness threshold used for status
func (c *Collector) WithStaleThreshold(d time.Duration) *Collector {
	c.staleThreshold = d
	return c
}

// WithClock overrides the time source
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect probes node and returns its snapshot. Probe failures never
// escape: they produce an Unreachable snapshot carrying the error.
func (c *Collector) Collect(ctx context.Context, node types.Node) types.HealthSnapshot {
	logger := log.WithNode(node)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProbeDuration)

	executor := c.executor.WithLogger(logger.With().Str("component", "collector").Logger())

	raw, attempts, err := retry.Do(ctx, executor, "probe "+node, func(ctx context.Context) (*RawHealth, error) {
		if c.gate != nil {
			if err := c.gate.Check(ctx, node); err != nil {
				return nil, err
			}
		}
		return c.prober.Probe(ctx, node)
	})

	snapshot := types.HealthSnapshot{
		Node:      node,
		Timestamp: c.now(),
	}

	if err != nil {
		logger.Warn().
			Err(err).
			Int("attempts", attempts).
			Msg("node unreachable")
		snapshot.Status = types.NodeStatusUnreachable
		snapshot.Error = err.Error()
		return snapshot
	}

	if raw != nil {
		snapshot.Partners = append([]types.PartnerRecord(nil), raw.Partners...)
		snapshot.Failures = append([]types.FailureRecord(nil), raw.Failures...)
	}
	snapshot.Status = DeriveStatus(raw, snapshot.Timestamp, c.staleThreshold)

	logger.Debug().
		Str("status", string(snapshot.Status)).
		Int("partners", len(snapshot.Partners)).
		Int("failures", len(snapshot.Failures)).
		Int("attempts", attempts).
		Msg("node probed")

	return snapshot
}
