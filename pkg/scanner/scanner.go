package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/replguard/pkg/log"
	"github.com/cuemby/replguard/pkg/metrics"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Collector produces the snapshot of a single node. It must never panic
// through to the caller on remote failures; the scanner still guards
// against it.
type Collector interface {
	Collect(ctx context.Context, node types.Node) types.HealthSnapshot
}

// CollectorFunc adapts a function to Collector
type CollectorFunc func(ctx context.Context, node types.Node) types.HealthSnapshot

// Collect calls f
func (f CollectorFunc) Collect(ctx context.Context, node types.Node) types.HealthSnapshot {
	return f(ctx, node)
}

// Options bounds a scan
type Options struct {
	// Concurrency is the maximum number of in-flight probes
	Concurrency int

	// NodeTimeout cancels a single node's probe; zero disables it
	NodeTimeout time.Duration

	// GlobalTimeout bounds the whole scan; nodes without a result when it
	// expires are reported unreachable. Zero disables it.
	GlobalTimeout time.Duration
}

// DefaultOptions returns the default scan bounds
func DefaultOptions() Options {
	return Options{
		Concurrency:   8,
		NodeTimeout:   60 * time.Second,
		GlobalTimeout: 10 * time.Minute,
	}
}

// Scanner fans a Collector out over a node set
type Scanner struct {
	collector Collector
	logger    zerolog.Logger
	now       func() time.Time
}

// NewScanner creates a scanner using collector
func NewScanner(collector Collector) *Scanner {
	return &Scanner{
		collector: collector,
		logger:    log.WithComponent("scanner"),
		now:       time.Now,
	}
}

// Scan collects a snapshot for every node. The result always holds exactly
// one snapshot per distinct node; failures, panics and timeouts become
// Unreachable snapshots and never abort other nodes.
//
// At most opts.Concurrency collections run at once. A collector that ignores
// cancellation keeps its slot after its node timed out, delaying the nodes
// behind it; opts.GlobalTimeout bounds the whole scan.
func (s *Scanner) Scan(ctx context.Context, nodes []types.Node, opts Options) map[types.Node]types.HealthSnapshot {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScanDuration)

	nodes = dedupe(nodes)
	if len(nodes) == 0 {
		return map[types.Node]types.HealthSnapshot{}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	scanCtx := ctx
	if opts.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.GlobalTimeout)
		defer cancel()
	}

	s.logger.Info().
		Int("nodes", len(nodes)).
		Int("concurrency", concurrency).
		Dur("node_timeout", opts.NodeTimeout).
		Dur("global_timeout", opts.GlobalTimeout).
		Msg("scan started")

	results := newResultSet(len(nodes))
	done := make(chan struct{})

	// A slot is held until the collector returns, not until its node times out
	slots := make(chan struct{}, concurrency)
	release := func() { <-slots }

	go func() {
		defer close(done)

		g := new(errgroup.Group)
		for _, node := range nodes {
			select {
			case slots <- struct{}{}:
			case <-scanCtx.Done():
			}
			if scanCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				s.scanNode(scanCtx, node, opts.NodeTimeout, results, release)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-scanCtx.Done():
	}

	snapshots := results.freeze()
	missing := 0
	for _, node := range nodes {
		if _, ok := snapshots[node]; ok {
			continue
		}
		missing++
		snapshots[node] = s.unreachable(node, fmt.Sprintf("scan deadline exceeded before probe completed: %v", scanCtx.Err()))
	}

	if missing > 0 {
		s.logger.Warn().
			Int("nodes", missing).
			Msg("scan deadline exceeded, pending nodes marked unreachable")
	}

	s.logger.Info().
		Int("nodes", len(snapshots)).
		Dur("duration", timer.Duration()).
		Msg("scan completed")

	return snapshots
}

// scanNode runs one node's collection in isolation. release is called once
// the collector itself has returned, which may be after scanNode has given up
// on it.
func (s *Scanner) scanNode(ctx context.Context, node types.Node, timeout time.Duration, results *resultSet, release func()) {
	nodeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultCh := make(chan types.HealthSnapshot, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("node", node).
					Interface("panic", r).
					Msg("probe panicked")
				resultCh <- s.unreachable(node, fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		resultCh <- s.collector.Collect(nodeCtx, node)
	}()

	select {
	case snap := <-resultCh:
		snap.Node = node
		results.put(snap)
	case <-nodeCtx.Done():
		reason := fmt.Sprintf("node timeout exceeded after %s", timeout)
		if ctx.Err() != nil {
			reason = fmt.Sprintf("scan deadline exceeded: %v", ctx.Err())
		}
		s.logger.Warn().
			Str("node", node).
			Str("reason", reason).
			Msg("probe abandoned")
		results.put(s.unreachable(node, reason))
	}
}

func (s *Scanner) unreachable(node types.Node, reason string) types.HealthSnapshot {
	return types.HealthSnapshot{
		Node:      node,
		Timestamp: s.now(),
		Status:    types.NodeStatusUnreachable,
		Error:     reason,
	}
}

// resultSet is the shared, thread-safe snapshot collection of one scan.
// Writes after freeze are dropped so abandoned probes cannot change a
// returned result.
type resultSet struct {
	mu       sync.Mutex
	frozen   bool
	snapshot map[types.Node]types.HealthSnapshot
}

func newResultSet(size int) *resultSet {
	return &resultSet{snapshot: make(map[types.Node]types.HealthSnapshot, size)}
}

func (r *resultSet) put(snap types.HealthSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	if _, exists := r.snapshot[snap.Node]; exists {
		return
	}
	r.snapshot[snap.Node] = snap
}

func (r *resultSet) freeze() map[types.Node]types.HealthSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	out := make(map[types.Node]types.HealthSnapshot, len(r.snapshot))
	for k, v := range r.snapshot {
		out[k] = v
	}
	return out
}

func dedupe(nodes []types.Node) []types.Node {
	seen := make(map[types.Node]bool, len(nodes))
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
