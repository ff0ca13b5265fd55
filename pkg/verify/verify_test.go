package verify

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/replguard/pkg/classifier"
	"github.com/cuemby/replguard/pkg/scanner"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeScanner struct {
	snapshots map[types.Node]types.HealthSnapshot
	scanned   []types.Node
}

func (f *fakeScanner) Scan(ctx context.Context, nodes []types.Node, opts scanner.Options) map[types.Node]types.HealthSnapshot {
	f.scanned = append(f.scanned, nodes...)
	out := make(map[types.Node]types.HealthSnapshot, len(nodes))
	for _, n := range nodes {
		out[n] = f.snapshots[n]
	}
	return out
}

func newTestVerifier(s Scanner) (*Verifier, *[]time.Duration) {
	var slept []time.Duration
	v := New(s, classifier.New()).WithConvergenceWait(time.Minute)
	v.now = func() time.Time { return now }
	v.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return v, &slept
}

func TestVerify(t *testing.T) {
	fs := &fakeScanner{snapshots: map[types.Node]types.HealthSnapshot{
		"dc02": {Node: "dc02", Status: types.NodeStatusHealthy, Partners: []types.PartnerRecord{
			{Partner: "dc01", LastSuccess: now.Add(-time.Minute)},
		}},
		"dc03": {Node: "dc03", Status: types.NodeStatusDegraded, Partners: []types.PartnerRecord{
			{Partner: "dc01", LastSuccess: now.Add(-30 * time.Hour)},
		}},
		"dc01": {Node: "dc01", Status: types.NodeStatusHealthy},
	}}

	v, slept := newTestVerifier(fs)
	results, err := v.Verify(context.Background(), []types.Node{"dc03", "dc02"})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Minute}, *slept)
	assert.ElementsMatch(t, []types.Node{"dc02", "dc03"}, fs.scanned, "only the given nodes are rescanned")

	require.Len(t, results, 2)
	assert.Equal(t, types.Node("dc02"), results[0].Node)
	assert.True(t, results[0].Healthy)
	assert.Empty(t, results[0].Issues)

	assert.Equal(t, types.Node("dc03"), results[1].Node)
	assert.False(t, results[1].Healthy)
	require.Len(t, results[1].Issues, 1)
	assert.Equal(t, types.CategoryStaleReplication, results[1].Issues[0].Category)
	assert.Equal(t, now, results[1].CheckedAt)
}

func TestVerifyUnreachableIsNotHealthy(t *testing.T) {
	fs := &fakeScanner{snapshots: map[types.Node]types.HealthSnapshot{
		"dc02": {Node: "dc02", Status: types.NodeStatusUnreachable, Error: "timeout"},
	}}
	v, _ := newTestVerifier(fs)

	results, err := v.Verify(context.Background(), []types.Node{"dc02"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)
	assert.Equal(t, types.NodeStatusUnreachable, results[0].Status)
}

func TestVerifyCancelledDuringWait(t *testing.T) {
	fs := &fakeScanner{}
	v, _ := newTestVerifier(fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Verify(ctx, []types.Node{"dc02"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fs.scanned)
}

func TestVerifyNoNodes(t *testing.T) {
	fs := &fakeScanner{}
	v, slept := newTestVerifier(fs)

	results, err := v.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, *slept)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
