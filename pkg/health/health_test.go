package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/retry"
	"github.com/cuemby/replguard/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// scriptedProber returns queued results per node
type scriptedProber struct {
	mu      sync.Mutex
	results map[types.Node][]scriptedResult
	calls   map[types.Node]int
}

type scriptedResult struct {
	raw *RawHealth
	err error
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		results: make(map[types.Node][]scriptedResult),
		calls:   make(map[types.Node]int),
	}
}

func (s *scriptedProber) add(node types.Node, raw *RawHealth, err error) *scriptedProber {
	s.results[node] = append(s.results[node], scriptedResult{raw: raw, err: err})
	return s
}

func (s *scriptedProber) Probe(ctx context.Context, node types.Node) (*RawHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls[node]
	s.calls[node]++
	queue := s.results[node]
	if len(queue) == 0 {
		return &RawHealth{}, nil
	}
	if i >= len(queue) {
		i = len(queue) - 1
	}
	return queue[i].raw, queue[i].err
}

func (s *scriptedProber) Type() ProbeType { return ProbeTypeExec }

func fastExecutor(attempts int) *retry.Executor {
	return retry.NewExecutor(retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, zerolog.Nop())
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawHealth
		want types.NodeStatus
	}{
		{"nil", nil, types.NodeStatusUnknown},
		{"no partners", &RawHealth{}, types.NodeStatusHealthy},
		{
			"fresh partner",
			&RawHealth{Partners: []types.PartnerRecord{{Partner: "dc02", LastSuccess: testNow.Add(-time.Hour)}}},
			types.NodeStatusHealthy,
		},
		{
			"stale partner",
			&RawHealth{Partners: []types.PartnerRecord{{Partner: "dc02", LastSuccess: testNow.Add(-26 * time.Hour)}}},
			types.NodeStatusDegraded,
		},
		{
			"partner never replicated",
			&RawHealth{Partners: []types.PartnerRecord{{Partner: "dc02"}}},
			types.NodeStatusDegraded,
		},
		{
			"failing partner",
			&RawHealth{Partners: []types.PartnerRecord{{Partner: "dc02", LastSuccess: testNow, ConsecutiveFailures: 2}}},
			types.NodeStatusDegraded,
		},
		{
			"failure record",
			&RawHealth{Failures: []types.FailureRecord{{Partner: "dc03", FailureCount: 1}}},
			types.NodeStatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.raw, testNow, DefaultStaleThreshold))
		})
	}
}

func TestCollectorHealthy(t *testing.T) {
	prober := newScriptedProber().add("dc01", &RawHealth{
		Partners: []types.PartnerRecord{{Partner: "dc02", LastSuccess: testNow.Add(-time.Minute)}},
	}, nil)

	c := NewCollector(prober, fastExecutor(3)).WithClock(func() time.Time { return testNow })
	snap := c.Collect(context.Background(), "dc01")

	assert.Equal(t, "dc01", snap.Node)
	assert.Equal(t, types.NodeStatusHealthy, snap.Status)
	assert.Equal(t, testNow, snap.Timestamp)
	assert.Len(t, snap.Partners, 1)
	assert.Empty(t, snap.Error)
}

func TestCollectorRetriesTransientThenSucceeds(t *testing.T) {
	stale := &RawHealth{Partners: []types.PartnerRecord{{Partner: "dc01", LastSuccess: testNow.Add(-26 * time.Hour)}}}
	prober := newScriptedProber().
		add("dc02", nil, errors.New("The RPC server is unavailable.")).
		add("dc02", nil, errors.New("The RPC server is unavailable.")).
		add("dc02", stale, nil)

	c := NewCollector(prober, fastExecutor(3)).WithClock(func() time.Time { return testNow })
	snap := c.Collect(context.Background(), "dc02")

	assert.Equal(t, types.NodeStatusDegraded, snap.Status)
	assert.Equal(t, 3, prober.calls["dc02"])
	assert.Empty(t, snap.Error)
}

func TestCollectorPermanentErrorIsUnreachable(t *testing.T) {
	prober := newScriptedProber().add("dc03", nil, errors.New("Access is denied."))

	c := NewCollector(prober, fastExecutor(5))
	snap := c.Collect(context.Background(), "dc03")

	assert.Equal(t, types.NodeStatusUnreachable, snap.Status)
	assert.Contains(t, snap.Error, "Access is denied")
	assert.Equal(t, 1, prober.calls["dc03"])
}

func TestCollectorNilRawIsUnknown(t *testing.T) {
	prober := newScriptedProber().add("dc04", nil, nil)
	snap := NewCollector(prober, fastExecutor(1)).Collect(context.Background(), "dc04")
	assert.Equal(t, types.NodeStatusUnknown, snap.Status)
}

func TestCollectorReachabilityGate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	prober := newScriptedProber()
	c := NewCollector(prober, fastExecutor(2)).WithReachabilityGate(NewTCPChecker(port).WithTimeout(time.Second))
	snap := c.Collect(context.Background(), "127.0.0.1")

	assert.Equal(t, types.NodeStatusUnreachable, snap.Status)
	assert.Contains(t, snap.Error, "connection failed")
	assert.Equal(t, 0, prober.calls["127.0.0.1"])
}

func TestTCPCheckerOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().(*net.TCPAddr).Port)
	assert.NoError(t, checker.Check(context.Background(), "127.0.0.1"))
}

func TestExecProber(t *testing.T) {
	payload := `{"partners":[{"partner":"dc02","last_success":"2026-03-10T11:00:00Z","consecutive_failures":0}],"failures":[]}`
	prober := NewExecProber([]string{"sh", "-c", "echo '" + payload + "' && test {node} = dc01"})

	raw, err := prober.Probe(context.Background(), "dc01")
	require.NoError(t, err)
	require.Len(t, raw.Partners, 1)
	assert.Equal(t, "dc02", raw.Partners[0].Partner)
	assert.Equal(t, ProbeTypeExec, prober.Type())
}

func TestExecProberFailureCarriesStderr(t *testing.T) {
	prober := NewExecProber([]string{"sh", "-c", "echo 'The RPC server is unavailable.' >&2; exit 1"})

	_, err := prober.Probe(context.Background(), "dc02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC server is unavailable")
}

func TestExecProberTimeout(t *testing.T) {
	prober := NewExecProber([]string{"sleep", "5"}).WithTimeout(50 * time.Millisecond)

	_, err := prober.Probe(context.Background(), "dc02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecProberNoCommand(t *testing.T) {
	_, err := NewExecProber(nil).Probe(context.Background(), "dc01")
	assert.Error(t, err)
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/dc01"):
			fmt.Fprint(w, `{"partners":[],"failures":[{"partner":"dc02","failure_count":3}]}`)
		case strings.HasSuffix(r.URL.Path, "/denied"):
			w.WriteHeader(http.StatusForbidden)
		case strings.HasSuffix(r.URL.Path, "/busy"):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL+"/replication/{node}").WithHeader("X-Token", "secret")

	raw, err := prober.Probe(context.Background(), "dc01")
	require.NoError(t, err)
	require.Len(t, raw.Failures, 1)
	assert.Equal(t, 3, raw.Failures[0].FailureCount)

	_, err = prober.Probe(context.Background(), "denied")
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, fault.CodeRemotePermanent))

	_, err = prober.Probe(context.Background(), "busy")
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, fault.CodeRemoteTransient))

	_, err = prober.Probe(context.Background(), "other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}
