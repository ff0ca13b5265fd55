package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

// TCPChecker verifies that a node accepts connections on a port (LDAP by
// default) before the real probe runs
type TCPChecker struct {
	// Port is the TCP port to connect to
	Port int

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP reachability checker
func NewTCPChecker(port int) *TCPChecker {
	return &TCPChecker{
		Port:    port,
		Timeout: 5 * time.Second,
	}
}

// Check dials the node. The error text keeps "connection failed" so the
// failure classifies as transient.
func (t *TCPChecker) Check(ctx context.Context, node types.Node) error {
	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}

	address := net.JoinHostPort(node, strconv.Itoa(t.Port))
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connection failed: %s: %w", address, err)
	}
	return conn.Close()
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
