package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

// ExecProber runs a local command that reports a node's replication state
// as JSON on stdout, e.g. a wrapper around repadmin or Get-ADReplication*.
type ExecProber struct {
	// Command is the command to execute; "{node}" in any argument is
	// replaced with the node name
	Command []string

	// Timeout is the command execution timeout (default: 60 seconds)
	Timeout time.Duration
}

// NewExecProber creates a new exec prober
func NewExecProber(command []string) *ExecProber {
	return &ExecProber{
		Command: command,
		Timeout: 60 * time.Second,
	}
}

// Probe runs the command for node and decodes its output
func (e *ExecProber) Probe(ctx context.Context, node types.Node) (*RawHealth, error) {
	stdout, err := runCommand(ctx, e.Command, e.Timeout, node, nil)
	if err != nil {
		return nil, err
	}

	var raw RawHealth
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("decoding probe output for %s: %w", node, err)
	}
	return &raw, nil
}

// Type returns the probe type
func (e *ExecProber) Type() ProbeType {
	return ProbeTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecProber) WithTimeout(timeout time.Duration) *ExecProber {
	e.Timeout = timeout
	return e
}

// runCommand expands placeholders in command, runs it and returns stdout.
// A failed command returns an error carrying stderr so that remote error
// text (e.g. "The RPC server is unavailable") reaches the classifier.
func runCommand(ctx context.Context, command []string, timeout time.Duration, node types.Node, extra map[string]string) ([]byte, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no command specified")
	}

	args := make([]string, len(command))
	for i, arg := range command {
		arg = expand(arg, node)
		for k, v := range extra {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		args[i] = arg
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, args[0], args[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("command %s timed out: %w", args[0], execCtx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512] + "..."
		}
		if msg != "" {
			return nil, fmt.Errorf("command %s failed: %v: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("command %s failed: %w", args[0], err)
	}

	return stdout.Bytes(), nil
}

// RunCommand is runCommand for other packages driving external tools with
// the same placeholder and error conventions
func RunCommand(ctx context.Context, command []string, timeout time.Duration, node types.Node, extra map[string]string) ([]byte, error) {
	return runCommand(ctx, command, timeout, node, extra)
}
