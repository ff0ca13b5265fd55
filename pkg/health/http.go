package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
)

// HTTPProber reads a node's replication state from an HTTP endpoint, such
// as an agent running on each domain controller
type HTTPProber struct {
	// URL is the endpoint template; "{node}" is replaced with the node name
	// (e.g. "https://{node}:8443/replication")
	URL string

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProber creates a new HTTP prober
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Headers: make(map[string]string),
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Probe performs the HTTP request and decodes the response
func (h *HTTPProber) Probe(ctx context.Context, node types.Node) (*RawHealth, error) {
	url := expand(h.URL, node)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fault.New(fault.CodeRemotePermanent,
			fmt.Sprintf("access denied: HTTP %d from %s", resp.StatusCode, node), fault.FieldNode(node))
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.New(fault.CodeRemotePermanent,
			fmt.Sprintf("object not found: HTTP 404 from %s", node), fault.FieldNode(node))
	case resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fault.New(fault.CodeRemoteTransient,
			fmt.Sprintf("rpc unavailable: HTTP %d from %s", resp.StatusCode, node), fault.FieldNode(node))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), body)
	}

	var raw RawHealth
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", node, err)
	}
	return &raw, nil
}

// Type returns the probe type
func (h *HTTPProber) Type() ProbeType {
	return ProbeTypeHTTP
}

// WithHeader adds a custom HTTP header
func (h *HTTPProber) WithHeader(key, value string) *HTTPProber {
	h.Headers[key] = value
	return h
}

// WithTimeout sets the request timeout
func (h *HTTPProber) WithTimeout(timeout time.Duration) *HTTPProber {
	h.Client.Timeout = timeout
	return h
}
