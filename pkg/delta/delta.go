package delta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/replguard/pkg/types"
)

// DefaultMaxAge is how long a cached result may scope a delta scan
const DefaultMaxAge = 4 * time.Hour

// Reason explains why a scan mode was chosen
type Reason string

const (
	ReasonNoCache     Reason = "no-cache"
	ReasonExpired     Reason = "cache-expired"
	ReasonAllHealthy  Reason = "previous-run-healthy"
	ReasonNoOverlap   Reason = "no-overlap-with-scope"
	ReasonForced      Reason = "full-scan-requested"
	ReasonPrevFlagged Reason = "previously-flagged"
)

// Options tunes the scan mode decision
type Options struct {
	MaxAge    time.Duration
	ForceFull bool
}

// Decision is the outcome of Decide
type Decision struct {
	Mode   types.ScanMode
	Nodes  []types.Node
	Reason Reason
}

// Store persists the single current cache entry
type Store interface {
	GetDeltaCache(ctx context.Context) (*types.DeltaCacheEntry, error)
	PutDeltaCache(ctx context.Context, entry types.DeltaCacheEntry) error
}

// Decide picks the scan mode for a run. prev may be nil when no cache exists.
// A delta scan covers only previously flagged nodes that are still in scope.
func Decide(prev *types.DeltaCacheEntry, requested []types.Node, now time.Time, opts Options) Decision {
	full := func(reason Reason) Decision {
		return Decision{Mode: types.ScanModeFull, Nodes: requested, Reason: reason}
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	if prev == nil {
		return full(ReasonNoCache)
	}
	if now.Sub(prev.Timestamp) > maxAge {
		return full(ReasonExpired)
	}
	if len(prev.Flagged) == 0 {
		return full(ReasonAllHealthy)
	}

	inScope := make(map[types.Node]struct{}, len(requested))
	for _, n := range requested {
		inScope[n] = struct{}{}
	}
	var overlap []types.Node
	for _, n := range prev.Flagged {
		if _, ok := inScope[n]; ok {
			overlap = append(overlap, n)
		}
	}
	if len(overlap) == 0 {
		return full(ReasonNoOverlap)
	}
	if opts.ForceFull {
		return full(ReasonForced)
	}

	sort.Strings(overlap)
	return Decision{Mode: types.ScanModeDelta, Nodes: overlap, Reason: ReasonPrevFlagged}
}

// Next builds the cache entry written at the end of a run. Only scanned
// nodes may be flagged.
func Next(scanned []types.Node, issues []types.Issue, now time.Time) types.DeltaCacheEntry {
	scannedSet := make(map[types.Node]struct{}, len(scanned))
	entry := types.DeltaCacheEntry{
		Timestamp: now,
		Scanned:   make([]types.Node, 0, len(scanned)),
		Flagged:   make([]types.Node, 0),
	}
	for _, n := range scanned {
		if _, ok := scannedSet[n]; ok {
			continue
		}
		scannedSet[n] = struct{}{}
		entry.Scanned = append(entry.Scanned, n)
	}

	flagged := make(map[types.Node]struct{})
	for _, issue := range issues {
		if _, ok := scannedSet[issue.Node]; !ok {
			continue
		}
		entry.IssueCount++
		if _, ok := flagged[issue.Node]; ok {
			continue
		}
		flagged[issue.Node] = struct{}{}
		entry.Flagged = append(entry.Flagged, issue.Node)
	}

	sort.Strings(entry.Scanned)
	sort.Strings(entry.Flagged)
	return entry
}

// MemoryStore keeps the cache entry in memory
type MemoryStore struct {
	mu    sync.Mutex
	entry *types.DeltaCacheEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// GetDeltaCache returns a copy of the stored entry or nil
func (m *MemoryStore) GetDeltaCache(ctx context.Context) (*types.DeltaCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return nil, nil
	}
	e := *m.entry
	return &e, nil
}

// PutDeltaCache replaces the stored entry
func (m *MemoryStore) PutDeltaCache(ctx context.Context, entry types.DeltaCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = &entry
	return nil
}
