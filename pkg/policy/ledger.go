package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
)

// LedgerStore persists cooldown entries across runs
type LedgerStore interface {
	ListCooldowns(ctx context.Context) ([]types.CooldownEntry, error)
	PutCooldowns(ctx context.Context, entries []types.CooldownEntry) error
}

// Ledger is the cooldown ledger. Reads may happen concurrently; all writes
// go through Stamp, which serializes them and persists before returning.
type Ledger struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	entries map[types.CooldownKey]time.Time
	store   LedgerStore
}

// NewLedger creates an empty ledger backed by store. store may be nil for
// an in-memory ledger.
func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{
		entries: make(map[types.CooldownKey]time.Time),
		store:   store,
	}
}

// Load replaces the in-memory view with the persisted entries
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.ListCooldowns(ctx)
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to load cooldown ledger")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[types.CooldownKey]time.Time, len(entries))
	for _, e := range entries {
		if cur, ok := l.entries[e.Key()]; !ok || e.LastAttempt.After(cur) {
			l.entries[e.Key()] = e.LastAttempt
		}
	}
	return nil
}

// LastAttempt returns the recorded attempt time for key
func (l *Ledger) LastAttempt(key types.CooldownKey) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.entries[key]
	return t, ok
}

// Entries returns a sorted copy of the ledger
func (l *Ledger) Entries() []types.CooldownEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.CooldownEntry, 0, len(l.entries))
	for k, t := range l.entries {
		out = append(out, types.CooldownEntry{Node: k.Node, Category: k.Category, LastAttempt: t})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Stamp records now as the last attempt for keys. Timestamps never move
// backwards: an existing later stamp is kept.
func (l *Ledger) Stamp(ctx context.Context, keys []types.CooldownKey, now time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	changed := make([]types.CooldownEntry, 0, len(keys))
	for _, k := range keys {
		if cur, ok := l.entries[k]; ok && !now.After(cur) {
			continue
		}
		changed = append(changed, types.CooldownEntry{Node: k.Node, Category: k.Category, LastAttempt: now})
	}
	l.mu.RUnlock()

	if len(changed) == 0 {
		return nil
	}
	if l.store != nil {
		if err := l.store.PutCooldowns(ctx, changed); err != nil {
			return fault.Wrap(err, fault.CodeStorageFailure, "failed to persist cooldown ledger")
		}
	}

	// Only stamps that reached the store are applied
	l.mu.Lock()
	for _, e := range changed {
		l.entries[e.Key()] = e.LastAttempt
	}
	l.mu.Unlock()
	return nil
}
