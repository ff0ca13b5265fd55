package storage

import (
	"context"

	"github.com/cuemby/replguard/pkg/types"
)

// Store defines the durable state replguard keeps between runs
type Store interface {
	// Cooldown ledger
	ListCooldowns(ctx context.Context) ([]types.CooldownEntry, error)
	PutCooldowns(ctx context.Context, entries []types.CooldownEntry) error

	// Delta cache (single current value)
	GetDeltaCache(ctx context.Context) (*types.DeltaCacheEntry, error)
	PutDeltaCache(ctx context.Context, entry types.DeltaCacheEntry) error

	// Healing history (append-only)
	AppendAction(ctx context.Context, action types.HealingAction) error
	GetAction(ctx context.Context, id string) (*types.HealingAction, error)
	ListActions(ctx context.Context, limit int) ([]types.HealingAction, error)

	// Rollbacks (append-only)
	AppendRollback(ctx context.Context, record types.RollbackRecord) error
	ListRollbacks(ctx context.Context, limit int) ([]types.RollbackRecord, error)

	// Run summaries
	SaveRun(ctx context.Context, summary types.RunSummary) error
	LastRun(ctx context.Context) (*types.RunSummary, error)

	// Utility
	Close() error
}
