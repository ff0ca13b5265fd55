/*
Package storage provides BoltDB-backed persistence for replguard's state.

A single database file holds everything that must survive between runs:
the cooldown ledger, the delta cache, the healing action history, rollback
records and the last run summary. Values are JSON encoded and grouped in
one bucket per entity.

# Layout

	<dataDir>/replguard.db
	├── cooldowns              "<node>/<category>" → CooldownEntry
	├── delta_cache            "current"           → DeltaCacheEntry
	├── healing_actions        seq (uint64 BE)     → HealingAction
	├── healing_action_index   action ID           → seq
	├── rollbacks              seq (uint64 BE)     → RollbackRecord
	└── runs                   "last"              → RunSummary

Sequenced buckets use NextSequence with big-endian keys, so a cursor walk
returns records in insertion order and ListActions/ListRollbacks can read
the newest N records by walking back from the last key.

# Semantics

Cooldowns only move forward: PutCooldowns keeps the later of the stored
and the given timestamp for each key, so a slow writer can never shorten
a cooldown.

AppendAction upserts by action ID. The dispatcher appends a record once a
repair finishes; re-appending the same ID replaces the stored record
rather than adding a second one.

GetDeltaCache and LastRun return nil without an error when nothing was
written yet. GetAction returns an error coded storage.not_found for an
unknown ID. Every other failure is coded storage.failure.

# Usage

	store, err := storage.NewBoltStore("/var/lib/replguard")
	if err != nil {
		return err
	}
	defer store.Close()

	ledger := policy.NewLedger(store)
	if err := ledger.Load(ctx); err != nil {
		return err
	}

# Concurrency

BoltDB serialises write transactions and allows concurrent readers. The
file lock is taken with a 5 second timeout so a second replguard process
pointed at the same data directory fails fast instead of hanging.
*/
package storage
