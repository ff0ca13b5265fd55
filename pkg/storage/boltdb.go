package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/replguard/pkg/fault"
	"github.com/cuemby/replguard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCooldowns      = []byte("cooldowns")
	bucketDeltaCache     = []byte("delta_cache")
	bucketHealingActions = []byte("healing_actions")
	bucketActionIndex    = []byte("healing_action_index")
	bucketRollbacks      = []byte("rollbacks")
	bucketRuns           = []byte("runs")

	keyCurrent = []byte("current")
	keyLastRun = []byte("last")
)

// DBFile is the database file name inside the data directory
const DBFile = "replguard.db"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the store inside dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to create data directory",
			fault.Field("data_dir", dataDir))
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to open database",
			fault.Field("path", dbPath))
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCooldowns,
			bucketDeltaCache,
			bucketHealingActions,
			bucketActionIndex,
			bucketRollbacks,
			bucketRuns,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to initialize database")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Cooldown operations

func (s *BoltStore) ListCooldowns(ctx context.Context) ([]types.CooldownEntry, error) {
	var entries []types.CooldownEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCooldowns)
		return b.ForEach(func(k, v []byte) error {
			var entry types.CooldownEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt cooldown entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to list cooldowns")
	}
	return entries, nil
}

// PutCooldowns upserts entries in one transaction, keeping the later
// timestamp when a stored entry is newer
func (s *BoltStore) PutCooldowns(ctx context.Context, entries []types.CooldownEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCooldowns)
		for _, entry := range entries {
			key := []byte(entry.Key().String())
			if existing := b.Get(key); existing != nil {
				var cur types.CooldownEntry
				if err := json.Unmarshal(existing, &cur); err == nil && cur.LastAttempt.After(entry.LastAttempt) {
					continue
				}
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to store cooldowns")
	}
	return nil
}

// Delta cache operations

// GetDeltaCache returns the current entry, or nil when none was written yet
func (s *BoltStore) GetDeltaCache(ctx context.Context) (*types.DeltaCacheEntry, error) {
	var entry *types.DeltaCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeltaCache).Get(keyCurrent)
		if data == nil {
			return nil
		}
		entry = &types.DeltaCacheEntry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to read delta cache")
	}
	return entry, nil
}

func (s *BoltStore) PutDeltaCache(ctx context.Context, entry types.DeltaCacheEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeltaCache).Put(keyCurrent, data)
	})
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to write delta cache")
	}
	return nil
}

// Healing action operations

// AppendAction stores action under the next sequence number and indexes it by id
func (s *BoltStore) AppendAction(ctx context.Context, action types.HealingAction) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealingActions)
		idx := tx.Bucket(bucketActionIndex)

		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		if seq := idx.Get([]byte(action.ID)); seq != nil {
			return b.Put(seq, data)
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq := itob(id)
		if err := b.Put(seq, data); err != nil {
			return err
		}
		return idx.Put([]byte(action.ID), seq)
	})
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to append healing action",
			fault.Field("action_id", action.ID))
	}
	return nil
}

func (s *BoltStore) GetAction(ctx context.Context, id string) (*types.HealingAction, error) {
	var action types.HealingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		seq := tx.Bucket(bucketActionIndex).Get([]byte(id))
		if seq == nil {
			return fault.New(fault.CodeStorageNotFound, "healing action not found: "+id)
		}
		return json.Unmarshal(tx.Bucket(bucketHealingActions).Get(seq), &action)
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// ListActions returns up to limit most recent actions, oldest first. A
// limit of 0 returns everything.
func (s *BoltStore) ListActions(ctx context.Context, limit int) ([]types.HealingAction, error) {
	var actions []types.HealingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tail(tx.Bucket(bucketHealingActions), limit, func(v []byte) error {
			var action types.HealingAction
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			actions = append(actions, action)
			return nil
		})
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to list healing actions")
	}
	return actions, nil
}

// Rollback operations

func (s *BoltStore) AppendRollback(ctx context.Context, record types.RollbackRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRollbacks)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to append rollback record",
			fault.Field("action_id", record.ActionID))
	}
	return nil
}

func (s *BoltStore) ListRollbacks(ctx context.Context, limit int) ([]types.RollbackRecord, error) {
	var records []types.RollbackRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tail(tx.Bucket(bucketRollbacks), limit, func(v []byte) error {
			var record types.RollbackRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to list rollback records")
	}
	return records, nil
}

// Run summary operations

func (s *BoltStore) SaveRun(ctx context.Context, summary types.RunSummary) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put(keyLastRun, data)
	})
	if err != nil {
		return fault.Wrap(err, fault.CodeStorageFailure, "failed to save run summary",
			fault.Field("run_id", summary.RunID))
	}
	return nil
}

// LastRun returns the most recent run summary, or nil when none was saved
func (s *BoltStore) LastRun(ctx context.Context) (*types.RunSummary, error) {
	var summary *types.RunSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(keyLastRun)
		if data == nil {
			return nil
		}
		summary = &types.RunSummary{}
		return json.Unmarshal(data, summary)
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeStorageFailure, "failed to read last run")
	}
	return summary, nil
}

// tail calls fn for the last limit values of b in key order
func tail(b *bolt.Bucket, limit int, fn func(v []byte) error) error {
	c := b.Cursor()
	start, _ := c.First()
	if limit > 0 {
		n := 0
		for k, _ := c.Last(); k != nil && n < limit; k, _ = c.Prev() {
			start = k
			n++
		}
	}
	if start == nil {
		return nil
	}

	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
