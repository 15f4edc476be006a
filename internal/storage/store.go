// Package storage persists the instance inventory, alert states and their
// transition log in a single bbolt file. Instance records are mirrored in an
// in-memory btree ordered by identity key, so per-pair snapshots are range
// scans.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Bucket names in bbolt
var (
	bucketInstances   = []byte("instances")
	bucketAlerts      = []byte("alerts")
	bucketTransitions = []byte("transitions")
	bucketMeta        = []byte("meta")
)

var keyLastScan = []byte("last_scan")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

type indexItem struct {
	key string
	rec inventory.InstanceRecord
}

// Store is the bbolt-backed inventory and alert store.
type Store struct {
	mu sync.RWMutex

	// In-memory index of instance records
	index *btree.BTreeG[indexItem]

	db   *bbolt.DB
	path string
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	path := filepath.Join(dir, "dbsentry.db")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketAlerts, bucketTransitions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[indexItem](32, func(a, b indexItem) bool {
			return a.key < b.key
		}),
		db:   db,
		path: path,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var rec inventory.InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode instance %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(indexItem{key: string(k), rec: rec})
			return nil
		})
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// Inventory
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot returns every stored record (stale included) of one
// account/region pair, keyed by identity.
func (s *Store) Snapshot(accountID, region string) map[string]inventory.InstanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := inventory.PairKey(accountID, region) + "/"
	out := make(map[string]inventory.InstanceRecord)
	s.index.AscendRange(indexItem{key: prefix}, indexItem{key: prefix + "\xff"}, func(item indexItem) bool {
		out[item.key] = item.rec
		return true
	})
	return out
}

// GetInstance returns one record by identity key.
func (s *Store) GetInstance(key string) (inventory.InstanceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.index.Get(indexItem{key: key})
	return item.rec, ok
}

// ListInstances returns records ordered by identity key. Stale records are
// included only when includeStale is set.
func (s *Store) ListInstances(includeStale bool) []inventory.InstanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inventory.InstanceRecord, 0, s.index.Len())
	s.index.Ascend(func(item indexItem) bool {
		if includeStale || !item.rec.IsStale() {
			out = append(out, item.rec)
		}
		return true
	})
	return out
}

// ApplyPair writes upserts and deletes in one transaction. Writes are keyed
// by identity, so replaying the same batch is harmless.
func (s *Store) ApplyPair(upserts []inventory.InstanceRecord, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketInstances)
		for _, rec := range upserts {
			value, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode instance %s: %w", rec.Key(), err)
			}
			if err := bucket.Put([]byte(rec.Key()), value); err != nil {
				return err
			}
		}
		for _, key := range deletes {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return ErrClosed
		}
		return fmt.Errorf("write instances: %w", err)
	}

	for _, rec := range upserts {
		s.index.ReplaceOrInsert(indexItem{key: rec.Key(), rec: rec})
	}
	for _, key := range deletes {
		s.index.Delete(indexItem{key: key})
	}
	return nil
}

// SaveScanResult stores the most recent discovery result.
func (s *Store) SaveScanResult(result inventory.ScanResult) error {
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode scan result: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastScan, value)
	})
}

// LastScanResult returns the most recent discovery result, if any.
func (s *Store) LastScanResult() (inventory.ScanResult, bool, error) {
	var result inventory.ScanResult
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyLastScan)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return inventory.ScanResult{}, false, fmt.Errorf("read scan result: %w", err)
	}
	return result, found, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// Alerts
// ══════════════════════════════════════════════════════════════════════════════

// GetAlert returns the state for an (instance, rule) pair.
func (s *Store) GetAlert(instanceKey, ruleID string) (health.AlertState, bool, error) {
	var state health.AlertState
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(health.AlertKey(instanceKey, ruleID)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return health.AlertState{}, false, fmt.Errorf("read alert: %w", err)
	}
	return state, found, nil
}

// SaveAlert writes the state and, when given, its transition in one
// transaction.
func (s *Store) SaveAlert(state health.AlertState, transition *health.Transition) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketAlerts).Put([]byte(state.Key()), value); err != nil {
			return err
		}
		if transition == nil {
			return nil
		}

		bucket := tx.Bucket(bucketTransitions)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(transition)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("write alert %s: %w", state.Key(), err)
	}
	return nil
}

// ListAlerts returns all alert states ordered by key.
func (s *Store) ListAlerts() ([]health.AlertState, error) {
	var out []health.AlertState
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var state health.AlertState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("decode alert %s: %w", k, err)
			}
			out = append(out, state)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transitions returns the audit log oldest first. An empty instanceKey
// returns all rows; limit <= 0 means no limit (the newest rows are kept).
func (s *Store) Transitions(instanceKey string, limit int) ([]health.Transition, error) {
	var out []health.Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var tr health.Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				return fmt.Errorf("decode transition: %w", err)
			}
			if instanceKey != "" && tr.InstanceKey != instanceKey {
				continue
			}
			out = append(out, tr)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
