// Package worldstate implements the versioned key-value store of spec.md
// §4.4: optimistic concurrency, snapshot/diff, and per-key version
// history, persisted in its own BoltDB bucket set the way
// persistence.go's WorkflowStore partitions concerns into buckets.
package worldstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

var (
	bucketCurrent = []byte("worldstate_current")
	bucketHistory = []byte("worldstate_history")
)

// Entry is one versioned value, spec.md §3's World-State Entry.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Op is one operation kind recorded in a Diff.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// DiffEntry is one changed key between a Snapshot and the current state.
type DiffEntry struct {
	Operation     Op   `json:"operation"`
	Key           string `json:"key"`
	Before        any  `json:"before,omitempty"`
	After         any  `json:"after,omitempty"`
	VersionBefore int  `json:"versionBefore,omitempty"`
	VersionAfter  int  `json:"versionAfter,omitempty"`
}

// Snapshot maps key to the version observed at capture time.
type Snapshot map[string]int

// Store is the versioned KV, backed by BoltDB for durability across
// restarts and an in-memory mirror for fast reads, the same split
// WorkflowStore.memCache uses for workflow definitions.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex
	// live holds the current Entry per key; history holds every version
	// written per key (the current one included), oldest first.
	live    map[string]*Entry
	history map[string][]*Entry
}

// Open creates/opens the world-state BoltDB file and warms the
// in-memory mirror.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/worldstate.db", 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCurrent, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	s := &Store{db: db, live: make(map[string]*Entry), history: make(map[string][]*Entry)}
	if err := s.warm(); err != nil {
		return nil, fmt.Errorf("warm worldstate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) warm() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCurrent).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			cp := e
			s.live[e.Key] = &cp
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHistory).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			s.appendHistory(&e)
			return nil
		}); err != nil {
			return err
		}
		for _, h := range s.history {
			sort.Slice(h, func(i, j int) bool { return h[i].Version < h[j].Version })
		}
		return nil
	})
}

// Create inserts a brand-new key at version 1. Returns CONFLICT if the
// key already exists (mirroring update's conflict shape for consistency).
func (s *Store) Create(key string, value any) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.live[key]; exists {
		return nil, &workflow.ConflictError{Key: key, Expected: 0, Actual: s.live[key].Version}
	}
	entry := &Entry{Key: key, Value: value, Version: 1, UpdatedAt: time.Now().UTC()}
	if err := s.persist(entry); err != nil {
		return nil, err
	}
	s.live[key] = entry
	s.appendHistory(entry)
	return entry, nil
}

// Read returns the current value and version for key.
func (s *Store) Read(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live[key]
	return e, ok
}

// ReadVersion returns the historical value for key at version v.
func (s *Store) ReadVersion(key string, v int) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.history[key] {
		if e.Version == v {
			return e, true
		}
	}
	return nil, false
}

// Update applies newValue if expectedVersion matches the current
// version; otherwise raises workflow.ConflictError and leaves state
// unmutated, per §4.4's invariant.
func (s *Store) Update(key string, newValue any, expectedVersion int) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.live[key]
	currentVersion := 0
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return nil, &workflow.ConflictError{Key: key, Expected: expectedVersion, Actual: currentVersion}
	}

	entry := &Entry{Key: key, Value: newValue, Version: currentVersion + 1, UpdatedAt: time.Now().UTC()}
	if err := s.persist(entry); err != nil {
		return nil, err
	}
	s.live[key] = entry
	s.appendHistory(entry)
	return entry, nil
}

// Delete removes key if expectedVersion matches; raises CONFLICT
// otherwise.
func (s *Store) Delete(key string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.live[key]
	currentVersion := 0
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return &workflow.ConflictError{Key: key, Expected: expectedVersion, Actual: currentVersion}
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCurrent).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	delete(s.live, key)
	return nil
}

// Snapshot captures the current version of every key. Called by the
// orchestrator immediately before a task executes (§4.1 step 4).
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.live))
	for k, e := range s.live {
		snap[k] = e.Version
	}
	return snap
}

// Diff compares a prior Snapshot against the current state and returns
// one DiffEntry per changed key (§4.1 step 7).
func (s *Store) Diff(before Snapshot) []DiffEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var diffs []DiffEntry
	for k, e := range s.live {
		prevVersion, existed := before[k]
		switch {
		case !existed:
			diffs = append(diffs, DiffEntry{Operation: OpCreate, Key: k, After: e.Value, VersionAfter: e.Version})
		case prevVersion != e.Version:
			diffs = append(diffs, DiffEntry{
				Operation: OpUpdate, Key: k,
				After: e.Value, VersionBefore: prevVersion, VersionAfter: e.Version,
			})
		}
	}
	for k, prevVersion := range before {
		if _, stillExists := s.live[k]; !stillExists {
			diffs = append(diffs, DiffEntry{Operation: OpDelete, Key: k, VersionBefore: prevVersion})
		}
	}
	return diffs
}

func (s *Store) persist(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCurrent).Put([]byte(e.Key), data); err != nil {
			return err
		}
		historyKey := fmt.Sprintf("%s:%d", e.Key, e.Version)
		return tx.Bucket(bucketHistory).Put([]byte(historyKey), data)
	})
}

func (s *Store) appendHistory(e *Entry) {
	cp := *e
	s.history[e.Key] = append(s.history[e.Key], &cp)
}
