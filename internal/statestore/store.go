// Package statestore persists workflow and task state in an embedded
// BoltDB database, the way persistence.go's WorkflowStore persists
// workflows and executions: bucket-per-concern, a warm in-memory cache,
// and versioned writes.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

var (
	bucketState    = []byte("workflow_state")
	bucketVersions = []byte("state_versions")
)

// Store is the bbolt-backed persistence layer for workflow.State,
// tenant-scoped on read per spec.md §5 "Tenant isolation".
type Store struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	memCache map[string]*workflow.State

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates/opens the BoltDB file at dbPath/state.db and warms the
// in-memory cache from it, mirroring WorkflowStore.NewWorkflowStore.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/state.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orchestrator_statestore_read_ms")
	writeLatency, _ := meter.Float64Histogram("orchestrator_statestore_write_ms")
	cacheHits, _ := meter.Int64Counter("orchestrator_statestore_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orchestrator_statestore_cache_misses_total")

	s := &Store{
		db:           db,
		memCache:     make(map[string]*workflow.State),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Put persists a workflow.State, archiving the prior version the way
// PutWorkflow archives the previous workflow definition before overwrite.
func (s *Store) Put(ctx context.Context, st *workflow.State) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if existing := bucket.Get([]byte(st.WorkflowID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", st.WorkflowID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("archive version: %w", err)
			}
		}
		return bucket.Put([]byte(st.WorkflowID), data)
	})
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	s.memCache[st.WorkflowID] = st
	return nil
}

// Get returns the stored state for workflowID, tenant-filtered per §5: a
// non-empty tenantID that doesn't match the stored record returns
// (nil, false, nil) rather than TENANT_FORBIDDEN, matching §8's
// "getState(wf, T) returns nothing when stored tenant ≠ T".
func (s *Store) Get(ctx context.Context, workflowID, tenantID string) (*workflow.State, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get")))
	}()

	s.mu.RLock()
	if st, ok := s.memCache[workflowID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		if !tenantMatches(st.TenantID, tenantID) {
			return nil, false, nil
		}
		return st, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var st workflow.State
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.memCache[workflowID] = &st
	s.mu.Unlock()

	if !tenantMatches(st.TenantID, tenantID) {
		return nil, false, nil
	}
	return &st, true, nil
}

// List returns every cached workflow state, tenant filtered.
func (s *Store) List(tenantID string) []*workflow.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.State, 0, len(s.memCache))
	for _, st := range s.memCache {
		if tenantMatches(st.TenantID, tenantID) {
			out = append(out, st)
		}
	}
	return out
}

// Versions returns up to limit prior archived versions of a workflow's
// state, oldest first (cursor order), the supplemented feature carried from
// persistence.go's GetWorkflowVersions.
func (s *Store) Versions(workflowID string, limit int) ([]workflow.State, error) {
	out := make([]workflow.State, 0, limit)
	prefix := []byte(workflowID + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var st workflow.State
			if err := json.Unmarshal(v, &st); err != nil {
				continue
			}
			out = append(out, st)
			count++
		}
		return nil
	})
	return out, err
}

// Stats exposes bucket sizes and cache occupancy, the supplemented
// /v1/stats feature carried from persistence.go's GetStats.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketState, bucketVersions} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["cache_size"] = len(s.memCache)
	s.mu.RUnlock()
	return stats
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var st workflow.State
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			s.memCache[st.WorkflowID] = &st
			return nil
		})
	})
}

func tenantMatches(stored, requested string) bool {
	if requested == "" {
		return true
	}
	return stored == requested
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
