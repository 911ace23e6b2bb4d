// Package specstore persists named workflow.Spec definitions, the
// registry a client publishes to before the scheduler or the run API can
// reference a workflow by name. Grounded on persistence.go's
// bucketWorkflows/PutWorkflow/GetWorkflow, minus the execution bookkeeping
// that lives in internal/statestore instead.
package specstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

var (
	bucketSpecs        = []byte("workflow_specs")
	bucketSpecVersions = []byte("workflow_spec_versions")
)

// Store is the bbolt-backed registry of named workflow specs.
type Store struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	memCache map[string]workflow.Spec
}

// Open creates/opens the BoltDB file at dbPath/specs.db.
func Open(dbPath string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/specs.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSpecs, bucketSpecVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, memCache: make(map[string]workflow.Spec)}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put registers or replaces a named spec, archiving the previous
// definition the way PutWorkflow archives before overwrite.
func (s *Store) Put(ctx context.Context, spec workflow.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSpecs)
		if existing := bucket.Get([]byte(spec.Name)); existing != nil {
			versions := tx.Bucket(bucketSpecVersions)
			key := fmt.Sprintf("%s:%d", spec.Name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("archive version: %w", err)
			}
		}
		return bucket.Put([]byte(spec.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write spec: %w", err)
	}

	s.memCache[spec.Name] = spec
	return nil
}

// Get returns the named spec.
func (s *Store) Get(ctx context.Context, name string) (workflow.Spec, bool, error) {
	s.mu.RLock()
	if spec, ok := s.memCache[name]; ok {
		s.mu.RUnlock()
		return spec, true, nil
	}
	s.mu.RUnlock()

	var spec workflow.Spec
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSpecs).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return workflow.Spec{}, false, fmt.Errorf("read spec: %w", err)
	}
	if !found {
		return workflow.Spec{}, false, nil
	}
	s.mu.Lock()
	s.memCache[name] = spec
	s.mu.Unlock()
	return spec, true, nil
}

// List returns every registered spec.
func (s *Store) List() []workflow.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.Spec, 0, len(s.memCache))
	for _, spec := range s.memCache {
		out = append(out, spec)
	}
	return out
}

// Delete removes a named spec from the registry.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memCache, name)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpecs).Delete([]byte(name))
	})
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSpecs)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var spec workflow.Spec
			if err := json.Unmarshal(v, &spec); err != nil {
				return nil
			}
			s.memCache[spec.Name] = spec
			return nil
		})
	})
}
