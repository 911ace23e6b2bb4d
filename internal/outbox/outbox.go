// Package outbox implements the idempotency-keyed intent log of spec.md
// §4.2: at-most-once committed side effects, replay protection, and
// reconciliation of stuck entries. Persisted in BoltDB the way
// persistence.go partitions workflow concerns into buckets, keyed by
// idempotency key the way the teacher's ResultCache keys by task hash.
package outbox

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

var bucketEntries = []byte("outbox_entries")

// State is the lifecycle of one OutboxEntry.
type State string

const (
	Pending    State = "PENDING"
	Processing State = "PROCESSING"
	Committed  State = "COMMITTED"
	Failed     State = "FAILED"
	DeadLetter State = "DEAD_LETTER"
)

// Entry is spec.md §3's Outbox Entry.
type Entry struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	TaskID         string         `json:"taskId"`
	ToolID         string         `json:"toolId"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	State          State          `json:"state"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CommittedAt    time.Time      `json:"committedAt,omitempty"`
}

// StuckThreshold is how long a PROCESSING entry may sit before
// reconciliation treats it as abandoned (§4.2 "Reconciliation").
const StuckThreshold = 5 * time.Minute

// Fn is the side-effecting function the outbox guards with idempotency.
type Fn func(ctx context.Context) (map[string]any, error)

// Service is the outbox store + execution guard.
type Service struct {
	db *bbolt.DB
	mu sync.Mutex

	commits  metric.Int64Counter
	failures metric.Int64Counter
}

// Open creates/opens the outbox BoltDB file.
func Open(dbPath string, meter metric.Meter) (*Service, error) {
	db, err := bbolt.Open(dbPath+"/outbox.db", 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	commits, _ := meter.Int64Counter("orchestrator_outbox_commits_total")
	failures, _ := meter.Int64Counter("orchestrator_outbox_failures_total")
	return &Service{db: db, commits: commits, failures: failures}, nil
}

func (s *Service) Close() error { return s.db.Close() }

// Store inserts a new intent, idempotent on IdempotencyKey: if an entry
// with that key already exists it is returned unchanged (§4.2 "Replay
// protection").
func (s *Service) Store(workflowID, taskID, toolID string, params map[string]any, key string, maxAttempts int) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.getByKey(workflowID, key); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:             fmt.Sprintf("%s:%s", workflowID, key),
		WorkflowID:     workflowID,
		TaskID:         taskID,
		ToolID:         toolID,
		Params:         params,
		IdempotencyKey: key,
		State:          Pending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.put(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Execute is the guarded invocation path of §4.2: commits at most once
// per idempotency key, and invokes fn at most once per non-committed
// attempt (§8 "At-most-one commit per key").
func (s *Service) Execute(ctx context.Context, workflowID, taskID, toolID string, params map[string]any, key string, fn Fn, maxAttempts int) (map[string]any, error) {
	entry, err := s.Store(workflowID, taskID, toolID, params, key, maxAttempts)
	if err != nil {
		return nil, err
	}

	if entry.State == Committed {
		return entry.Result, nil
	}

	if entry.State == Processing && time.Since(entry.UpdatedAt) > StuckThreshold {
		entry.State = Pending
		entry.UpdatedAt = time.Now().UTC()
		if err := s.put(entry); err != nil {
			return nil, err
		}
	}

	entry.State = Processing
	entry.Attempts++
	entry.UpdatedAt = time.Now().UTC()
	if err := s.put(entry); err != nil {
		return nil, err
	}

	result, execErr := fn(ctx)
	if execErr == nil {
		return s.commit(ctx, entry, result)
	}
	return nil, s.fail(ctx, entry, execErr)
}

// GetByIdempotencyKey looks up a stored entry by key.
func (s *Service) GetByIdempotencyKey(workflowID, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByKey(workflowID, key)
}

func (s *Service) commit(ctx context.Context, entry *Entry, result map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.State = Committed
	entry.Result = result
	entry.CommittedAt = time.Now().UTC()
	entry.UpdatedAt = entry.CommittedAt
	if err := s.put(entry); err != nil {
		return nil, err
	}
	if s.commits != nil {
		s.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", entry.ToolID)))
	}
	return result, nil
}

func (s *Service) fail(ctx context.Context, entry *Entry, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Error = cause.Error()
	entry.UpdatedAt = time.Now().UTC()
	if entry.Attempts >= entry.MaxAttempts {
		entry.State = DeadLetter
	} else {
		entry.State = Failed
	}
	if err := s.put(entry); err != nil {
		return err
	}
	if s.failures != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", entry.ToolID), attribute.String("state", string(entry.State))))
	}
	return workflow.NewTaskError(workflow.CodeToolError, entry.TaskID, cause)
}

// ReconcileAction is a per-entry report returned by Reconcile.
type ReconcileAction struct {
	EntryID string `json:"entryId"`
	Action  string `json:"action"` // "reset_stuck_processing", "reset_failed_retry", "none"
}

// ReconcileOptions configures Reconcile's scan.
type ReconcileOptions struct {
	MaxAgeMs int64
	AutoRetry bool
}

// Reconcile scans non-terminal entries and resets stuck PROCESSING
// entries and (if AutoRetry) revivable FAILED entries back to PENDING
// (§4.2 "Reconciliation").
func (s *Service) Reconcile(opts ReconcileOptions) ([]ReconcileAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []ReconcileAction
	var toUpdate []*Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if opts.MaxAgeMs > 0 && time.Since(e.CreatedAt) > time.Duration(opts.MaxAgeMs)*time.Millisecond {
				return nil
			}
			switch {
			case e.State == Processing && time.Since(e.UpdatedAt) > StuckThreshold:
				e.State = Pending
				e.UpdatedAt = time.Now().UTC()
				toUpdate = append(toUpdate, &e)
				actions = append(actions, ReconcileAction{EntryID: e.ID, Action: "reset_stuck_processing"})
			case e.State == Failed && opts.AutoRetry && e.Attempts < e.MaxAttempts:
				e.State = Pending
				e.UpdatedAt = time.Now().UTC()
				toUpdate = append(toUpdate, &e)
				actions = append(actions, ReconcileAction{EntryID: e.ID, Action: "reset_failed_retry"})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, e := range toUpdate {
		if err := s.put(e); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

// Cleanup removes COMMITTED entries older than ageMs; FAILED and
// DEAD_LETTER are never auto-cleaned (§4.2 "Cleanup").
func (s *Service) Cleanup(ageMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.State == Committed && time.Since(e.CommittedAt) > time.Duration(ageMs)*time.Millisecond {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (s *Service) getByKey(workflowID, key string) (*Entry, bool, error) {
	id := fmt.Sprintf("%s:%s", workflowID, key)
	var entry Entry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &entry, true, nil
}

func (s *Service) put(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.ID), data)
	})
}
