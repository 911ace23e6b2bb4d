// Package eventlog appends workflow events to a per-workflow,
// newline-delimited JSON journal file, the file-system event-log layout
// spec.md §6 and §9 describe ("./var/run" default, explicit constructor
// argument, idempotent path creation).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

// Log is a root directory under which each workflow gets its own
// append-only events.log file.
type Log struct {
	root string
	mu   sync.Mutex
	// one *os.File per open workflow journal, kept open for the life of
	// the process the way the teacher keeps its bbolt handle open.
	files map[string]*os.File
}

// New returns a Log rooted at dir, creating it if necessary. An empty dir
// defaults to "./var/run" per §9's "Global mutable state" guidance.
func New(dir string) (*Log, error) {
	if dir == "" {
		dir = "./var/run"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event log root: %w", err)
	}
	return &Log{root: dir, files: make(map[string]*os.File)}, nil
}

func (l *Log) path(workflowID string) string {
	return filepath.Join(l.root, workflowID)
}

func (l *Log) file(workflowID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.files[workflowID]; ok {
		return f, nil
	}
	dir := l.path(workflowID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workflow journal dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open events.log: %w", err)
	}
	l.files[workflowID] = f
	return f, nil
}

// Append writes one event as a single JSON line. Writes are serialized
// through the Log's mutex, so lines from concurrent task goroutines never
// interleave; the event's timestamp is the one its caller stamped (see
// workflow.NewEvent) and is written unchanged.
func (l *Log) Append(ev workflow.Event) error {
	f, err := l.file(ev.WorkflowID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Read returns every event recorded for workflowID, tenant-filtered per
// §5 "Tenant isolation", in append order.
func (l *Log) Read(workflowID, tenantID string) ([]workflow.Event, error) {
	path := filepath.Join(l.path(workflowID), "events.log")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open events.log: %w", err)
	}
	defer f.Close()

	var out []workflow.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev workflow.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if tenantID != "" && ev.TenantID != tenantID {
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events.log: %w", err)
	}
	return out, nil
}

// Close closes every open journal file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}
