package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func openTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, otel.Meter("outbox-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecuteCommitsAtMostOncePerKey(t *testing.T) {
	s := openTestService(t)

	calls := 0
	fn := func(ctx context.Context) (map[string]any, error) {
		calls++
		return map[string]any{"call": calls}, nil
	}

	r1, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1", fn, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, r1["call"])

	r2, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1", fn, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, r2["call"], "replaying a committed key must not invoke fn again")
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesAfterFailureUntilDeadLetter(t *testing.T) {
	s := openTestService(t)
	cause := errors.New("tool unavailable")

	fn := func(ctx context.Context) (map[string]any, error) {
		return nil, cause
	}

	for i := 0; i < 2; i++ {
		_, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1", fn, 2)
		require.Error(t, err)
	}

	entry, ok, err := s.GetByIdempotencyKey("wf-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DeadLetter, entry.State)
	assert.Equal(t, 2, entry.Attempts)
}

func TestExecuteSucceedsAfterPriorFailure(t *testing.T) {
	s := openTestService(t)
	attempt := 0
	fn := func(ctx context.Context) (map[string]any, error) {
		attempt++
		if attempt < 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}

	_, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1", fn, 3)
	require.Error(t, err)

	result, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1", fn, 3)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])

	entry, ok, err := s.GetByIdempotencyKey("wf-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Committed, entry.State)
}

func TestReconcileResetsStuckProcessing(t *testing.T) {
	s := openTestService(t)
	entry, err := s.Store("wf-1", "task-1", "tool.a", nil, "key-1", 3)
	require.NoError(t, err)

	entry.State = Processing
	entry.UpdatedAt = entry.UpdatedAt.Add(-2 * StuckThreshold)
	require.NoError(t, s.put(entry))

	actions, err := s.Reconcile(ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "reset_stuck_processing", actions[0].Action)

	reset, ok, err := s.GetByIdempotencyKey("wf-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Pending, reset.State)
}

func TestCleanupOnlyRemovesCommittedOlderThanAge(t *testing.T) {
	s := openTestService(t)
	_, err := s.Execute(context.Background(), "wf-1", "task-1", "tool.a", nil, "key-1",
		func(ctx context.Context) (map[string]any, error) { return map[string]any{}, nil }, 3)
	require.NoError(t, err)

	entry, ok, err := s.GetByIdempotencyKey("wf-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	entry.CommittedAt = entry.CommittedAt.Add(-time.Hour)
	require.NoError(t, s.put(entry))

	removed, err := s.Cleanup(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err = s.GetByIdempotencyKey("wf-1", "key-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
