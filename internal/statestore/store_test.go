package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, otel.Meter("statestore-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := &workflow.State{WorkflowID: "wf-1", TenantID: "tenant-a", Status: workflow.WorkflowRunning}
	require.NoError(t, s.Put(ctx, st))

	got, ok, err := s.Get(ctx, "wf-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.WorkflowRunning, got.Status)
}

func TestGetEnforcesTenantIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &workflow.State{WorkflowID: "wf-1", TenantID: "tenant-a"}))

	_, ok, err := s.Get(ctx, "wf-1", "tenant-b")
	require.NoError(t, err)
	assert.False(t, ok, "a mismatched tenant must see nothing, not an error")

	_, ok, err = s.Get(ctx, "wf-1", "tenant-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Get(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.True(t, ok, "an empty requested tenant is an admin read with no filter")
}

func TestPutArchivesPriorVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &workflow.State{WorkflowID: "wf-1", Status: workflow.WorkflowPending}))
	require.NoError(t, s.Put(ctx, &workflow.State{WorkflowID: "wf-1", Status: workflow.WorkflowRunning}))
	require.NoError(t, s.Put(ctx, &workflow.State{WorkflowID: "wf-1", Status: workflow.WorkflowCompleted}))

	versions, err := s.Versions("wf-1", 10)
	require.NoError(t, err)
	assert.Len(t, versions, 2, "the two prior writes should be archived before the final Put")
}

func TestSurvivesReopenAndWarmsCache(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, otel.Meter("statestore-test-reopen"))
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), &workflow.State{WorkflowID: "wf-1", Status: workflow.WorkflowCompleted}))
	require.NoError(t, s1.Close())

	s2, err := Open(dir, otel.Meter("statestore-test-reopen-2"))
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.Get(context.Background(), "wf-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.WorkflowCompleted, got.Status)
}
