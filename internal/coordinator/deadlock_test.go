package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDeadlockFindsTwoAgentCycle(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "res-1", "agent-a", "wf-1", ModeWrite, 0))
	require.True(t, c.AcquireLock(ctx, "res-2", "agent-b", "wf-2", ModeWrite, 0))

	// agent-a waits on res-2 (held by agent-b); agent-b waits on res-1
	// (held by agent-a): a two-node cycle.
	assert.False(t, c.AcquireLock(ctx, "res-2", "agent-a", "wf-1", ModeWrite, 0))
	assert.False(t, c.AcquireLock(ctx, "res-1", "agent-b", "wf-2", ModeWrite, 0))

	detection, found := c.DetectDeadlock()
	require.True(t, found)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, detection.Cycle)
	assert.ElementsMatch(t, []string{"res-1", "res-2"}, detection.Resources)
}

func TestDetectDeadlockReturnsFalseWhenNoCycle(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "res-1", "agent-a", "wf-1", ModeWrite, 0))
	assert.False(t, c.AcquireLock(ctx, "res-1", "agent-b", "wf-2", ModeWrite, 0))

	_, found := c.DetectDeadlock()
	assert.False(t, found)
}

func TestStateSignatureExcludesMonotonicFields(t *testing.T) {
	s1 := StateSignature(map[string]any{"phase": "waiting", "attempt": 1, "timestamp": "t0"})
	s2 := StateSignature(map[string]any{"phase": "waiting", "attempt": 2, "timestamp": "t1"})
	assert.Equal(t, s1, s2, "attempt/timestamp must not affect the signature")

	s3 := StateSignature(map[string]any{"phase": "done", "attempt": 1, "timestamp": "t0"})
	assert.NotEqual(t, s1, s3)
}

func TestLivelockDetectorFlagsRepeatingCycle(t *testing.T) {
	d := NewLivelockDetector(10, 3, 2)

	states := []map[string]any{
		{"phase": "a"},
		{"phase": "b"},
		{"phase": "a"},
		{"phase": "b"},
	}

	var detection *LivelockDetection
	var found bool
	for i, s := range states {
		detection, found = d.Record("agent-a", "wf-1", "task-1", s)
		if found {
			t.Logf("livelock found after %d observations", i+1)
			break
		}
	}
	require.True(t, found)
	assert.Equal(t, "agent-a", detection.AgentID)
	assert.Equal(t, 2, detection.CycleLen)
}

func TestLivelockDetectorDoesNotFlagDistinctProgress(t *testing.T) {
	d := NewLivelockDetector(10, 3, 2)

	for i := 0; i < 6; i++ {
		_, found := d.Record("agent-a", "wf-1", "task-1", map[string]any{"step": i})
		assert.False(t, found)
	}
}

func TestLivelockDetectorResetClearsHistory(t *testing.T) {
	d := NewLivelockDetector(10, 2, 2)
	for i := 0; i < 3; i++ {
		d.Record("agent-a", "wf-1", "task-1", map[string]any{"phase": "x"})
	}
	d.Reset("agent-a")
	_, found := d.Record("agent-a", "wf-1", "task-1", map[string]any{"phase": "y"})
	assert.False(t, found)
}
