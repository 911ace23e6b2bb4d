package worldstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateThenConflictOnRecreate(t *testing.T) {
	s := openTestStore(t)

	entry, err := s.Create("k1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)

	_, err = s.Create("k1", "v2")
	require.Error(t, err)
	var conflict *workflow.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "k1", conflict.Key)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Create("balance", 100)
	require.NoError(t, err)

	updated, err := s.Update("balance", 50, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 50, updated.Value)

	// Stale version must be rejected and leave state untouched.
	_, err = s.Update("balance", 999, 1)
	require.Error(t, err)
	var conflict *workflow.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 2, conflict.Actual)

	current, ok := s.Read("balance")
	require.True(t, ok)
	assert.Equal(t, 50, current.Value)
	assert.Equal(t, 2, current.Version)
}

func TestDeleteOptimisticConcurrency(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Create("k", "v")
	require.NoError(t, err)

	err = s.Delete("k", 0)
	require.Error(t, err)

	err = s.Delete("k", 1)
	require.NoError(t, err)

	_, ok := s.Read("k")
	assert.False(t, ok)
}

func TestSnapshotAndDiff(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Create("a", 1)
	require.NoError(t, err)
	_, err = s.Create("b", 2)
	require.NoError(t, err)

	before := s.Snapshot()

	_, err = s.Update("a", 10, 1)
	require.NoError(t, err)
	_, err = s.Create("c", 3)
	require.NoError(t, err)
	require.NoError(t, s.Delete("b", 1))

	diffs := s.Diff(before)
	byKey := make(map[string]DiffEntry, len(diffs))
	for _, d := range diffs {
		byKey[d.Key] = d
	}

	require.Contains(t, byKey, "a")
	assert.Equal(t, OpUpdate, byKey["a"].Operation)
	assert.Equal(t, 1, byKey["a"].VersionBefore)
	assert.Equal(t, 2, byKey["a"].VersionAfter)

	require.Contains(t, byKey, "b")
	assert.Equal(t, OpDelete, byKey["b"].Operation)

	require.Contains(t, byKey, "c")
	assert.Equal(t, OpCreate, byKey["c"].Operation)
}

func TestReadVersionReturnsHistoricalEntry(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Create("k", "v1")
	require.NoError(t, err)
	_, err = s.Update("k", "v2", 1)
	require.NoError(t, err)

	old, ok := s.ReadVersion("k", 1)
	require.True(t, ok)
	assert.Equal(t, "v1", old.Value)

	_, ok = s.ReadVersion("k", 99)
	assert.False(t, ok)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	_, err = s1.Create("persisted", "value")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	entry, ok := s2.Read("persisted")
	require.True(t, ok)
	assert.Equal(t, "value", entry.Value)
}
