package specstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

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

func TestPutGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, workflow.Spec{Name: "order-fulfillment", Tasks: []workflow.Task{{ID: "a"}}}))

	got, ok, err := s.Get(ctx, "order-fulfillment")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Tasks, 1)

	assert.Len(t, s.List(), 1)
}

func TestPutReplacesAndArchivesPrior(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, workflow.Spec{Name: "wf", Tasks: []workflow.Task{{ID: "a"}}}))
	require.NoError(t, s.Put(ctx, workflow.Spec{Name: "wf", Tasks: []workflow.Task{{ID: "a"}, {ID: "b"}}}))

	got, ok, err := s.Get(ctx, "wf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Tasks, 2)

	archived := 0
	require.NoError(t, s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpecVersions).ForEach(func(_, _ []byte) error {
			archived++
			return nil
		})
	}))
	assert.Equal(t, 1, archived)
}

func TestDeleteRemovesSpec(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, workflow.Spec{Name: "wf"}))

	require.NoError(t, s.Delete(ctx, "wf"))

	_, ok, err := s.Get(ctx, "wf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnknownNameReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
