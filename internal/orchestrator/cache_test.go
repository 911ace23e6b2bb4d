package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

func TestResultCachePutGetRoundTrip(t *testing.T) {
	rc := newResultCache(10, time.Minute)
	rc.put("k1", map[string]any{"v": 1})

	got, ok := rc.get("k1")
	assert.True(t, ok)
	assert.Equal(t, 1, got["v"])
}

func TestResultCacheExpiresEntriesByTTL(t *testing.T) {
	rc := newResultCache(10, time.Millisecond)
	rc.put("k1", map[string]any{"v": 1})
	time.Sleep(5 * time.Millisecond)

	_, ok := rc.get("k1")
	assert.False(t, ok)
}

func TestResultCacheEvictsOldestWhenFull(t *testing.T) {
	rc := newResultCache(2, time.Minute)
	rc.put("k1", map[string]any{"v": 1})
	time.Sleep(time.Millisecond)
	rc.put("k2", map[string]any{"v": 2})
	time.Sleep(time.Millisecond)

	// touch k2 so it's more recently used than k1
	rc.get("k2")
	rc.put("k3", map[string]any{"v": 3})

	_, k1ok := rc.get("k1")
	_, k2ok := rc.get("k2")
	_, k3ok := rc.get("k3")
	assert.False(t, k1ok, "the least recently used entry should be evicted")
	assert.True(t, k2ok)
	assert.True(t, k3ok)
}

func TestCacheKeyIsDeterministicAndDistinguishesTasks(t *testing.T) {
	task1 := workflow.Task{ID: "a", ToolName: "http.get", Inputs: map[string]any{"url": "x"}}
	task2 := workflow.Task{ID: "a", ToolName: "http.get", Inputs: map[string]any{"url": "y"}}

	assert.Equal(t, cacheKey(task1), cacheKey(task1))
	assert.NotEqual(t, cacheKey(task1), cacheKey(task2))
}
