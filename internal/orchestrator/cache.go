package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

// resultCache is an LRU-with-TTL cache of task outputs for tasks flagged
// Cacheable, ported from dag_engine.go's ResultCache. It is strictly
// additive to outbox idempotency (§"SUPPLEMENTED FEATURES" #1): a cache
// hit skips the executor call entirely, while anything that does reach
// the executor still goes through the outbox's idempotency key.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result   map[string]any
	expires  time.Time
	lastUsed time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	rc := &resultCache{entries: make(map[string]*cacheEntry), maxSize: maxSize, ttl: ttl}
	go rc.cleanupLoop()
	return rc
}

func (rc *resultCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rc.mu.Lock()
		now := time.Now()
		for k, e := range rc.entries {
			if now.After(e.expires) {
				delete(rc.entries, k)
			}
		}
		rc.mu.Unlock()
	}
}

func (rc *resultCache) get(key string) (map[string]any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.result, true
}

func (rc *resultCache) put(key string, result map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	rc.entries[key] = &cacheEntry{result: result, expires: time.Now().Add(rc.ttl), lastUsed: time.Now()}
}

func (rc *resultCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range rc.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}

// cacheKey hashes a task's definition, the deterministic key scheme kept
// from dag_engine.go's generateCacheKey.
func cacheKey(task workflow.Task) string {
	data, _ := json.Marshal(task)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
