package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

func TestResilienceGuardDelegatesOnSuccess(t *testing.T) {
	stub := &stubExecutor{result: map[string]any{"ok": true}}
	guard := NewResilienceGuard(stub)

	result, err := guard.Execute(context.Background(), workflow.Task{ToolName: "http.get"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 1, stub.calls)
}

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cause := errors.New("downstream down")
	stub := &stubExecutor{err: cause}
	guard := NewResilienceGuard(stub)
	task := workflow.Task{ToolName: "http.flaky"}

	// minSamples=10, failureRateOpen=0.5: 10 straight failures trips it.
	for i := 0; i < 10; i++ {
		_, err := guard.Execute(context.Background(), task, nil)
		assert.Error(t, err)
	}

	callsBeforeOpen := stub.calls
	_, err := guard.Execute(context.Background(), task, nil)
	require.Error(t, err)
	assert.Equal(t, callsBeforeOpen, stub.calls, "an open breaker must short-circuit without calling next")
	assert.Contains(t, err.Error(), "circuit open")
}

func TestCircuitBreakerIsPerTool(t *testing.T) {
	cause := errors.New("boom")
	stub := &stubExecutor{err: cause}
	guard := NewResilienceGuard(stub)

	for i := 0; i < 10; i++ {
		_, _ = guard.Execute(context.Background(), workflow.Task{ToolName: "http.a"}, nil)
	}
	_, err := guard.Execute(context.Background(), workflow.Task{ToolName: "http.a"}, nil)
	assert.Contains(t, err.Error(), "circuit open")

	// A different tool's breaker is unaffected.
	stub.err = nil
	stub.result = map[string]any{"ok": true}
	_, err = guard.Execute(context.Background(), workflow.Task{ToolName: "http.b"}, nil)
	assert.NoError(t, err)
}

func TestRateLimiterRejectsBurstBeyondCapacity(t *testing.T) {
	stub := &stubExecutor{result: map[string]any{"ok": true}}
	guard := NewResilienceGuard(stub)
	task := workflow.Task{ToolName: "http.bursty"}

	rejected := false
	for i := 0; i < 30; i++ {
		_, err := guard.Execute(context.Background(), task, nil)
		if err != nil {
			rejected = true
			assert.Contains(t, err.Error(), "rate limit")
			break
		}
	}
	assert.True(t, rejected, "capacity of 20 should be exhausted within 30 immediate calls")
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := newRateLimiter(1, 1000) // 1 token, refills at 1000/sec
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, rl.allow())
}

func TestCircuitBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	b := newCircuitBreaker(2, 0.5, 10*time.Millisecond, 1)
	assert.True(t, b.allow())
	b.recordResult(false)
	assert.True(t, b.allow())
	b.recordResult(false) // trips open (2 samples, 100% failure >= 50%)

	assert.False(t, b.allow(), "should be open immediately after tripping")
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.allow(), "should admit a half-open probe after cooldown")
	b.recordResult(true)
	assert.True(t, b.allow(), "should be closed again after a successful probe")
}
