// Resilience guards for outbound tool calls, adapted from
// libs/go/core/resilience's CircuitBreaker and RateLimiter: a
// failure-rate breaker per tool name, plus a token-bucket limiter per
// tool name, both consulted ahead of MultiExecutor dispatching to a
// plugin. Neither replaces the task-level retry/backoff loop spec.md
// §4.1 specifies (that stays exact, in internal/orchestrator); these
// guard the shared external endpoint a tool call hits, the same way the
// teacher's shared library protects outbound calls fleet-wide.
package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker opens once a tool's failure rate crosses a threshold,
// and admits bounded half-open probes before fully closing again. The
// rate is computed over every result since the breaker last tripped or
// closed; there is no sliding window.
type circuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	state          breakerState
	openedAt       time.Time
	halfOpenProbes int
	successes      int
	failures       int
}

func newCircuitBreaker(minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *circuitBreaker {
	return &circuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
	}
}

// allow reports whether a call may proceed, advancing OPEN->HALF_OPEN
// once the cool-down has elapsed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.halfOpenAfter {
			return false
		}
		b.state = stateHalfOpen
		b.halfOpenProbes = 1
	case stateHalfOpen:
		if b.halfOpenProbes >= b.maxHalfOpenProbes {
			return false
		}
		b.halfOpenProbes++
	}
	return true
}

func (b *circuitBreaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.successes++
	} else {
		b.failures++
	}

	switch b.state {
	case stateClosed:
		total := b.successes + b.failures
		if total >= b.minSamples && float64(b.failures)/float64(total) >= b.failureRateOpen {
			b.trip()
		}
	case stateHalfOpen:
		if !success {
			b.trip()
		} else if b.halfOpenProbes >= b.maxHalfOpenProbes {
			b.state = stateClosed
			b.successes, b.failures = 0, 0
		}
	}
}

func (b *circuitBreaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.successes, b.failures = 0, 0
}

// rateLimiter is a token bucket: capacity tokens, refilled at fillRate
// tokens/second, guarding call volume to one tool independent of its
// breaker's failure-rate judgment.
type rateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64
	available  float64
	lastRefill time.Time
}

func newRateLimiter(capacity int, fillRate float64) *rateLimiter {
	return &rateLimiter{
		capacity:   float64(capacity),
		fillRate:   fillRate,
		available:  float64(capacity),
		lastRefill: time.Now(),
	}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = math.Min(r.capacity, r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}
	if r.available >= 1 {
		r.available--
		return true
	}
	return false
}

// ResilienceGuard registers a circuit breaker and rate limiter per tool
// name, wrapping TaskExecutor.Execute with both before delegating.
type ResilienceGuard struct {
	next TaskExecutor

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	limiters map[string]*rateLimiter

	rejections metric.Int64Counter
}

// NewResilienceGuard wraps next so every tool call is gated by a
// per-tool circuit breaker (opens at 50% failures over 10 samples,
// half-opens after 30s, 3 probes) and a per-tool token bucket (20
// requests/sec burst, refilling at 10/sec).
func NewResilienceGuard(next TaskExecutor) *ResilienceGuard {
	rejections, _ := otel.Meter("orchestrator-executor-resilience").Int64Counter("orchestrator_executor_tool_rejections_total")
	return &ResilienceGuard{
		next:       next,
		breakers:   make(map[string]*circuitBreaker),
		limiters:   make(map[string]*rateLimiter),
		rejections: rejections,
	}
}

func (g *ResilienceGuard) forTool(tool string) (*circuitBreaker, *rateLimiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[tool]
	if !ok {
		b = newCircuitBreaker(10, 0.5, 30*time.Second, 3)
		g.breakers[tool] = b
	}
	l, ok := g.limiters[tool]
	if !ok {
		l = newRateLimiter(20, 10)
		g.limiters[tool] = l
	}
	return b, l
}

func (g *ResilienceGuard) Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error) {
	breaker, limiter := g.forTool(task.ToolName)

	if !limiter.allow() {
		g.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", task.ToolName), attribute.String("reason", "rate_limited")))
		return nil, fmt.Errorf("tool %q: rate limit exceeded", task.ToolName)
	}
	if !breaker.allow() {
		g.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", task.ToolName), attribute.String("reason", "circuit_open")))
		return nil, fmt.Errorf("tool %q: circuit open", task.ToolName)
	}

	result, err := g.next.Execute(ctx, task, scope)
	breaker.recordResult(err == nil)
	return result, err
}
