package orchestrator

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/coordinator"
	"github.com/swarmguard/orchestrator/internal/eventlog"
	"github.com/swarmguard/orchestrator/internal/executor"
	"github.com/swarmguard/orchestrator/internal/feasibility"
	"github.com/swarmguard/orchestrator/internal/outbox"
	"github.com/swarmguard/orchestrator/internal/ports"
	"github.com/swarmguard/orchestrator/internal/statestore"
	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

// Config is the orchestrator's construction builder, reshaping the
// teacher's long constructor signatures into a single struct per DESIGN
// NOTES §9: StateStore and Executor are required; a nil EventLog is
// replaced by New with a file-backed log under ./var/run; every other
// collaborator is optional and defaults to "disabled", silently skipping
// its pipeline step.
type Config struct {
	StateStore *statestore.Store // required
	Executor   executor.TaskExecutor // required
	EventLog   *eventlog.Log         // default: file-backed at ./var/run
	WorldState *worldstate.Store
	Outbox      *outbox.Service
	Coordinator *coordinator.Coordinator
	Feasibility *feasibility.Checker

	CompensationExecutor executor.TaskExecutor
	MemoryAPI            ports.MemoryAPI
	CRVGate              ports.CRVGate
	PolicyGuard          ports.PolicyGuard
	Principal            ports.Principal
	Telemetry            ports.TelemetryCollector
	FaultInjector        ports.FaultInjector
	RecoveryExecutor     ports.RecoveryExecutor

	MaxWorkers        int
	DefaultRetry      workflow.RetryPolicy
	ResultCacheSize   int
	ResultCacheTTL    time.Duration
	ReconcileInterval time.Duration

	Meter metric.Meter
}

// WithDefaults fills unset optional numeric fields, mirroring
// NewDAGEngine's defaulting of maxWorkers/defaultRetry.
func (c Config) WithDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.DefaultRetry.MaxAttempts == 0 {
		c.DefaultRetry = workflow.DefaultRetryPolicy()
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 1000
	}
	if c.ResultCacheTTL <= 0 {
		c.ResultCacheTTL = 30 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	return c
}

// NewDefaultExecutor is a convenience matching the teacher's
// NewMultiTaskExecutor(httpClient) wiring for cmd/orchestratord, with
// every tool call gated by a per-tool circuit breaker and rate limiter.
func NewDefaultExecutor(client *http.Client) executor.TaskExecutor {
	return executor.NewResilienceGuard(executor.NewMultiExecutor(client))
}
