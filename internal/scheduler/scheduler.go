// Package scheduler launches workflows on a cron schedule or in response
// to external events, generalizing scheduler.go's Scheduler from the
// teacher's in-process WorkflowStore/DAGEngine/PluginRegistry trio to the
// specstore.Store + orchestrator.Orchestrator pair this module builds.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/specstore"
	"github.com/swarmguard/orchestrator/internal/workflow"
)

var bucketSchedules = []byte("schedules")

// Runner is the subset of *orchestrator.Orchestrator the scheduler needs,
// narrowed for testability.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, spec workflow.Spec) (*workflow.State, error)
}

// ScheduleConfig defines when and how to launch a named workflow.
type ScheduleConfig struct {
	WorkflowName  string                 `json:"workflowName"`
	CronExpr      string                 `json:"cronExpr,omitempty"`  // "0 */5 * * * *" = every 5 minutes
	EventType     string                 `json:"eventType,omitempty"` // "kafka.message", "webhook.received"
	EventFilter   map[string]interface{} `json:"eventFilter,omitempty"`
	Enabled       bool                   `json:"enabled"`
	MaxConcurrent int                    `json:"maxConcurrent,omitempty"` // 0 = unlimited
	Timeout       time.Duration          `json:"timeout,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// eventHandler fans one event type out to every schedule registered
// against it.
type eventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler owns the cron runtime and event-trigger table.
type Scheduler struct {
	db            *bbolt.DB
	cron          *cron.Cron
	specs         *specstore.Store
	runner        Runner
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New constructs a Scheduler. db is used only for schedule persistence
// (a separate bucket from specstore/statestore's own databases) so cron
// entries survive a restart; pass the same *bbolt.DB the rest of the
// process opened, or nil to keep schedules in memory only.
func New(db *bbolt.DB, specs *specstore.Store, runner Runner, meter metric.Meter) (*Scheduler, error) {
	if db != nil {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketSchedules)
			return err
		}); err != nil {
			return nil, fmt.Errorf("create schedules bucket: %w", err)
		}
	}

	scheduleRuns, _ := meter.Int64Counter("orchestrator_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("orchestrator_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("orchestrator_schedule_event_triggers_total")

	return &Scheduler{
		db:            db,
		cron:          cron.New(cron.WithSeconds()),
		specs:         specs,
		runner:        runner,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("orchestrator-scheduler"),
	}, nil
}

// Start begins the cron runtime.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the cron runtime, waiting for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}

// AddSchedule registers a cron or event-driven launch for a workflow.
func (s *Scheduler) AddSchedule(ctx context.Context, config *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(
			attribute.String("workflow", config.WorkflowName),
			attribute.String("cron", config.CronExpr),
		),
	)
	defer span.End()

	switch {
	case config.CronExpr != "":
		entryID, err := s.cron.AddFunc(config.CronExpr, func() {
			s.executeScheduledWorkflow(context.Background(), config)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		slog.Info("cron schedule added", "workflow", config.WorkflowName, "cron", config.CronExpr, "entry_id", entryID)
		return s.persist(config)

	case config.EventType != "":
		s.registerEventHandler(config)
		slog.Info("event trigger added", "workflow", config.WorkflowName, "event_type", config.EventType)
		return s.persist(config)

	default:
		return fmt.Errorf("either cronExpr or eventType must be specified")
	}
}

func (s *Scheduler) persist(config *ScheduleConfig) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(config.WorkflowName), data)
	})
}

// RemoveSchedule unregisters every event trigger for workflowName. Cron
// entries cannot be removed by name (robfig/cron only removes by
// EntryID, which AddSchedule does not retain), matching the teacher's
// own limitation noted in scheduler.go.
func (s *Scheduler) RemoveSchedule(ctx context.Context, workflowName string) error {
	s.mu.Lock()
	for eventType, handler := range s.eventHandlers {
		kept := make([]*ScheduleConfig, 0, len(handler.schedules))
		for _, sched := range handler.schedules {
			if sched.WorkflowName != workflowName {
				kept = append(kept, sched)
			}
		}
		handler.schedules = kept
		if len(handler.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
}

// ListSchedules returns every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	schedules := make([]*ScheduleConfig, 0)
	if s.db == nil {
		return schedules, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSchedules)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var config ScheduleConfig
			if err := json.Unmarshal(v, &config); err != nil {
				return nil
			}
			schedules = append(schedules, &config)
			return nil
		})
	})
	return schedules, err
}

// TriggerEvent processes an incoming event, launching every enabled,
// filter-matching, under-concurrency-limit schedule registered for it.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	handler, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !exists {
		span.AddEvent("no_handlers")
		return nil
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, schedule := range handler.schedules {
		if !schedule.Enabled || !matchesFilter(eventData, schedule.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if schedule.MaxConcurrent > 0 && handler.running >= schedule.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("max concurrent executions reached", "workflow", schedule.WorkflowName, "max", schedule.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()
			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.executeScheduledWorkflow(execCtx, cfg)
		}(schedule)
	}
	return nil
}

func (s *Scheduler) executeScheduledWorkflow(ctx context.Context, config *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute_workflow", trace.WithAttributes(attribute.String("workflow", config.WorkflowName)))
	defer span.End()
	start := time.Now()

	spec, found, err := s.specs.Get(ctx, config.WorkflowName)
	if err != nil || !found {
		slog.Error("failed to load workflow spec", "workflow", config.WorkflowName, "error", err, "found", found)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", config.WorkflowName)))
		return
	}

	// Each scheduled firing is a distinct workflow instance.
	spec.ID = fmt.Sprintf("%s-%s", spec.Name, uuid.NewString())

	state, err := s.runner.ExecuteWorkflow(ctx, spec)
	if err != nil {
		slog.Error("scheduled workflow execution failed", "workflow", config.WorkflowName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", config.WorkflowName)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", config.WorkflowName),
		attribute.String("status", string(state.Status)),
	))
	slog.Info("scheduled workflow completed", "workflow", config.WorkflowName, "workflow_id", state.WorkflowID, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(config *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, exists := s.eventHandlers[config.EventType]
	if !exists {
		handler = &eventHandler{schedules: make([]*ScheduleConfig, 0)}
		s.eventHandlers[config.EventType] = handler
	}
	handler.schedules = append(handler.schedules, config)
}

func matchesFilter(eventData, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// Stats reports cron/event-handler occupancy, the supplemented /v1/stats
// feature carried from scheduler.go's GetScheduleStats.
func (s *Scheduler) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eventStats := make(map[string]any, len(s.eventHandlers))
	total := 0
	for eventType, handler := range s.eventHandlers {
		handler.mu.Lock()
		eventStats[eventType] = map[string]any{
			"schedules":    len(handler.schedules),
			"running":      handler.running,
			"last_trigger": handler.lastTrigger.Format(time.RFC3339),
		}
		total += len(handler.schedules)
		handler.mu.Unlock()
	}

	return map[string]any{
		"cron_entries":        len(s.cron.Entries()),
		"event_handlers":      len(s.eventHandlers),
		"total_schedules":     total + len(s.cron.Entries()),
		"event_handler_stats": eventStats,
	}
}

// RestoreSchedules re-registers every persisted, enabled schedule on
// startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, schedule); err != nil {
			slog.Error("failed to restore schedule", "workflow", schedule.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
