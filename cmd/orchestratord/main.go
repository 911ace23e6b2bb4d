// Command orchestratord runs the durable workflow orchestration kernel:
// it wires the DAG scheduler, its durability stores, and the coordination
// subsystems into a single HTTP control surface, replacing the teacher's
// in-memory workflowStore/execute() pair with the full restart-safe
// engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/cancelreg"
	"github.com/swarmguard/orchestrator/internal/coordinator"
	"github.com/swarmguard/orchestrator/internal/eventlog"
	"github.com/swarmguard/orchestrator/internal/obs"
	"github.com/swarmguard/orchestrator/internal/obslog"
	"github.com/swarmguard/orchestrator/internal/orchestrator"
	"github.com/swarmguard/orchestrator/internal/outbox"
	"github.com/swarmguard/orchestrator/internal/scheduler"
	"github.com/swarmguard/orchestrator/internal/specstore"
	"github.com/swarmguard/orchestrator/internal/statestore"
	"github.com/swarmguard/orchestrator/internal/workflow"
	"github.com/swarmguard/orchestrator/internal/worldstate"
)

type runRequest struct {
	Workflow string `json:"workflow"`
}

type cancelRequest struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
}

func main() {
	service := "orchestrator"
	obslog.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics := obs.InitMeter(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	dataDir := getEnvDefault("ORCH_DATA_DIR", "./var/run")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}

	specs, err := specstore.Open(dataDir)
	if err != nil {
		slog.Error("open specstore", "error", err)
		os.Exit(1)
	}
	defer specs.Close()

	states, err := statestore.Open(dataDir, meter)
	if err != nil {
		slog.Error("open statestore", "error", err)
		os.Exit(1)
	}
	defer states.Close()

	events, err := eventlog.New(dataDir)
	if err != nil {
		slog.Error("open event log", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	world, err := worldstate.Open(dataDir)
	if err != nil {
		slog.Error("open worldstate", "error", err)
		os.Exit(1)
	}
	defer world.Close()

	ob, err := outbox.Open(dataDir, meter)
	if err != nil {
		slog.Error("open outbox", "error", err)
		os.Exit(1)
	}
	defer ob.Close()

	coord := coordinator.New(meter)

	orch, err := orchestrator.New(orchestrator.Config{
		StateStore:  states,
		Executor:    orchestrator.NewDefaultExecutor(&http.Client{Timeout: 30 * time.Second}),
		EventLog:    events,
		WorldState:  world,
		Outbox:      ob,
		Coordinator: coord,
		Meter:       meter,
	})
	if err != nil {
		slog.Error("construct orchestrator", "error", err)
		os.Exit(1)
	}

	schedulesDB, err := bbolt.Open(dataDir+"/schedules.db", 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		slog.Error("open schedules db", "error", err)
		os.Exit(1)
	}
	defer schedulesDB.Close()

	sched, err := scheduler.New(schedulesDB, specs, orch, meter)
	if err != nil {
		slog.Error("construct scheduler", "error", err)
		os.Exit(1)
	}
	if err := sched.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	cancels := cancelreg.New(meter)
	go cancels.StartCleanupLoop(ctx, time.Minute, 30*time.Minute)

	runCounter, _ := meter.Int64Counter("orchestrator_workflow_runs_total")
	runErrors, _ := meter.Int64Counter("orchestrator_workflow_run_errors_total")
	wfLatency, _ := meter.Float64Histogram("orchestrator_workflow_duration_ms")

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var spec workflow.Spec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if spec.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if err := specs.Put(r.Context(), spec); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(spec)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			if name == "" {
				_ = json.NewEncoder(w).Encode(specs.List())
				return
			}
			spec, ok, err := specs.Get(r.Context(), name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(spec)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		spec, ok, err := specs.Get(r.Context(), req.Workflow)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("%s-%s", spec.Name, uuid.NewString())
		}

		execCtx, execCancel := context.WithCancel(context.Background())
		cancels.Register(spec.ID, execCancel)
		defer execCancel()

		start := time.Now()
		state, err := orch.ExecuteWorkflow(execCtx, spec)
		if err != nil {
			cancels.Complete(spec.ID, cancelreg.StatusFailed)
			runErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("workflow", spec.Name)))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cancels.Complete(spec.ID, cancelreg.StatusCompleted)

		wfLatency.Record(r.Context(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("workflow", spec.Name)))
		runCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("workflow", spec.Name), attribute.String("status", string(state.Status))))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	})

	mux.HandleFunc("/v1/executions/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/executions/"):]
		if id == "" {
			http.Error(w, "execution id required", http.StatusBadRequest)
			return
		}
		tenant := r.URL.Query().Get("tenant")
		state, ok, err := states.Get(r.Context(), id, tenant)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(state)
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var cfg scheduler.ScheduleConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := sched.AddSchedule(r.Context(), &cfg); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			list, err := sched.ListSchedules(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(list)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req cancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := cancels.Cancel(r.Context(), req.WorkflowID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state_store": states.Stats(),
			"schedules":   sched.Stats(),
		})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		// Metrics are exported via OTLP push (obs.InitMeter); no pull
		// endpoint is wired here, matching the teacher's own promHandler
		// (always nil in libs/go/core/otelinit).
		w.WriteHeader(http.StatusNotImplemented)
	})

	addr := getEnvDefault("ORCH_LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("orchestratord started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	obs.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
