// Package executor adapts task_executor.go/plugins.go's plugin-registry
// pattern to spec.md's Task shape: a TaskExecutor interface plus a
// MultiExecutor that routes by tool name to an http, script, or policy
// plugin, each reading its parameters from Task.Inputs rather than
// dedicated struct fields.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/orchestrator/internal/workflow"
)

// TaskExecutor runs a single task and returns its output payload. When
// an outbox is configured the orchestrator calls it through
// internal/outbox, so at-most-one-commit is enforced regardless of which
// plugin handles the task; with no outbox it calls it directly.
type TaskExecutor interface {
	Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error)
}

// MultiExecutor routes to a per-tool-name plugin, falling back to a
// registered default when none matches.
type MultiExecutor struct {
	plugins map[string]TaskExecutor
	fallback TaskExecutor
}

// NewMultiExecutor wires the http/script/policy plugins by tool-name
// prefix, the way MultiTaskExecutor switched on Task.Type.
func NewMultiExecutor(httpClient *http.Client) *MultiExecutor {
	me := &MultiExecutor{plugins: make(map[string]TaskExecutor)}
	me.Register("http", NewHTTPExecutor(httpClient))
	me.Register("script", NewScriptExecutor())
	me.Register("policy", NewPolicyExecutor())
	return me
}

// Register associates a tool-name prefix with a plugin.
func (me *MultiExecutor) Register(prefix string, exec TaskExecutor) {
	me.plugins[prefix] = exec
}

// SetFallback registers an executor used when no prefix matches.
func (me *MultiExecutor) SetFallback(exec TaskExecutor) {
	me.fallback = exec
}

func (me *MultiExecutor) Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error) {
	prefix := task.ToolName
	if idx := strings.IndexByte(prefix, '.'); idx >= 0 {
		prefix = prefix[:idx]
	}
	if exec, ok := me.plugins[prefix]; ok {
		return exec.Execute(ctx, task, scope)
	}
	if me.fallback != nil {
		return me.fallback.Execute(ctx, task, scope)
	}
	return nil, fmt.Errorf("no executor registered for tool %q", task.ToolName)
}

// HTTPExecutor executes tasks whose inputs describe an HTTP call:
// {url, method, body, headers}.
type HTTPExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPExecutor{client: client, tracer: otel.Tracer("orchestrator-executor-http")}
}

func (h *HTTPExecutor) Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error) {
	ctx, span := h.tracer.Start(ctx, "executor.http",
		trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	url, _ := task.Inputs["url"].(string)
	url = resolveTemplate(url, scope)

	method, _ := task.Inputs["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := task.Inputs["body"]; ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(resolveTemplate(string(raw), scope))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	if headers, ok := task.Inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result = parsed
			result["status_code"] = resp.StatusCode
		} else {
			result["body"] = string(respBody)
		}
	}
	return result, nil
}

// resolveTemplate replaces {{task_id.field}} placeholders with values
// already produced by earlier tasks in scope, the template idiom kept
// from HTTPTaskExecutor.resolveTemplate.
func resolveTemplate(tmpl string, scope map[string]map[string]any) string {
	result := tmpl
	for taskID, output := range scope {
		for field, value := range output {
			placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// ScriptExecutor runs tasks whose inputs describe a sandboxed script
// invocation. Sandbox isolation is delegated to SandboxConfig /
// RuntimeAdapterRegistry (out of scope, §1); this plugin only shapes the
// request and result.
type ScriptExecutor struct {
	tracer trace.Tracer
}

func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{tracer: otel.Tracer("orchestrator-executor-script")}
}

func (s *ScriptExecutor) Execute(ctx context.Context, task workflow.Task, _ map[string]map[string]any) (map[string]any, error) {
	_, span := s.tracer.Start(ctx, "executor.script",
		trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	script, _ := task.Inputs["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("script task %s missing inputs.script", task.ID)
	}
	// Actual sandboxed execution is a runtime-adapter concern (§1
	// Non-goals list sandbox execution backends as external).
	return map[string]any{"status": "dispatched", "script": script}, nil
}

// PolicyExecutor evaluates a named policy against the prior task scope,
// calling out to an external policy service the way PolicyTaskExecutor
// did.
type PolicyExecutor struct {
	tracer trace.Tracer
}

func NewPolicyExecutor() *PolicyExecutor {
	return &PolicyExecutor{tracer: otel.Tracer("orchestrator-executor-policy")}
}

func (p *PolicyExecutor) Execute(ctx context.Context, task workflow.Task, scope map[string]map[string]any) (map[string]any, error) {
	ctx, span := p.tracer.Start(ctx, "executor.policy",
		trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	policyURL := getEnvDefault("ORCH_POLICY_SERVICE_URL", "http://policy-service:8080")
	policyName, _ := task.Inputs["policy"].(string)

	reqBody, err := json.Marshal(map[string]any{"policy": policyName, "input": scope})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, policyURL+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("policy evaluation failed: %s", string(body))
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string       { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string)       { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
