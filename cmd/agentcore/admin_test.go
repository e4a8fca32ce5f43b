package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/config"
	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/store/memory"
)

func newTestNode(t *testing.T) (*node, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.EventBus.BackoffUnitMS = 1
	cfg.Workflow.RoutePollIntervalMS = 5

	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	reg := prometheus.NewRegistry()
	n, err := newNode(cfg, st, reg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.start(ctx))
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = n.shutdown(shutdownCtx)
	})
	for _, a := range demoAgents(n.orchestrator.ServerID(), logging.Discard()) {
		require.NoError(t, n.orchestrator.RegisterAgent(ctx, a))
	}
	return n, newAdmin(n, reg).routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAdminTaskLifecycle(t *testing.T) {
	_, h := newTestNode(t)

	rec := do(t, h, http.MethodPost, "/tasks", map[string]any{
		"task_type":             "network_scan",
		"required_capabilities": []string{"scan"},
		"parameters":            map[string]any{"subnet": "10.0.0.0/24"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[map[string]string](t, rec)["task_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/tasks/"+id, nil)
		return rec.Code == http.StatusOK && decode[domain.Task](t, rec).Status == domain.TaskStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	task := decode[domain.Task](t, do(t, h, http.MethodGet, "/tasks/"+id, nil))
	assert.Equal(t, "network-1", task.AgentID)

	rec = do(t, h, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/tasks", map[string]any{"parameters": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAgentsAndStats(t *testing.T) {
	_, h := newTestNode(t)

	agents := decode[[]domain.AgentInfo](t, do(t, h, http.MethodGet, "/agents", nil))
	assert.Len(t, agents, len(demoSpecs))

	agents = decode[[]domain.AgentInfo](t, do(t, h, http.MethodGet, "/agents?capability=scan&capability=ping", nil))
	require.Len(t, agents, 1)
	assert.Equal(t, "network-1", agents[0].ID)
	rec := do(t, h, http.MethodGet, "/agents?capability=scan&capability=email", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	servers := decode[[]domain.ServerInfo](t, do(t, h, http.MethodGet, "/servers", nil))
	assert.Len(t, servers, 1)

	rec = do(t, h, http.MethodPost, "/agents/network-1/messages", map[string]any{"payload": map[string]any{"ping": true}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, h, http.MethodPost, "/agents/ghost/messages", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/broadcast", map[string]any{"agent_type": "network", "message": map[string]any{}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "network-1")

	stats := decode[Stats](t, do(t, h, http.MethodGet, "/stats", nil))
	assert.Equal(t, len(demoSpecs), stats.Orchestrator.Agents)
	assert.Len(t, stats.Orchestrator.Mailboxes, len(demoSpecs))
	assert.Positive(t, stats.EventBus.Published)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentcore_orchestrator_agents_registered")
}

func TestAdminWorkflowExecution(t *testing.T) {
	n, h := newTestNode(t)
	require.NoError(t, n.engine.RegisterWorkflow(domain.Workflow{
		ID:      "inspection",
		Version: "1",
		Steps: []domain.WorkflowStep{
			{ID: "scan", TaskType: "network_scan", Capabilities: []domain.Capability{"scan"}, Parameters: map[string]any{"site": "{site}"}},
			{ID: "report", TaskType: "generate_report", Capabilities: []domain.Capability{"report"}, Dependencies: []string{"scan"},
				Parameters: map[string]any{"agent": "{scan.agent_id}"}},
		},
	}))

	rec := do(t, h, http.MethodPost, "/workflows/inspection/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/workflows/inspection/executions", map[string]any{"site": "north"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	execID := decode[map[string]string](t, rec)["execution_id"]

	require.Eventually(t, func() bool {
		x := decode[domain.WorkflowExecution](t, do(t, h, http.MethodGet, "/executions/"+execID, nil))
		return x.Status == domain.ExecutionStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	x := decode[domain.WorkflowExecution](t, do(t, h, http.MethodGet, "/executions/"+execID, nil))
	assert.Equal(t, "network-1", x.StepResults["report"]["parameters"].(map[string]any)["agent"])

	rec = do(t, h, http.MethodPost, "/workflows/missing/executions", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeadLetterReplay(t *testing.T) {
	_, h := newTestNode(t)
	var healthy atomic.Bool
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	rec := do(t, h, http.MethodPost, "/subscriptions", map[string]any{
		"subscriber_id": "billing-hook",
		"callback_url":  hook.URL,
		"filter":        map[string]any{"include": []map[string]any{{"event_type": "invoice.*"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/events", map[string]any{"event_type": "invoice.created", "max_retries": 1})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var dls []domain.DeadLetter
	require.Eventually(t, func() bool {
		dls = decode[[]domain.DeadLetter](t, do(t, h, http.MethodGet, "/dead-letters", nil))
		return len(dls) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "billing-hook", dls[0].SubscriberID)

	rec = do(t, h, http.MethodPost, "/dead-letters/"+dls[0].ID+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, rec)["delivered"])
	dls = decode[[]domain.DeadLetter](t, do(t, h, http.MethodGet, "/dead-letters", nil))
	require.Len(t, dls, 1)

	healthy.Store(true)
	rec = do(t, h, http.MethodPost, "/dead-letters/"+dls[0].ID+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["delivered"])
	rec = do(t, h, http.MethodPost, "/dead-letters/"+dls[0].ID+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStreams(t *testing.T) {
	_, h := newTestNode(t)

	rec := do(t, h, http.MethodPost, "/streams", map[string]any{"include": []map[string]any{{"event_type": "task.*"}}})
	require.Equal(t, http.StatusCreated, rec.Code)
	streamID := decode[map[string]string](t, rec)["stream_id"]

	do(t, h, http.MethodPost, "/events", map[string]any{"event_type": "task.custom"})
	do(t, h, http.MethodPost, "/events", map[string]any{"event_type": "agent.custom"})

	events := decode[[]domain.Event](t, do(t, h, http.MethodGet, "/streams/"+streamID+"?max=10", nil))
	require.Len(t, events, 1)
	assert.Equal(t, "task.custom", events[0].Type)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/streams/"+streamID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/streams/"+streamID, nil).Code)
}

func TestWorkflowsValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(`
id: good
version: "1"
steps:
  - id: a
    task_type: collect
  - id: b
    task_type: analyze
    dependencies: [a]
    parameters:
      input: "{a.readings}"
`), 0o644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
id: bad
version: "1"
steps:
  - id: a
    task_type: collect
  - id: b
    task_type: analyze
    parameters:
      input: "{a.readings}"
`), 0o644))

	var out bytes.Buffer
	workflowsValidateCmd.SetOut(&out)
	err := runWorkflowsValidate(workflowsValidateCmd, []string{dir})
	require.Error(t, err)
	assert.Contains(t, out.String(), "ok   good")
	assert.True(t, strings.Contains(out.String(), "bad.yaml"), out.String())
	assert.Contains(t, out.String(), "unresolved parameter reference")

	out.Reset()
	require.NoError(t, os.Remove(bad))
	assert.NoError(t, runWorkflowsValidate(workflowsValidateCmd, []string{dir}))
}
