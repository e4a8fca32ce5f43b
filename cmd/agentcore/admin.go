package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentcore/internal/domain"
	"agentcore/internal/eventbus"
	"agentcore/internal/messaging/inproc"
	"agentcore/internal/orchestrator"
)

// admin serves the operator API of one node. cmd/monitor polls it.
type admin struct {
	node    *node
	metrics http.Handler
	logger  *slog.Logger
}

func newAdmin(n *node, gatherer prometheus.Gatherer) *admin {
	return &admin{
		node:    n,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:  n.logger.With("component", "admin"),
	}
}

func (a *admin) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /config", a.handleConfig)
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.Handle("GET /metrics", a.metrics)

	mux.HandleFunc("GET /agents", a.handleAgents)
	mux.HandleFunc("GET /servers", a.handleServers)
	mux.HandleFunc("POST /agents/{id}/messages", a.handleSendMessage)
	mux.HandleFunc("POST /broadcast", a.handleBroadcast)

	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("POST /tasks", a.handleSubmitTask)
	mux.HandleFunc("GET /tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", a.handleCancelTask)

	mux.HandleFunc("GET /workflows", a.handleListWorkflows)
	mux.HandleFunc("POST /workflows/{id}/executions", a.handleExecuteWorkflow)
	mux.HandleFunc("GET /executions", a.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", a.handleGetExecution)

	mux.HandleFunc("POST /events", a.handlePublish)
	mux.HandleFunc("GET /events/{id}", a.handleGetEvent)
	mux.HandleFunc("GET /correlations/{id}/events", a.handleCorrelation)
	mux.HandleFunc("GET /subscriptions", a.handleListSubscriptions)
	mux.HandleFunc("POST /subscriptions", a.handleSubscribe)
	mux.HandleFunc("DELETE /subscriptions/{id}", a.handleUnsubscribe)
	mux.HandleFunc("POST /streams", a.handleCreateStream)
	mux.HandleFunc("GET /streams/{id}", a.handleReadStream)
	mux.HandleFunc("DELETE /streams/{id}", a.handleCloseStream)
	mux.HandleFunc("GET /dead-letters", a.handleListDeadLetters)
	mux.HandleFunc("POST /dead-letters/{id}/replay", a.handleReplayDeadLetter)
	return a.loggingMiddleware(mux)
}

// Stats is the payload of GET /stats.
type Stats struct {
	Orchestrator orchestrator.Stats `json:"orchestrator"`
	EventBus     eventbus.Stats     `json:"eventbus"`
	DeadLetters  int                `json:"dead_letters"`
}

func (a *admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": a.node.orchestrator.ServerID(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *admin) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.node.cfg.Path,
		"raw":  a.node.cfg.Raw,
	})
}

func (a *admin) handleStats(w http.ResponseWriter, r *http.Request) {
	dls, err := a.node.bus.ListDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, Stats{
		Orchestrator: a.node.orchestrator.GetOrchestratorStats(r.Context()),
		EventBus:     a.node.bus.Metrics(),
		DeadLetters:  len(dls),
	})
}

// handleAgents lists every agent, or with ?capability=a&capability=b only the
// available agents holding all of them.
func (a *admin) handleAgents(w http.ResponseWriter, r *http.Request) {
	var (
		agents []domain.AgentInfo
		err    error
	)
	if names := r.URL.Query()["capability"]; len(names) > 0 {
		caps := make([]domain.Capability, 0, len(names))
		for _, n := range names {
			caps = append(caps, domain.Capability(n))
		}
		agents, err = a.node.registry.FindByCapabilities(r.Context(), caps)
		if agents == nil {
			agents = []domain.AgentInfo{}
		}
	} else {
		agents, err = a.node.registry.ListAgents(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *admin) handleServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.node.registry.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (a *admin) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	msg.ToAgent = r.PathValue("id")
	id, err := a.node.orchestrator.SendMessageToAgent(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id})
}

func (a *admin) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message      domain.Message      `json:"message"`
		AgentType    domain.AgentType    `json:"agent_type"`
		Capabilities []domain.Capability `json:"capabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	recipients, err := a.node.orchestrator.BroadcastMessage(r.Context(), req.Message, orchestrator.BroadcastFilter{
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
	})
	resp := map[string]any{"recipients": recipients}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *admin) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, a.node.orchestrator.ListTasks(status))
}

func (a *admin) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.Task
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	task := req.Task
	if req.TimeoutSeconds > 0 {
		task.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if strings.TrimSpace(task.Type) == "" {
		writeError(w, http.StatusBadRequest, errors.New("task_type is required"))
		return
	}
	id, err := a.node.orchestrator.SubmitTask(r.Context(), task)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id})
}

func (a *admin) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.node.orchestrator.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *admin) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.node.orchestrator.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *admin) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.node.engine.ListWorkflows())
}

func (a *admin) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if r.ContentLength != 0 && !decodeBody(w, r, &params) {
		return
	}
	id, err := a.node.orchestrator.ExecuteWorkflow(r.Context(), r.PathValue("id"), params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id})
}

func (a *admin) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.node.engine.ListExecutions())
}

func (a *admin) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	x, err := a.node.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (a *admin) handlePublish(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if strings.TrimSpace(ev.Type) == "" {
		writeError(w, http.StatusBadRequest, errors.New("event_type is required"))
		return
	}
	delivered, err := a.node.bus.Publish(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

func (a *admin) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.node.bus.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *admin) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	events, err := a.node.bus.EventsByCorrelation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *admin) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.node.bus.ListSubscriptions())
}

func (a *admin) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubscriberID string             `json:"subscriber_id"`
		CallbackURL  string             `json:"callback_url"`
		Filter       domain.EventFilter `json:"filter"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SubscriberID == "" || req.CallbackURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("subscriber_id and callback_url are required"))
		return
	}
	id, err := a.node.bus.SubscribeURL(r.Context(), req.SubscriberID, req.Filter, req.CallbackURL)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"subscription_id": id})
}

func (a *admin) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := a.node.bus.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var filter domain.EventFilter
	if r.ContentLength != 0 && !decodeBody(w, r, &filter) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"stream_id": a.node.bus.CreateStream(filter)})
}

func (a *admin) handleReadStream(w http.ResponseWriter, r *http.Request) {
	events, err := a.node.bus.ReadStream(r.PathValue("id"), queryInt(r, "max", 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *admin) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	if err := a.node.bus.CloseStream(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := a.node.bus.ListDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, dls)
}

func (a *admin) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	delivered, err := a.node.bus.ReplayDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// statusFor maps sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, domain.ErrWorkflowNotFound),
		errors.Is(err, domain.ErrExecutionNotFound),
		errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrSubscriptionNotFound),
		errors.Is(err, domain.ErrStreamNotFound),
		errors.Is(err, domain.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTaskFinal), errors.Is(err, domain.ErrTaskExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, inproc.ErrAgentQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnresolvedReference),
		errors.Is(err, domain.ErrInvalidWorkflow),
		errors.Is(err, domain.ErrWorkflowCycle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (a *admin) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
