// Package workflow compiles workflow templates into dependency graphs and
// runs them, one task per step, resolving step parameters from the results
// of the steps they depend on.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/store"
)

const engineSource = "workflow-engine"

func executionKey(id string) string { return "workflow:execution:" + id }

// Router selects the agent for a step.
type Router interface {
	FindBestAgentOfType(ctx context.Context, task domain.Task, caps []domain.Capability, agentType domain.AgentType) (domain.AgentInfo, bool, error)
}

// Delegator runs a task on a chosen agent and returns it in a terminal state.
type Delegator interface {
	DelegateTaskToAgent(ctx context.Context, agentID string, task domain.Task) (domain.Task, error)
}

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) (bool, error)
}

type Config struct {
	TemplatesDir       string
	Watch              bool
	MaxParallelSteps   int
	RoutePollInterval  time.Duration
	DefaultStepTimeout time.Duration
	ExecutionTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RoutePollInterval <= 0 {
		c.RoutePollInterval = 250 * time.Millisecond
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 5 * time.Minute
	}
	if c.ExecutionTTL <= 0 {
		c.ExecutionTTL = 24 * time.Hour
	}
	return c
}

type compiled struct {
	workflow domain.Workflow
	graph    *Graph
}

type execution struct {
	mu    sync.Mutex
	state domain.WorkflowExecution
	done  chan struct{}
}

func (x *execution) snapshot() domain.WorkflowExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state.Clone()
}

type Engine struct {
	router    Router
	delegator Delegator
	events    Publisher
	store     store.Store
	cfg       Config
	logger    *slog.Logger

	mu         sync.RWMutex
	baseCtx    context.Context
	workflows  map[string]compiled
	executions map[string]*execution
}

// New builds an engine. events and st may be nil.
func New(router Router, delegator Delegator, events Publisher, st store.Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		router:     router,
		delegator:  delegator,
		events:     events,
		store:      st,
		cfg:        cfg.withDefaults(),
		logger:     logging.Component(logger, "workflow"),
		baseCtx:    context.Background(),
		workflows:  make(map[string]compiled),
		executions: make(map[string]*execution),
	}
}

// SetDelegator wires the task executor after construction, for the
// orchestrator which owns both.
func (e *Engine) SetDelegator(d Delegator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegator = d
}

// Start loads templates from the configured directory and, when enabled,
// watches it. Executions started afterwards run under ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	if e.cfg.TemplatesDir == "" {
		return nil
	}
	n, err := e.LoadDir(e.cfg.TemplatesDir)
	if err != nil {
		e.logger.Warn("some workflow templates failed to load", "dir", e.cfg.TemplatesDir, "error", err)
	}
	e.logger.Info("workflow templates loaded", "dir", e.cfg.TemplatesDir, "count", n)
	if !e.cfg.Watch {
		return nil
	}
	return Watch(ctx, e.cfg.TemplatesDir, func(wf domain.Workflow) {
		if err := e.RegisterWorkflow(wf); err != nil {
			e.logger.Warn("reloaded workflow rejected", "workflow_id", wf.ID, "error", err)
			return
		}
		e.logger.Info("workflow template reloaded", "workflow_id", wf.ID, "version", wf.Version)
	}, e.logger)
}

// RegisterWorkflow validates and stores a template, replacing any previous
// template with the same id.
func (e *Engine) RegisterWorkflow(wf domain.Workflow) error {
	g, err := BuildGraph(wf)
	if err != nil {
		return fmt.Errorf("register workflow %s: %w", wf.ID, err)
	}
	if err := ValidateRefs(g); err != nil {
		return fmt.Errorf("register workflow %s: %w", wf.ID, err)
	}
	e.mu.Lock()
	e.workflows[wf.ID] = compiled{workflow: wf, graph: g}
	e.mu.Unlock()
	return nil
}

func (e *Engine) LoadDir(dir string) (int, error) {
	wfs, loadErr := LoadDir(dir)
	n := 0
	var errs []error
	if loadErr != nil {
		errs = append(errs, loadErr)
	}
	for _, wf := range wfs {
		if err := e.RegisterWorkflow(wf); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (e *Engine) GetWorkflow(id string) (domain.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.workflows[id]
	if !ok {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	return c.workflow, nil
}

func (e *Engine) ListWorkflows() []domain.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Workflow, 0, len(e.workflows))
	for _, c := range e.workflows {
		out = append(out, c.workflow)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute starts a run of the workflow and returns its execution id without
// waiting. Structural and reference errors are returned before any step runs.
func (e *Engine) Execute(ctx context.Context, workflowID string, params map[string]any) (string, error) {
	e.mu.RLock()
	c, ok := e.workflows[workflowID]
	baseCtx := e.baseCtx
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("execute workflow %s: %w", workflowID, domain.ErrWorkflowNotFound)
	}

	g, err := BuildGraph(c.workflow)
	if err != nil {
		return "", fmt.Errorf("execute workflow %s: %w", workflowID, err)
	}
	if missing := MissingGlobals(g, params); len(missing) > 0 {
		return "", fmt.Errorf("execute workflow %s: %w: missing parameters %v", workflowID, domain.ErrUnresolvedReference, missing)
	}

	state := domain.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  c.workflow.ID,
		Version:     c.workflow.Version,
		Status:      domain.ExecutionStatusRunning,
		Parameters:  domain.CloneMap(params),
		StepStatus:  make(map[string]domain.StepStatus, len(g.Order)),
		StepResults: make(map[string]map[string]any, len(g.Order)),
		StepErrors:  make(map[string]string),
		StepTasks:   make(map[string]string, len(g.Order)),
		Graph:       make(map[string][]string, len(g.Order)),
		Order:       append([]string(nil), g.Order...),
		StartedAt:   time.Now().UTC(),
	}
	for _, id := range g.Order {
		state.StepStatus[id] = domain.StepStatusPending
		state.Graph[id] = append([]string(nil), g.Deps[id]...)
	}
	x := &execution{state: state, done: make(chan struct{})}

	e.mu.Lock()
	e.executions[state.ID] = x
	e.mu.Unlock()

	e.publish(ctx, domain.EventWorkflowStarted, state.ID, map[string]any{
		"workflow_id": state.WorkflowID,
		"version":     state.Version,
		"steps":       len(g.Order),
	})
	e.logger.Info("workflow execution started", "workflow_id", workflowID, "execution_id", state.ID)

	go e.run(baseCtx, x, g)
	return state.ID, nil
}

func (e *Engine) run(ctx context.Context, x *execution, g *Graph) {
	execID := x.state.ID
	done := make(map[string]chan struct{}, len(g.Order))
	for _, id := range g.Order {
		done[id] = make(chan struct{})
	}

	grp, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxParallelSteps > 0 {
		grp.SetLimit(e.cfg.MaxParallelSteps)
	}
	// Launching in topological order means every dependency already holds a
	// slot or has finished, so a bounded group cannot deadlock.
	for _, id := range g.Order {
		step := g.Steps[id]
		grp.Go(func() error {
			for _, dep := range step.Dependencies {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := e.runStep(gctx, x, step); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
			close(done[step.ID])
			return nil
		})
	}
	runErr := grp.Wait()

	now := time.Now().UTC()
	x.mu.Lock()
	x.state.CompletedAt = &now
	if runErr != nil {
		x.state.Status = domain.ExecutionStatusFailed
		x.state.Error = runErr.Error()
	} else {
		x.state.Status = domain.ExecutionStatusCompleted
	}
	final := x.state.Clone()
	x.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if e.store != nil {
		if err := store.SetJSON(ctx, e.store, executionKey(execID), final, e.cfg.ExecutionTTL); err != nil {
			e.logger.Error("persist workflow execution failed", "execution_id", execID, "error", err)
		}
	}
	if runErr != nil {
		e.logger.Warn("workflow execution failed", "workflow_id", final.WorkflowID, "execution_id", execID, "error", runErr)
		e.publish(ctx, domain.EventWorkflowFailed, execID, map[string]any{"workflow_id": final.WorkflowID, "error": final.Error})
	} else {
		e.logger.Info("workflow execution completed", "workflow_id", final.WorkflowID, "execution_id", execID)
		e.publish(ctx, domain.EventWorkflowCompleted, execID, map[string]any{"workflow_id": final.WorkflowID})
	}
	close(x.done)
}

func (e *Engine) runStep(ctx context.Context, x *execution, step domain.WorkflowStep) error {
	x.mu.Lock()
	globals := x.state.Parameters
	results := make(map[string]map[string]any, len(step.Dependencies))
	for k, v := range x.state.StepResults {
		results[k] = v
	}
	execID := x.state.ID
	x.state.StepStatus[step.ID] = domain.StepStatusRunning
	x.mu.Unlock()

	e.publish(ctx, domain.EventWorkflowStepStarted, execID, map[string]any{"step_id": step.ID, "task_type": step.TaskType})

	result, taskID, err := e.dispatchStep(ctx, execID, step, globals, results)

	x.mu.Lock()
	if taskID != "" {
		x.state.StepTasks[step.ID] = taskID
	}
	if err != nil {
		x.state.StepStatus[step.ID] = domain.StepStatusFailed
		x.state.StepErrors[step.ID] = err.Error()
	} else {
		x.state.StepResults[step.ID] = domain.CloneMap(result)
		if x.state.StepResults[step.ID] == nil {
			x.state.StepResults[step.ID] = map[string]any{}
		}
		x.state.StepStatus[step.ID] = domain.StepStatusCompleted
	}
	x.mu.Unlock()

	if err != nil {
		e.publish(ctx, domain.EventWorkflowStepFailed, execID, map[string]any{"step_id": step.ID, "task_id": taskID, "error": err.Error()})
		return err
	}
	e.publish(ctx, domain.EventWorkflowStepDone, execID, map[string]any{"step_id": step.ID, "task_id": taskID})
	return nil
}

// dispatchStep resolves parameters, waits for an eligible agent until the
// step deadline and runs the task there.
func (e *Engine) dispatchStep(ctx context.Context, execID string, step domain.WorkflowStep, globals map[string]any, results map[string]map[string]any) (map[string]any, string, error) {
	params, err := Resolve(step.Parameters, globals, results)
	if err != nil {
		return nil, "", err
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	priority := step.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	task := domain.Task{
		ID:                   uuid.NewString(),
		Type:                 step.TaskType,
		Parameters:           params,
		RequiredCapabilities: append([]domain.Capability(nil), step.Capabilities...),
		Priority:             priority,
		Status:               domain.TaskStatusPending,
		CreatedAt:            time.Now().UTC(),
		Timeout:              timeout,
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.RLock()
	delegator := e.delegator
	e.mu.RUnlock()
	if delegator == nil {
		return nil, task.ID, errors.New("no task delegator configured")
	}

	ticker := time.NewTicker(e.cfg.RoutePollInterval)
	defer ticker.Stop()
	for {
		agent, ok, err := e.router.FindBestAgentOfType(stepCtx, task, task.RequiredCapabilities, step.AgentType)
		if err != nil {
			e.logger.Warn("step routing error", "execution_id", execID, "step_id", step.ID, "error", err)
		}
		if ok {
			// The step deadline bounds routing; what is left of it becomes the
			// task timeout so an overrun is recorded as timeout, not failure.
			if deadline, has := stepCtx.Deadline(); has {
				task.Timeout = max(time.Until(deadline), time.Millisecond)
			}
			out, err := delegator.DelegateTaskToAgent(ctx, agent.ID, task)
			if errors.Is(err, domain.ErrAgentAtCapacity) {
				e.logger.Debug("agent at capacity, rerouting step", "step_id", step.ID, "agent_id", agent.ID)
			} else if err != nil {
				return nil, task.ID, err
			} else if out.Status != domain.TaskStatusCompleted {
				return nil, task.ID, fmt.Errorf("task %s %s: %s", out.ID, out.Status, out.Error)
			} else {
				return out.Result, task.ID, nil
			}
		}
		select {
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				return nil, task.ID, ctx.Err()
			}
			return nil, task.ID, fmt.Errorf("%w for task type %s within %s", domain.ErrNoEligibleAgent, step.TaskType, timeout)
		case <-ticker.C:
		}
	}
}

func (e *Engine) publish(ctx context.Context, eventType, execID string, data map[string]any) {
	if e.events == nil {
		return
	}
	data["execution_id"] = execID
	_, err := e.events.Publish(ctx, domain.Event{
		Type:          eventType,
		Priority:      domain.EventPriorityNormal,
		SourceAgent:   engineSource,
		Data:          data,
		CorrelationID: execID,
		Tags:          []string{"workflow"},
	})
	if err != nil {
		e.logger.Warn("publish workflow event failed", "event_type", eventType, "execution_id", execID, "error", err)
	}
}

// GetExecution returns a live execution, falling back to the persisted copy.
func (e *Engine) GetExecution(ctx context.Context, id string) (domain.WorkflowExecution, error) {
	e.mu.RLock()
	x, ok := e.executions[id]
	e.mu.RUnlock()
	if ok {
		return x.snapshot(), nil
	}
	if e.store != nil {
		var state domain.WorkflowExecution
		err := store.GetJSON(ctx, e.store, executionKey(id), &state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.WorkflowExecution{}, fmt.Errorf("get execution %s: %w", id, err)
		}
	}
	return domain.WorkflowExecution{}, domain.ErrExecutionNotFound
}

// ListExecutions returns the executions held in memory, oldest first.
func (e *Engine) ListExecutions() []domain.WorkflowExecution {
	e.mu.RLock()
	xs := make([]*execution, 0, len(e.executions))
	for _, x := range e.executions {
		xs = append(xs, x)
	}
	e.mu.RUnlock()

	out := make([]domain.WorkflowExecution, 0, len(xs))
	for _, x := range xs {
		out = append(out, x.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// WaitExecution blocks until the execution reaches a terminal status.
func (e *Engine) WaitExecution(ctx context.Context, id string) (domain.WorkflowExecution, error) {
	e.mu.RLock()
	x, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return e.GetExecution(ctx, id)
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return x.snapshot(), ctx.Err()
	}
}

// PruneExecutions drops finished executions older than the retention window
// from memory; they remain readable from the store until their TTL.
func (e *Engine) PruneExecutions(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for id, x := range e.executions {
		select {
		case <-x.done:
		default:
			continue
		}
		x.mu.Lock()
		completed := x.state.CompletedAt
		x.mu.Unlock()
		if completed != nil && now.Sub(*completed) >= e.cfg.ExecutionTTL {
			delete(e.executions, id)
			pruned++
		}
	}
	return pruned
}
