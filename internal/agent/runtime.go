// Package agent is the runtime every worker is hosted in: lifecycle, bounded
// concurrent task execution, mailbox consumption and rolling metrics.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
)

const DefaultMaxConcurrent = 5

// ErrTaskAlreadyRunning is returned when the same task id is executed twice concurrently.
var ErrTaskAlreadyRunning = errors.New("task is already running on this agent")

// Executor is the part of an agent supplied by its specialization.
type Executor interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ExecuteTask(ctx context.Context, task domain.Task) (map[string]any, error)
	ProcessMessage(ctx context.Context, msg domain.Message) error
}

// Funcs adapts plain functions to Executor. Nil fields are no-ops, except
// Execute which fails the task.
type Funcs struct {
	InitializeFunc func(ctx context.Context) error
	ShutdownFunc   func(ctx context.Context) error
	ExecuteFunc    func(ctx context.Context, task domain.Task) (map[string]any, error)
	MessageFunc    func(ctx context.Context, msg domain.Message) error
}

func (f Funcs) Initialize(ctx context.Context) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(ctx)
}

func (f Funcs) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

func (f Funcs) ExecuteTask(ctx context.Context, task domain.Task) (map[string]any, error) {
	if f.ExecuteFunc == nil {
		return nil, fmt.Errorf("task type %q is not supported", task.Type)
	}
	return f.ExecuteFunc(ctx, task)
}

func (f Funcs) ProcessMessage(ctx context.Context, msg domain.Message) error {
	if f.MessageFunc == nil {
		return nil
	}
	return f.MessageFunc(ctx, msg)
}

type Options struct {
	ID            string
	Name          string
	Type          domain.AgentType
	Capabilities  []domain.Capability
	MaxConcurrent int
	ServerID      string
	Logger        *slog.Logger
}

type Runtime struct {
	exec   Executor
	logger *slog.Logger

	id            string
	name          string
	agentType     domain.AgentType
	capabilities  domain.CapabilitySet
	maxConcurrent int
	serverID      string
	registeredAt  time.Time

	mu       sync.Mutex
	status   domain.AgentStatus
	current  map[string]time.Time
	metrics  domain.PerformanceMetrics
	totalRun time.Duration
	done     chan struct{}
	now      func() time.Time
}

func New(exec Executor, opts Options) *Runtime {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	return &Runtime{
		exec:          exec,
		logger:        logging.Component(opts.Logger, "agent").With("agent_id", opts.ID),
		id:            opts.ID,
		name:          name,
		agentType:     opts.Type,
		capabilities:  domain.NewCapabilitySet(opts.Capabilities...),
		maxConcurrent: maxConcurrent,
		serverID:      opts.ServerID,
		registeredAt:  time.Now().UTC(),
		status:        domain.AgentStatusInitializing,
		current:       make(map[string]time.Time),
		metrics:       domain.PerformanceMetrics{SuccessRate: 1},
		now:           time.Now,
	}
}

func (r *Runtime) ID() string { return r.id }

func (r *Runtime) Type() domain.AgentType { return r.agentType }

func (r *Runtime) Initialize(ctx context.Context) error {
	r.SetStatus(domain.AgentStatusInitializing)
	if err := r.exec.Initialize(ctx); err != nil {
		r.SetStatus(domain.AgentStatusError)
		return fmt.Errorf("initialize agent %s: %w", r.id, err)
	}
	r.SetStatus(domain.AgentStatusOnline)
	r.logger.Info("agent initialized", "type", r.agentType, "capabilities", len(r.capabilities))
	return nil
}

// Shutdown stops the executor and marks the agent offline. Tasks still in
// flight are left to finish on their own.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.exec.Shutdown(ctx)
	r.SetStatus(domain.AgentStatusOffline)
	if err != nil {
		return fmt.Errorf("shutdown agent %s: %w", r.id, err)
	}
	return nil
}

// ExecuteTask runs the task on the executor, enforcing the concurrency bound.
func (r *Runtime) ExecuteTask(ctx context.Context, task domain.Task) (map[string]any, error) {
	started, err := r.begin(task.ID)
	if err != nil {
		return nil, err
	}

	result, execErr := r.run(ctx, task)
	r.finish(task.ID, started, execErr)
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

func (r *Runtime) begin(taskID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.current[taskID]; ok {
		return time.Time{}, ErrTaskAlreadyRunning
	}
	if len(r.current) >= r.maxConcurrent {
		return time.Time{}, domain.ErrAgentAtCapacity
	}
	started := r.now()
	r.current[taskID] = started
	r.refreshLocked()
	return started, nil
}

func (r *Runtime) run(ctx context.Context, task domain.Task) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, p)
		}
	}()
	return r.exec.ExecuteTask(ctx, task)
}

func (r *Runtime) finish(taskID string, started time.Time, execErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.current, taskID)
	elapsed := r.now().Sub(started)
	if execErr != nil {
		r.metrics.TasksFailed++
	} else {
		r.metrics.TasksCompleted++
	}
	total := r.metrics.TasksCompleted + r.metrics.TasksFailed
	r.totalRun += elapsed
	r.metrics.AvgExecutionSecs = r.totalRun.Seconds() / float64(total)
	r.metrics.SuccessRate = float64(r.metrics.TasksCompleted) / float64(total)
	r.refreshLocked()

	if execErr != nil {
		r.logger.Warn("task failed", "task_id", taskID, "elapsed", elapsed, "error", execErr)
	} else {
		r.logger.Debug("task completed", "task_id", taskID, "elapsed", elapsed)
	}
}

// refreshLocked recomputes load and the online/busy status. Statuses set from
// outside (maintenance, error, offline) are left alone.
func (r *Runtime) refreshLocked() {
	r.metrics.LoadFactor = float64(len(r.current)) / float64(r.maxConcurrent)
	switch r.status {
	case domain.AgentStatusOnline, domain.AgentStatusBusy, domain.AgentStatusIdle:
		if len(r.current) >= r.maxConcurrent {
			r.status = domain.AgentStatusBusy
		} else {
			r.status = domain.AgentStatusOnline
		}
	}
}

// Start consumes the mailbox until ctx is done or the mailbox is closed.
func (r *Runtime) Start(ctx context.Context, mailbox <-chan domain.Message) {
	r.mu.Lock()
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-mailbox:
				if !ok {
					return
				}
				if err := r.exec.ProcessMessage(ctx, msg); err != nil {
					r.logger.Error("process message failed", "message_id", msg.ID, "type", msg.Type, "error", err)
				}
			}
		}
	}()
}

// Done is closed once the mailbox goroutine exits. It is nil before Start.
func (r *Runtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Runtime) SetStatus(status domain.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	if status == domain.AgentStatusOnline {
		r.refreshLocked()
	}
}

func (r *Runtime) Status() domain.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Info is the projection published to the registry.
func (r *Runtime) Info() domain.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make([]string, 0, len(r.current))
	for id := range r.current {
		current = append(current, id)
	}
	sort.Strings(current)
	return domain.AgentInfo{
		ID:            r.id,
		Name:          r.name,
		Type:          r.agentType,
		Capabilities:  r.capabilities.Sorted(),
		Status:        r.status,
		CurrentTasks:  current,
		MaxConcurrent: r.maxConcurrent,
		Metrics:       r.metrics,
		ServerID:      r.serverID,
		LastHeartbeat: r.now().UTC(),
		RegisteredAt:  r.registeredAt,
	}
}
