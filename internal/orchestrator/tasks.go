package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/agent"
	"agentcore/internal/domain"
	"agentcore/internal/store"
)

func taskKey(id string) string { return "task:" + id }

// SubmitTask queues a task for routing and returns its id. A full queue is
// rejected with ErrQueueFull.
func (s *Service) SubmitTask(ctx context.Context, task domain.Task) (string, error) {
	task = task.Clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Type == "" {
		return "", errors.New("submit task: empty task type")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	if task.Priority == 0 {
		task.Priority = domain.PriorityNormal
	}
	task.AgentID = ""
	task.Status = domain.TaskStatusPending
	task.RoutingAttempts = 0

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("submit task %s: %w", task.ID, domain.ErrTaskExists)
	}
	if err := s.queue.push(task.ID); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("submit task %s: %w", task.ID, err)
	}
	s.tasks[task.ID] = &task
	if parent, ok := s.tasks[task.ParentTaskID]; ok && task.ParentTaskID != "" && !parent.Status.Final() {
		parent.ChildTasks = append(parent.ChildTasks, task.ID)
	}
	s.mu.Unlock()

	s.submitted.Add(1)
	s.metrics.task("submitted")
	s.metrics.setQueueDepth(s.queue.len())
	s.emit(ctx, domain.Event{
		Type:          domain.EventTaskSubmitted,
		CorrelationID: task.ID,
		Data:          map[string]any{"task_id": task.ID, "task_type": task.Type, "priority": int(task.Priority)},
		Tags:          []string{"task"},
	})
	s.logger.Debug("task submitted", "task_id", task.ID, "task_type", task.Type)
	return task.ID, nil
}

// drainOnce routes every task that was queued when the tick began. Tasks
// without an eligible agent go back on the queue until their routing budget
// runs out.
func (s *Service) drainOnce(ctx context.Context) error {
	defer func() { s.metrics.setQueueDepth(s.queue.len()) }()

	n := s.queue.len()
	for i := 0; i < n; i++ {
		id, ok := s.queue.pop()
		if !ok {
			return nil
		}
		task, ok := s.pendingTask(id)
		if !ok {
			s.queue.done()
			continue
		}

		picked, found, err := s.router.FindBestAgent(ctx, task, task.RequiredCapabilities)
		if err != nil {
			s.queue.requeue(id, true)
			return fmt.Errorf("route task %s: %w", id, err)
		}
		if !found {
			s.routingFailed(ctx, id)
			if s.cfg.RequeueFront {
				return nil
			}
			continue
		}
		if _, local := s.agent(picked.ID); !local {
			s.logger.Warn("router picked an agent this process does not host", "task_id", id, "agent_id", picked.ID)
			s.routingFailed(ctx, id)
			if s.cfg.RequeueFront {
				return nil
			}
			continue
		}
		s.queue.done()
		s.dispatch(picked.ID, task)
	}
	return nil
}

// pendingTask returns a copy of the task if it is still waiting for routing.
func (s *Service) pendingTask(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// routingFailed settles a popped task that found no agent: back on the
// queue, or failed once its routing budget is spent.
func (s *Service) routingFailed(ctx context.Context, id string) {
	s.routingFailures.Add(1)
	s.metrics.routingFailure()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		s.mu.Unlock()
		s.queue.done()
		return
	}
	t.RoutingAttempts++
	attempts := t.RoutingAttempts
	s.mu.Unlock()

	if attempts >= s.cfg.MaxRoutingAttempts {
		s.queue.done()
		s.logger.Warn("task exhausted routing attempts", "task_id", id, "attempts", attempts)
		s.terminate(ctx, id, domain.TaskStatusFailed, nil,
			fmt.Sprintf("%v after %d routing attempts", domain.ErrNoEligibleAgent, attempts))
		return
	}
	s.queue.requeue(id, s.cfg.RequeueFront)
}

// dispatch runs the task on the agent without blocking the drain loop. The
// execution is bound to the agent context, not the loop, so Shutdown can let
// it finish.
func (s *Service) dispatch(agentID string, task domain.Task) {
	ctx := s.agentCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.DelegateTaskToAgent(ctx, agentID, task)
		switch {
		case errors.Is(err, domain.ErrAgentAtCapacity), errors.Is(err, domain.ErrAgentNotFound):
			s.routingFailed(ctx, task.ID)
		case err != nil:
			s.logger.Error("dispatch task failed", "task_id", task.ID, "agent_id", agentID, "error", err)
		}
	}()
}

// DelegateTaskToAgent runs the task on agentID directly, bypassing the
// queue and router, and returns it in its terminal state. An execution that
// outlives the task timeout is abandoned and the task marked timeout.
// Errors are returned only when the task could not be started.
func (s *Service) DelegateTaskToAgent(ctx context.Context, agentID string, task domain.Task) (domain.Task, error) {
	a, ok := s.agent(agentID)
	if !ok {
		return domain.Task{}, fmt.Errorf("delegate task to %s: %w", agentID, domain.ErrAgentNotFound)
	}
	info := a.Info()
	if len(info.CurrentTasks) >= info.MaxConcurrent && info.MaxConcurrent > 0 {
		return domain.Task{}, fmt.Errorf("delegate task to %s: %w", agentID, domain.ErrAgentAtCapacity)
	}

	task, err := s.startTask(agentID, task)
	if err != nil {
		return domain.Task{}, err
	}
	s.emit(ctx, domain.Event{
		Type:          domain.EventTaskStarted,
		TargetAgent:   agentID,
		CorrelationID: task.ID,
		Data:          map[string]any{"task_id": task.ID, "task_type": task.Type},
		Tags:          []string{"task"},
	})

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.TaskTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(time.Until(deadline), 0))
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.ExecuteTask(execCtx, task.Clone())
		done <- outcome{result: result, err: err}
	}()

	timedOut := func() (domain.Task, error) {
		s.logger.Warn("task timed out, abandoning execution", "task_id", task.ID, "agent_id", agentID, "timeout", timeout)
		final, _ := s.terminate(ctx, task.ID, domain.TaskStatusTimeout, nil,
			fmt.Sprintf("%v after %s", domain.ErrTaskTimeout, timeout))
		return final, nil
	}

	select {
	case out := <-done:
		switch {
		case errors.Is(out.err, domain.ErrAgentAtCapacity):
			s.revertToPending(task.ID)
			return domain.Task{}, fmt.Errorf("delegate task to %s: %w", agentID, out.err)
		case out.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return timedOut()
		case out.err != nil:
			final, _ := s.terminate(ctx, task.ID, domain.TaskStatusFailed, nil, out.err.Error())
			return final, nil
		default:
			final, _ := s.terminate(ctx, task.ID, domain.TaskStatusCompleted, out.result, "")
			return final, nil
		}
	case <-execCtx.Done():
		// A deadline inherited from ctx is still a timeout; only
		// cancellation fails the task.
		if !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			final, _ := s.terminate(ctx, task.ID, domain.TaskStatusFailed, nil, execCtx.Err().Error())
			return final, nil
		}
		return timedOut()
	}
}

// startTask records the task as running on agentID. A task that is already
// running or terminal cannot be started again.
func (s *Service) startTask(agentID string, task domain.Task) (domain.Task, error) {
	task = task.Clone()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Priority == 0 {
		task.Priority = domain.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.ID]; ok {
		switch {
		case existing.Status.Final():
			return domain.Task{}, fmt.Errorf("delegate task %s: %w", task.ID, domain.ErrTaskFinal)
		case existing.Status == domain.TaskStatusRunning:
			return domain.Task{}, fmt.Errorf("delegate task %s: %w", task.ID, agent.ErrTaskAlreadyRunning)
		}
		s.queue.remove(task.ID)
		if len(task.ChildTasks) == 0 {
			task.ChildTasks = append([]string(nil), existing.ChildTasks...)
		}
	}
	task.AgentID = agentID
	task.Status = domain.TaskStatusRunning
	task.AssignedAt = &now
	started := now
	task.StartedAt = &started
	stored := task.Clone()
	s.tasks[task.ID] = &stored
	return task, nil
}

func (s *Service) revertToPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusRunning {
		return
	}
	t.Status = domain.TaskStatusPending
	t.AgentID = ""
	t.AssignedAt = nil
	t.StartedAt = nil
}

// terminate moves a task to a terminal status, persists it and announces
// it. A task that is already terminal is left as is; ok reports whether
// this call made the transition.
func (s *Service) terminate(ctx context.Context, id string, status domain.TaskStatus, result map[string]any, errMsg string) (domain.Task, bool) {
	s.mu.Lock()
	t, found := s.tasks[id]
	if !found {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	if t.Status.Final() {
		final := t.Clone()
		s.mu.Unlock()
		return final, false
	}
	now := s.now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.Result = domain.CloneMap(result)
	t.Error = errMsg
	final := t.Clone()
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if err := store.SetJSON(ctx, s.store, taskKey(id), final, s.cfg.TaskResultTTL); err != nil {
		s.logger.Error("persist task failed", "task_id", id, "error", err)
	}

	eventType, priority := domain.EventTaskCompleted, domain.EventPriorityNormal
	switch status {
	case domain.TaskStatusCompleted:
		s.completed.Add(1)
	case domain.TaskStatusFailed:
		s.failed.Add(1)
		eventType, priority = domain.EventTaskFailed, domain.EventPriorityHigh
	case domain.TaskStatusTimeout:
		s.timedOut.Add(1)
		eventType, priority = domain.EventTaskTimeout, domain.EventPriorityHigh
	case domain.TaskStatusCancelled:
		s.cancelled.Add(1)
		eventType = domain.EventTaskCancelled
	}
	s.metrics.task(string(status))
	if final.StartedAt != nil {
		s.metrics.observeDuration(final.Type, now.Sub(*final.StartedAt))
	}

	data := map[string]any{"task_id": id, "task_type": final.Type, "status": string(status)}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.emit(ctx, domain.Event{
		Type:          eventType,
		Priority:      priority,
		TargetAgent:   final.AgentID,
		CorrelationID: id,
		Data:          data,
		Tags:          []string{"task"},
	})
	s.logger.Info("task finished", "task_id", id, "task_type", final.Type, "agent_id", final.AgentID, "status", status)
	return final, true
}

// CancelTask marks a task cancelled. A pending task leaves the queue; a
// running task keeps executing but its outcome is ignored.
func (s *Service) CancelTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	_, inMemory := s.tasks[id]
	s.mu.RUnlock()
	if !inMemory {
		if _, err := s.GetTask(ctx, id); err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("cancel task %s: %w", id, domain.ErrTaskFinal)
	}

	s.queue.remove(id)
	final, ok := s.terminate(ctx, id, domain.TaskStatusCancelled, nil, "cancelled")
	if !ok {
		return final, fmt.Errorf("cancel task %s: %w", id, domain.ErrTaskFinal)
	}
	s.metrics.setQueueDepth(s.queue.len())
	return final, nil
}

// GetTask returns a live task, falling back to the persisted terminal copy.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	if ok {
		out := t.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	var stored domain.Task
	err := store.GetJSON(ctx, s.store, taskKey(id), &stored)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return stored, nil
}

// ListTasks returns tasks held in memory, oldest first. An empty status
// lists every task.
func (s *Service) ListTasks(status domain.TaskStatus) []domain.Task {
	s.mu.RLock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// QueuedTasks lists the ids waiting in the queue, front first.
func (s *Service) QueuedTasks() []string {
	return s.queue.snapshot()
}

// pruneTasks forgets terminal tasks older than the result TTL; their
// persisted copy expires with the same TTL.
func (s *Service) pruneTasks(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, t := range s.tasks {
		if t.Status.Final() && t.CompletedAt != nil && now.Sub(*t.CompletedAt) >= s.cfg.TaskResultTTL {
			delete(s.tasks, id)
			pruned++
		}
	}
	return pruned
}
