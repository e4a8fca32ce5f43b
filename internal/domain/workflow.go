package domain

import "time"

type Workflow struct {
	ID          string         `json:"workflow_id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
}

type WorkflowStep struct {
	ID           string         `json:"step_id" yaml:"id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	AgentType    AgentType      `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Capabilities []Capability   `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	TaskType     string         `json:"task_type" yaml:"task_type"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Priority     TaskPriority   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

type WorkflowExecution struct {
	ID          string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Version     string                    `json:"version"`
	Status      ExecutionStatus           `json:"status"`
	Parameters  map[string]any            `json:"parameters,omitempty"`
	StepStatus  map[string]StepStatus     `json:"step_status"`
	StepResults map[string]map[string]any `json:"step_results"`
	StepErrors  map[string]string         `json:"step_errors,omitempty"`
	StepTasks   map[string]string         `json:"step_tasks,omitempty"`
	// Graph maps each step id to the ids it depends on.
	Graph       map[string][]string `json:"graph"`
	Order       []string            `json:"order"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Clone deep-copies the execution so callers cannot race the executing goroutine.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e
	out.Parameters = cloneMap(e.Parameters)
	out.StepStatus = make(map[string]StepStatus, len(e.StepStatus))
	for k, v := range e.StepStatus {
		out.StepStatus[k] = v
	}
	out.StepResults = make(map[string]map[string]any, len(e.StepResults))
	for k, v := range e.StepResults {
		out.StepResults[k] = cloneMap(v)
	}
	out.StepErrors = make(map[string]string, len(e.StepErrors))
	for k, v := range e.StepErrors {
		out.StepErrors[k] = v
	}
	out.StepTasks = make(map[string]string, len(e.StepTasks))
	for k, v := range e.StepTasks {
		out.StepTasks[k] = v
	}
	out.Graph = make(map[string][]string, len(e.Graph))
	for k, v := range e.Graph {
		out.Graph[k] = append([]string(nil), v...)
	}
	out.Order = append([]string(nil), e.Order...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
