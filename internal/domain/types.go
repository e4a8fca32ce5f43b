package domain

import (
	"sort"
	"time"
)

type AgentType string

const (
	AgentTypeCoordinator   AgentType = "coordinator"
	AgentTypeSecurity      AgentType = "security"
	AgentTypeNetwork       AgentType = "network"
	AgentTypeMaintenance   AgentType = "maintenance"
	AgentTypeFinancial     AgentType = "financial"
	AgentTypeCommunication AgentType = "communication"
	AgentTypeAnalytics     AgentType = "analytics"
	AgentTypeMonitoring    AgentType = "monitoring"
)

var agentTypes = map[AgentType]struct{}{
	AgentTypeCoordinator:   {},
	AgentTypeSecurity:      {},
	AgentTypeNetwork:       {},
	AgentTypeMaintenance:   {},
	AgentTypeFinancial:     {},
	AgentTypeCommunication: {},
	AgentTypeAnalytics:     {},
	AgentTypeMonitoring:    {},
}

// Valid reports whether t is one of the known specializations.
func (t AgentType) Valid() bool {
	_, ok := agentTypes[t]
	return ok
}

type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusOnline       AgentStatus = "online"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusMaintenance  AgentStatus = "maintenance"
	AgentStatusError        AgentStatus = "error"
	AgentStatusOffline      AgentStatus = "offline"
)

type Capability string

// CapabilitySet is an unordered set of capability names.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Covers reports whether every required capability is present in s.
func (s CapabilitySet) Covers(required []Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type PerformanceMetrics struct {
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	AvgExecutionSecs float64 `json:"avg_execution_secs"`
	SuccessRate      float64 `json:"success_rate"`
	LoadFactor       float64 `json:"load_factor"`
}

// AgentInfo is the self-reported projection of an agent that the registry stores.
type AgentInfo struct {
	ID            string             `json:"agent_id"`
	Name          string             `json:"name,omitempty"`
	Type          AgentType          `json:"type"`
	Capabilities  []Capability       `json:"capabilities"`
	Status        AgentStatus        `json:"status"`
	CurrentTasks  []string           `json:"current_tasks,omitempty"`
	MaxConcurrent int                `json:"max_concurrent"`
	Metrics       PerformanceMetrics `json:"performance_metrics"`
	ServerID      string             `json:"server_id,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	RegisteredAt  time.Time          `json:"registered_at"`
}

func (a AgentInfo) CapabilitySet() CapabilitySet {
	return NewCapabilitySet(a.Capabilities...)
}

// ServerInfo describes one process instance sharing the store.
type ServerInfo struct {
	ID            string    `json:"server_id"`
	Host          string    `json:"host"`
	Addr          string    `json:"addr,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// Final reports whether the status is terminal.
func (s TaskStatus) Final() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

type TaskPriority int

const (
	PriorityBackground TaskPriority = 1
	PriorityLow        TaskPriority = 2
	PriorityNormal     TaskPriority = 3
	PriorityHigh       TaskPriority = 4
	PriorityCritical   TaskPriority = 5
)

type Task struct {
	ID                   string         `json:"task_id"`
	AgentID              string         `json:"agent_id,omitempty"`
	Type                 string         `json:"task_type"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RequiredCapabilities []Capability   `json:"required_capabilities,omitempty"`
	Priority             TaskPriority   `json:"priority"`
	Status               TaskStatus     `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	AssignedAt           *time.Time     `json:"assigned_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	Result               map[string]any `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	ChildTasks           []string       `json:"child_tasks,omitempty"`
	RoutingAttempts      int            `json:"routing_attempts,omitempty"`
	Timeout              time.Duration  `json:"timeout,omitempty"`
}

// Clone returns a copy that shares no maps or slices with t.
func (t Task) Clone() Task {
	out := t
	out.Parameters = cloneMap(t.Parameters)
	out.Result = cloneMap(t.Result)
	out.RequiredCapabilities = append([]Capability(nil), t.RequiredCapabilities...)
	out.ChildTasks = append([]string(nil), t.ChildTasks...)
	return out
}

type MessageType string

const (
	MessageTypeCommand      MessageType = "command"
	MessageTypeNotification MessageType = "notification"
	MessageTypeQuery        MessageType = "query"
	MessageTypeBroadcast    MessageType = "broadcast"
)

// Message is a fire-and-forget mailbox item for one agent.
type Message struct {
	ID            string         `json:"id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies nested map/slice values of a free-form parameter map.
func CloneMap(in map[string]any) map[string]any {
	return cloneMap(in)
}

// CloneValue deep-copies a free-form value.
func CloneValue(v any) any {
	return cloneValue(v)
}
