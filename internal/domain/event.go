package domain

import "time"

type EventPriority int

const (
	EventPriorityLow      EventPriority = 1
	EventPriorityNormal   EventPriority = 2
	EventPriorityHigh     EventPriority = 3
	EventPriorityCritical EventPriority = 4
)

const (
	EventTaskSubmitted       = "task.submitted"
	EventTaskStarted         = "task.started"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskTimeout         = "task.timeout"
	EventTaskCancelled       = "task.cancelled"
	EventAgentRegistered     = "agent.registered"
	EventAgentUnregistered   = "agent.unregistered"
	EventAgentEvicted        = "agent.evicted"
	EventWorkflowStarted     = "workflow.started"
	EventWorkflowStepStarted = "workflow.step.started"
	EventWorkflowStepDone    = "workflow.step.completed"
	EventWorkflowStepFailed  = "workflow.step.failed"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowFailed      = "workflow.failed"
)

type Event struct {
	ID            string         `json:"event_id"`
	Type          string         `json:"event_type"`
	Priority      EventPriority  `json:"priority"`
	SourceAgent   string         `json:"source_agent,omitempty"`
	TargetAgent   string         `json:"target_agent,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	TTL           time.Duration  `json:"ttl,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	out.Tags = append([]string(nil), e.Tags...)
	return out
}

// EventPattern selects events. EventType may contain glob wildcards
// ("task.*"); the other fields must match exactly when set.
type EventPattern struct {
	EventType   string        `json:"event_type,omitempty"`
	SourceAgent string        `json:"source_agent,omitempty"`
	TargetAgent string        `json:"target_agent,omitempty"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Priority    EventPriority `json:"priority,omitempty"`
}

type EventFilter struct {
	Include       []EventPattern `json:"include,omitempty"`
	Exclude       []EventPattern `json:"exclude,omitempty"`
	MinPriority   EventPriority  `json:"min_priority,omitempty"`
	RatePerMinute int            `json:"rate_per_minute,omitempty"`
}

type EventSubscription struct {
	ID           string      `json:"subscription_id"`
	SubscriberID string      `json:"subscriber_id"`
	Filter       EventFilter `json:"filter"`
	CallbackURL  string      `json:"callback_url,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

type DeadLetter struct {
	ID             string    `json:"id"`
	Event          Event     `json:"event"`
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	FailedAt       time.Time `json:"failed_at"`
}

type EventAck struct {
	EventID      string    `json:"event_id"`
	SubscriberID string    `json:"subscriber_id"`
	AckAt        time.Time `json:"ack_at"`
}
