package domain

import "errors"

var (
	ErrQueueFull           = errors.New("task queue is full")
	ErrAgentAtCapacity     = errors.New("agent is at max concurrent tasks")
	ErrNoEligibleAgent     = errors.New("no eligible agent")
	ErrTaskTimeout         = errors.New("task execution timed out")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentExists         = errors.New("agent already registered")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskExists          = errors.New("task already exists")
	ErrTaskFinal           = errors.New("task is in a final state")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrWorkflowCycle       = errors.New("workflow dependency graph has a cycle")
	ErrInvalidWorkflow     = errors.New("invalid workflow")
	ErrExecutionNotFound   = errors.New("workflow execution not found")
	ErrUnresolvedReference = errors.New("unresolved parameter reference")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrDeadLetterNotFound   = errors.New("dead letter not found")
	ErrEventNotFound        = errors.New("event not found")
)
