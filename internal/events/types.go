package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
)

// Event type constants
const (
	EventTypeTaskSubmitted   = "task.submitted"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskOutput      = "task.output"
	EventTypeTaskRetrying    = "task.retrying"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskCancelled   = "task.cancelled"
	EventTypeAgentRegistered = "agent.registered"
	EventTypeAgentRemoved    = "agent.removed"
)

// TaskSubmittedEvent is published when a task enters the queue.
type TaskSubmittedEvent struct {
	ID        string
	Name      string
	Kind      string
	Agent     string
	Priority  string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an attempt begins execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Kind      string
	Agent     string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one partial result streamed by a running task.
type TaskOutputEvent struct {
	ID        string
	Data      any
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed attempt is scheduled again.
type TaskRetryingEvent struct {
	ID        string
	Attempt   int
	Delay     time.Duration
	Err       error
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Kind      string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string
	Kind      string
	Attempts  int
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task ends as cancelled.
type TaskCancelledEvent struct {
	ID        string
	Kind      string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// AgentRegisteredEvent is published when a descriptor is added or replaced.
type AgentRegisteredEvent struct {
	AgentID   string
	Replaced  bool
	Timestamp time.Time
}

func (e AgentRegisteredEvent) EventType() string { return EventTypeAgentRegistered }
func (e AgentRegisteredEvent) TaskID() string    { return "" }

// AgentRemovedEvent is published when a descriptor is unregistered.
type AgentRemovedEvent struct {
	AgentID   string
	Timestamp time.Time
}

func (e AgentRemovedEvent) EventType() string { return EventTypeAgentRemoved }
func (e AgentRemovedEvent) TaskID() string    { return "" }

// IsTerminal reports whether e marks the end of a task's lifecycle.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case TaskCompletedEvent, TaskFailedEvent, TaskCancelledEvent:
		return true
	}
	return false
}
