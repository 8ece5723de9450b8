package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind separates background jobs from tool invocations. Each kind has its own
// queue and worker pool.
type Kind int

const (
	KindGeneric  Kind = iota // Background job run in-process
	KindToolCall             // Invocation of a registered agent
)

var kindNames = map[Kind]string{
	KindGeneric:  "generic",
	KindToolCall: "tool-call",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts "generic" and "tool-call" (also "tool_call" and "tool").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generic":
		return KindGeneric, nil
	case "tool-call", "tool_call", "tool":
		return KindToolCall, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, s)
}

// Priority orders the queue. Higher values are dispatched first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "Priority(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the four defined bands.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts band names in any case or their numeric values 1-4.
// The empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending   Status = iota // Queued or waiting for a retry
	StatusRunning                 // An attempt is executing
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with an error
	StatusCancelled               // Cancelled by a caller or by shutdown
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts the lowercase status names.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Task is one schedulable unit of work. Values returned by the Scheduler are
// snapshots; mutating them has no effect on the scheduled task.
type Task struct {
	ID          string
	Name        string
	Kind        Kind
	TargetAgent string // set iff Kind is KindToolCall
	Operation   string // capability invoked on TargetAgent
	Handler     string // named generic handler, if any
	Payload     any
	Priority    Priority
	Status      Status

	AttemptCount int
	MaxAttempts  int

	CreatedAt  time.Time
	StartedAt  time.Time // first attempt
	FinishedAt time.Time

	Result any
	Error  error

	seq uint64 // submission order within the queue
}

// Duration returns the time from first start to finish, or zero.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// ErrorString returns the error text or "".
func (t Task) ErrorString() string {
	if t.Error == nil {
		return ""
	}
	return t.Error.Error()
}

func (t *Task) snapshot() Task {
	return *t
}
