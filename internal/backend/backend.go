package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrHandoff marks an agent-side refusal that must not be retried: the agent signalled a
// protocol-level handoff or incompatibility and the session has to be dropped.
var ErrHandoff = errors.New("agent handoff")

// Backend is a live session with one tool agent.
type Backend interface {
	// Invoke runs one operation against the agent and returns its final response.
	// Partial output may be streamed through call.Emit before Invoke returns.
	Invoke(ctx context.Context, call Call) (Response, error)

	// Close tears the session down.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// Opener creates sessions for an agent. It is the opaque entry handle stored in an
// agent descriptor by whatever loader discovered the agent.
type Opener interface {
	Open(ctx context.Context) (Backend, error)
}

// OpenerFunc adapts a plain function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Backend, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Backend, error) {
	return f(ctx)
}

// Handoff wraps reason so that errors.Is(err, ErrHandoff) reports true.
func Handoff(reason string) error {
	return fmt.Errorf("%w: %s", ErrHandoff, reason)
}

// IsHandoff reports whether err carries a handoff signal.
func IsHandoff(err error) bool {
	return errors.Is(err, ErrHandoff)
}

// emit forwards a partial result when the caller asked for streaming.
func (c Call) emit(data any) error {
	if c.Emit == nil {
		return nil
	}
	return c.Emit(data)
}
