package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// commandRequest is written to the agent's stdin as a single JSON document.
type commandRequest struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Operation string `json:"operation"`
	Payload   any    `json:"payload,omitempty"`
}

// commandLine is one JSON line read from the agent's stdout. Agents stream
// {"partial": ...} lines and finish with either {"result": ...} or
// {"error": "...", "handoff": true|false}.
type commandLine struct {
	Partial json.RawMessage `json:"partial,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Handoff bool            `json:"handoff,omitempty"`
}

// CommandOpener opens sessions for an agent that runs one subprocess per invocation.
type CommandOpener struct {
	Config  CommandConfig
	Process *ProcessManager // optional; tracked processes are killed on shutdown
}

// NewCommandOpener creates an opener for the given command configuration.
func NewCommandOpener(cfg CommandConfig, pm *ProcessManager) *CommandOpener {
	return &CommandOpener{Config: cfg, Process: pm}
}

// Open creates a session. No process is started until the first Invoke.
func (o *CommandOpener) Open(ctx context.Context) (Backend, error) {
	if o.Config.Command == "" {
		return nil, fmt.Errorf("command agent has no command configured")
	}
	return &commandBackend{
		cfg:       o.Config,
		procMgr:   o.Process,
		sessionID: uuid.NewString(),
	}, nil
}

// commandBackend is a session with a subprocess-per-invocation agent.
type commandBackend struct {
	cfg       CommandConfig
	procMgr   *ProcessManager
	sessionID string
}

// Invoke runs the agent command once, feeding it the call as JSON.
func (b *commandBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	input, err := json.Marshal(commandRequest{
		SessionID: b.sessionID,
		TaskID:    call.TaskID,
		Operation: call.Operation,
		Payload:   call.Payload,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := newCommand(ctx, b.cfg.Command, b.cfg.Args...)
	cmd.Dir = b.cfg.Dir
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}

	var (
		final    *commandLine
		finalSet bool
	)
	_, err = streamCommand(ctx, cmd, input, b.procMgr, func(line []byte) error {
		var msg commandLine
		if err := json.Unmarshal(line, &msg); err != nil {
			// Non-JSON output is treated as free-form progress text.
			return call.emit(string(line))
		}
		if len(msg.Partial) > 0 {
			return call.emit(decodeRaw(msg.Partial))
		}
		final = &msg
		finalSet = true
		return nil
	})
	if err != nil {
		return Response{SessionID: b.sessionID}, err
	}
	if !finalSet {
		return Response{SessionID: b.sessionID}, errors.New("agent exited without a result")
	}
	if final.Error != "" {
		if final.Handoff {
			return Response{SessionID: b.sessionID}, Handoff(final.Error)
		}
		return Response{SessionID: b.sessionID}, errors.New(final.Error)
	}

	return Response{
		Content:   decodeRaw(final.Result),
		SessionID: b.sessionID,
	}, nil
}

// Close is a no-op: the subprocess lives only for the duration of an Invoke.
func (b *commandBackend) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (b *commandBackend) SessionID() string {
	return b.sessionID
}

// decodeRaw turns a raw JSON value into plain Go values, falling back to the raw text.
func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
