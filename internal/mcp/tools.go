package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// Fixed tool names. Agent tools never take these names.
const (
	ToolTaskStatus = "task_status"
	ToolCancelTask = "cancel_task"
	ToolListAgents = "list_agents"
)

func reserved(name string) bool {
	return name == ToolTaskStatus || name == ToolCancelTask || name == ToolListAgents
}

// taskView is the JSON form of a task returned by the task tools.
type taskView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Agent    string `json:"agent,omitempty"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newTaskView(t scheduler.Task) taskView {
	return taskView{
		ID:       t.ID,
		Name:     t.Name,
		Agent:    t.TargetAgent,
		Status:   t.Status.String(),
		Attempts: t.AttemptCount,
		Result:   t.Result,
		Error:    t.ErrorString(),
	}
}

func (s *Server) registerTaskTools() {
	taskStatus := gomcp.NewTool(ToolTaskStatus,
		gomcp.WithDescription("Report the status of a task, and its result once finished."),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Task id returned by an agent tool."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(taskStatus, s.handleTaskStatus)

	cancelTask := gomcp.NewTool(ToolCancelTask,
		gomcp.WithDescription("Cancel a pending or running task."),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Task id to cancel."),
		),
		gomcp.WithDestructiveHintAnnotation(true),
	)
	s.server.AddTool(cancelTask, s.handleCancelTask)

	listAgents := gomcp.NewTool(ToolListAgents,
		gomcp.WithDescription("List registered agents and their operations."),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listAgents, s.handleListAgents)
}

func (s *Server) handleTaskStatus(_ context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return gomcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	task, err := s.sched.Status(id)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(newTaskView(task)), nil
}

func (s *Server) handleCancelTask(_ context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return gomcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	if !s.sched.Cancel(id) {
		task, err := s.sched.Status(id)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return gomcp.NewToolResultError(fmt.Sprintf("task %s already %s", id, task.Status)), nil
	}
	s.logger.Info("task cancelled over mcp", "task_id", id)
	return gomcp.NewToolResultText("cancellation requested for task " + id), nil
}

func (s *Server) handleListAgents(context.Context, gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	type agentView struct {
		ID           string   `json:"id"`
		Name         string   `json:"name,omitempty"`
		Description  string   `json:"description,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	ds := s.sched.Registry().List()
	views := make([]agentView, 0, len(ds))
	for _, d := range ds {
		views = append(views, agentView{ID: d.ID, Name: d.Name, Description: d.Description, Capabilities: d.Capabilities})
	}
	return toolJSON(views), nil
}

// handleAgentCall submits a tool call for agentID and waits for it. operation is
// empty for agents that take the operation as an argument.
func (s *Server) handleAgentCall(agentID, operation string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		args := req.GetArguments()
		op := operation
		if op == "" {
			op = req.GetString("operation", "")
			if op == "" {
				return gomcp.NewToolResultError("missing required parameter: operation"), nil
			}
		}
		priority, err := scheduler.ParsePriority(req.GetString("priority", ""))
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		timeout := s.Timeout
		if raw := req.GetString("timeout", ""); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return gomcp.NewToolResultError(fmt.Sprintf("invalid timeout %q", raw)), nil
			}
			timeout = d
		}

		id, err := s.sched.Submit(ctx, scheduler.Request{
			Kind:        scheduler.KindToolCall,
			TargetAgent: agentID,
			Operation:   op,
			Payload:     payloadArg(args),
			Priority:    priority,
			Sink:        s.progressSink(ctx, req),
		})
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		s.logger.Debug("mcp tool call submitted", "task_id", id, "agent", agentID, "operation", op)

		result, err := s.sched.AwaitResult(ctx, id, timeout)
		switch {
		case err == nil:
			return toolJSON(result), nil
		case errors.Is(err, scheduler.ErrTimedOut) && ctx.Err() != nil:
			// The client went away.
			s.sched.Cancel(id)
			return gomcp.NewToolResultError("request cancelled"), nil
		case errors.Is(err, scheduler.ErrTimedOut):
			return gomcp.NewToolResultText(fmt.Sprintf(
				"task %s is still running; check it with %s", id, ToolTaskStatus)), nil
		default:
			return gomcp.NewToolResultError(err.Error()), nil
		}
	}
}

// progressSink forwards partial results as progress notifications when the
// client asked for them.
func (s *Server) progressSink(ctx context.Context, req gomcp.CallToolRequest) func(any) {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil
	}
	token := req.Params.Meta.ProgressToken
	var n int
	return func(data any) {
		n++
		err := s.server.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      n,
			"message":       fmt.Sprint(data),
		})
		if err != nil {
			s.logger.Debug("failed to send progress", "error", err)
		}
	}
}
