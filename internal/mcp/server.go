// Package mcp publishes registered agents as MCP tools. Each capability becomes a
// tool named <agent>__<operation>; calling it submits a tool-call task and waits
// for its result.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

const serverInstructions = "Tools named <agent>__<operation> run an operation on a LingYi agent through " +
	"the task scheduler. Pass arguments in payload. Calls wait for the result up to timeout; " +
	"a call that is still running returns its task id, which task_status and cancel_task accept."

// ToolSeparator joins agent id and operation in tool names.
const ToolSeparator = "__"

// DefaultTimeout bounds how long an agent tool call waits for its task.
const DefaultTimeout = 2 * time.Minute

// Server wraps an MCP server whose agent tools follow the scheduler's registry.
type Server struct {
	server *mcpserver.MCPServer
	sched  *scheduler.Scheduler
	logger *slog.Logger

	// Timeout is the default wait for agent tool calls.
	Timeout time.Duration

	mu         sync.Mutex
	agentTools map[string]struct{}
}

// New creates the server and registers tools for the agents currently in the
// scheduler's registry.
func New(sched *scheduler.Scheduler, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		server: mcpserver.NewMCPServer(
			"lingyi",
			version,
			mcpserver.WithInstructions(serverInstructions),
			mcpserver.WithToolCapabilities(true),
		),
		sched:      sched,
		logger:     logger,
		Timeout:    DefaultTimeout,
		agentTools: make(map[string]struct{}),
	}
	s.registerTaskTools()
	s.Sync()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// Tools returns the registered tool names, sorted.
func (s *Server) Tools() []string {
	tools := s.server.ListTools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeStdio serves MCP over the given streams until ctx ends or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.server)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio", "tools", len(s.Tools()))
	return stdio.Listen(ctx, in, out)
}

// Run keeps agent tools in step with the registry until ctx ends or sub is closed.
func (s *Server) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.(type) {
			case events.AgentRegisteredEvent, events.AgentRemovedEvent:
				s.Sync()
			}
		}
	}
}

// Sync rebuilds the agent tools from the registry: tools of removed agents are
// deleted, tools of new or changed agents are (re)added.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]mcpserver.ServerTool)
	for _, d := range s.sched.Registry().List() {
		for _, tool := range agentTools(d) {
			if reserved(tool.Tool.Name) {
				s.logger.Warn("agent tool name clashes with a built-in tool", "agent_id", d.ID, "tool", tool.Tool.Name)
				continue
			}
			want[tool.Tool.Name] = mcpserver.ServerTool{
				Tool:    tool.Tool,
				Handler: s.handleAgentCall(d.ID, tool.operation),
			}
		}
	}

	var stale []string
	for name := range s.agentTools {
		if _, ok := want[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.server.DeleteTools(stale...)
	}

	tools := make([]mcpserver.ServerTool, 0, len(want))
	s.agentTools = make(map[string]struct{}, len(want))
	for name, tool := range want {
		tools = append(tools, tool)
		s.agentTools[name] = struct{}{}
	}
	if len(tools) > 0 {
		s.server.AddTools(tools...)
	}
	s.logger.Debug("mcp agent tools synced", "tools", len(tools), "removed", len(stale))
}

type agentTool struct {
	Tool      gomcp.Tool
	operation string // empty when the caller names it
}

// agentTools describes the tools for one agent: one per capability, or a single
// tool taking an operation argument when the agent accepts any operation.
func agentTools(d agent.Descriptor) []agentTool {
	summary := d.Description
	if summary == "" {
		summary = d.Name
	}
	common := []gomcp.ToolOption{
		gomcp.WithObject("payload",
			gomcp.Description("Arguments for the operation."),
		),
		gomcp.WithString("priority",
			gomcp.Description("LOW, NORMAL, HIGH or URGENT. Defaults to NORMAL."),
		),
		gomcp.WithString("timeout",
			gomcp.Description("How long to wait for the result, e.g. \"30s\"."),
		),
	}

	if len(d.Capabilities) == 0 {
		opts := append([]gomcp.ToolOption{
			gomcp.WithDescription(strings.TrimSpace("Run an operation on agent " + d.ID + ". " + summary)),
			gomcp.WithString("operation",
				gomcp.Required(),
				gomcp.Description("Operation to run."),
			),
		}, common...)
		return []agentTool{{Tool: gomcp.NewTool(ToolName(d.ID, ""), opts...)}}
	}

	out := make([]agentTool, 0, len(d.Capabilities))
	for _, op := range d.Capabilities {
		opts := append([]gomcp.ToolOption{
			gomcp.WithDescription(strings.TrimSpace("Run " + op + " on agent " + d.ID + ". " + summary)),
		}, common...)
		out = append(out, agentTool{Tool: gomcp.NewTool(ToolName(d.ID, op), opts...), operation: op})
	}
	return out
}

// ToolName builds the tool name for an agent operation. Characters MCP clients
// reject in tool names are replaced with underscores.
func ToolName(agentID, operation string) string {
	name := sanitize(agentID)
	if operation != "" {
		name += ToolSeparator + sanitize(operation)
	}
	return name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// payloadArg accepts an object, or a string holding JSON, or any other value as is.
func payloadArg(args map[string]any) any {
	v, ok := args["payload"]
	if !ok {
		return nil
	}
	if str, isString := v.(string); isString {
		var decoded any
		if err := json.Unmarshal([]byte(str), &decoded); err == nil {
			return decoded
		}
	}
	return v
}

func toolJSON(v any) *gomcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to encode result: " + err.Error())
	}
	return gomcp.NewToolResultText(string(data))
}
