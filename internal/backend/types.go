package backend

// Call is one invocation sent to an agent session.
type Call struct {
	Operation string          // capability name, e.g. "current_time"
	Payload   any             // opaque arguments
	TaskID    string          // scheduler task driving this call
	Emit      func(any) error // optional sink for partial results
}

// Response is the final output of an invocation.
type Response struct {
	Content   any
	SessionID string
}

// CommandConfig describes an agent that runs as a subprocess per invocation.
type CommandConfig struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the parent environment
	Dir     string
}

// LLMConfig describes an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL      string // e.g. http://localhost:11434/v1
	Model        string
	APIKey       string
	SystemPrompt string
}
