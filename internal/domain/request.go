package domain

import "time"

// CompletionRequest is a parsed chat completion request handed to the orchestrator.
type CompletionRequest struct {
	Model       string
	Messages    []ConversationTurn
	Stream      bool
	SessionID   string
	EnableTools bool
	Overrides   InvocationOverrides
}

// InvocationOverrides carries per-request flag overrides derived from
// X-Claude-* headers. Zero values mean "not set".
type InvocationOverrides struct {
	MaxTurns          int
	AllowedTools      []string
	DisallowedTools   []string
	PermissionMode    string
	MaxThinkingTokens int
}

// InvocationOptions is the flag set passed to the agent process.
type InvocationOptions struct {
	MaxTurns          int
	AllowedTools      []string
	DisallowedTools   []string
	PermissionMode    string
	MaxThinkingTokens int
	ResumptionToken   string
}

// InvocationRequest describes exactly one agent process execution.
type InvocationRequest struct {
	Prompt           string
	Model            string
	Options          InvocationOptions
	Stream           bool
	WorkingDirectory string
}

// InvocationResult is the successful outcome of a blocking invocation.
type InvocationResult struct {
	RawOutput       string
	Content         string
	ResumptionToken string
	FinishReason    FinishReason
	Usage           *Usage
	Strategy        StrategyName
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the orchestrator's normalized non-streaming result.
type CompletionResult struct {
	ID           string
	Model        string
	Created      time.Time
	Content      string
	FinishReason FinishReason
	Usage        Usage
	SessionID    string
}
