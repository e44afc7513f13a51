package domain

import (
	"encoding/json"
	"time"
)

// Completion is the journal record of one chat completion request.
type Completion struct {
	CompletionID string           `json:"completion_id"`
	SessionID    string           `json:"session_id,omitempty"`
	Model        string           `json:"model"`
	Stream       bool             `json:"stream"`
	Strategy     StrategyName     `json:"strategy,omitempty"`
	Status       CompletionStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
}

// Event is an entry in the completion journal.
type Event struct {
	EventID      string          `json:"event_id"`
	CompletionID string          `json:"completion_id"`
	Ts           int64           `json:"ts"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// CompletionStartedPayload is the payload for completion_started events.
type CompletionStartedPayload struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	SessionID string `json:"session_id,omitempty"`
	Resumed   bool   `json:"resumed"`
}

// CompletionDonePayload is the payload for completion_done events.
type CompletionDonePayload struct {
	Strategy         StrategyName `json:"strategy,omitempty"`
	FinishReason     FinishReason `json:"finish_reason"`
	LatencyMs        int64        `json:"latency_ms"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
}

// CompletionFailedPayload is the payload for completion_failed events.
type CompletionFailedPayload struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	ExitCode  *int        `json:"exit_code,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}
