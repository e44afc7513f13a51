// Package domain defines the core domain models for agentbridge.
package domain

// Role is the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FailureKind classifies why a completion failed.
type FailureKind string

const (
	FailureValidation     FailureKind = "validation_error"
	FailureResource       FailureKind = "resource_error"
	FailureExecution      FailureKind = "execution_error"
	FailureAuthentication FailureKind = "authentication_error"
	FailureTimeout        FailureKind = "timeout"
	FailureEmptyResponse  FailureKind = "empty_response"
	FailureStreaming      FailureKind = "streaming_error"
	FailureCancelled      FailureKind = "cancelled"
)

// FinishReason is the OpenAI finish_reason reported for a completed turn.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
)

// StrategyName identifies how a prompt was handed to the agent process.
type StrategyName string

const (
	StrategyInline StrategyName = "inline"
	StrategyFile   StrategyName = "file"
)

// CompletionStatus represents the status of a journaled completion.
type CompletionStatus string

const (
	CompletionStatusRunning CompletionStatus = "RUNNING"
	CompletionStatusDone    CompletionStatus = "DONE"
	CompletionStatusFailed  CompletionStatus = "FAILED"
)

// EventType represents the type of a journal event.
type EventType string

const (
	EventTypeCompletionStarted EventType = "completion_started"
	EventTypeCompletionDone    EventType = "completion_done"
	EventTypeCompletionFailed  EventType = "completion_failed"
)
