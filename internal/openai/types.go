// Package openai defines the OpenAI Chat Completions wire types served by
// agentbridge.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectList                = "list"
	ObjectModel               = "model"

	// DoneSentinel terminates every stream.
	DoneSentinel = "[DONE]"
)

// ChatCompletionRequest represents an OpenAI chat completion request.
// Temperature and MaxTokens are accepted for compatibility and ignored.
type ChatCompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Stream      bool          `json:"stream,omitempty"`
	SessionID   string        `json:"session_id,omitempty" validate:"omitempty,max=256"`
	EnableTools bool          `json:"enable_tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatMessage represents a message in the conversation.
type ChatMessage struct {
	Role    string         `json:"role" validate:"required,oneof=system user assistant"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent is either a plain string or an array of content parts.
// Text parts are flattened, joined by newlines; other part types are dropped.
type MessageContent string

// ContentPart is one element of array-form message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = MessageContent(s)
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("invalid content parts: %w", err)
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		*m = MessageContent(strings.Join(texts, "\n"))
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// ToTurns converts wire messages into conversation turns.
func ToTurns(messages []ChatMessage) []domain.ConversationTurn {
	turns := make([]domain.ConversationTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, domain.ConversationTurn{
			Role:    domain.Role(m.Role),
			Content: string(m.Content),
			Name:    m.Name,
		})
	}
	return turns
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse represents an OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	Created   int64         `json:"created"`
	Model     string        `json:"model"`
	Choices   []Choice      `json:"choices"`
	Usage     *domain.Usage `json:"usage,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	FinishReason string           `json:"finish_reason"`
}

// NewChatCompletionResponse renders a finished completion.
func NewChatCompletionResponse(res *domain.CompletionResult) *ChatCompletionResponse {
	usage := res.Usage
	return &ChatCompletionResponse{
		ID:      res.ID,
		Object:  ObjectChatCompletion,
		Created: res.Created.Unix(),
		Model:   res.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ResponseMessage{Role: string(domain.RoleAssistant), Content: res.Content},
			FinishReason: string(res.FinishReason),
		}},
		Usage:     &usage,
		SessionID: res.SessionID,
	}
}

// Delta is the incremental message of a stream chunk. Content is a pointer
// so the final chunk can carry an empty object.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ChunkChoice represents one choice of a stream chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamChunk represents a streaming response chunk.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

// ErrorResponse represents an OpenAI error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents an API error.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Model represents an available model.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse represents the response from the models endpoint.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
