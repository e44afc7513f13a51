package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
)

func TestValidateStructAcceptsValidRequest(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	}
	assert.NoError(t, New().ValidateStruct(&req))
}

func TestValidateStructReportsField(t *testing.T) {
	tests := []struct {
		name    string
		req     openai.ChatCompletionRequest
		field   string
		message string
	}{
		{
			name:    "missing model",
			req:     openai.ChatCompletionRequest{Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}}},
			field:   "model",
			message: "model is required",
		},
		{
			name:    "empty messages",
			req:     openai.ChatCompletionRequest{Model: "m", Messages: []openai.ChatMessage{}},
			field:   "messages",
			message: "messages must contain at least 1 item(s)",
		},
		{
			name:    "unknown role",
			req:     openai.ChatCompletionRequest{Model: "m", Messages: []openai.ChatMessage{{Role: "tool", Content: "x"}}},
			field:   "messages[0].role",
			message: "messages[0].role must be one of [system user assistant]",
		},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(&tt.req)
			require.Error(t, err)

			var invErr *domain.InvocationError
			require.True(t, errors.As(err, &invErr))
			assert.Equal(t, domain.FailureValidation, invErr.Kind)
			assert.Equal(t, tt.message, invErr.Message)
			assert.Equal(t, tt.field, Field(err))
		})
	}
}
