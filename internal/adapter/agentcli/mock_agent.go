package agentcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// MockAgent is an in-process Agent for local runs and tests. It echoes the
// last human turn of the prompt and hands out resumption tokens.
type MockAgent struct{}

// NewMockAgent creates a new mock agent.
func NewMockAgent() *MockAgent {
	return &MockAgent{}
}

// Ensure MockAgent implements Agent interface.
var _ Agent = (*MockAgent)(nil)

// Invoke returns a mock response.
func (m *MockAgent) Invoke(ctx context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewInvocationError(domain.FailureCancelled, "invocation cancelled", err)
	}
	content := m.generateMockResponse(req)
	return &domain.InvocationResult{
		RawOutput:       content,
		Content:         content,
		ResumptionToken: m.token(req),
		FinishReason:    domain.FinishReasonStop,
		Strategy:        domain.StrategyInline,
	}, nil
}

// Stream simulates a streaming response by splitting the mock answer.
func (m *MockAgent) Stream(ctx context.Context, req *domain.InvocationRequest) (*Stream, error) {
	content := m.generateMockResponse(req)
	token := m.token(req)
	out := make(chan domain.StreamFragment)

	go func() {
		defer close(out)
		for _, chunk := range m.splitIntoChunks(content, 10) {
			select {
			case out <- domain.TextFragment(chunk):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.CompletedFragment(domain.FinishReasonStop, token, nil):
		case <-ctx.Done():
		}
	}()

	return &Stream{Fragments: out, Strategy: domain.StrategyInline}, nil
}

func (m *MockAgent) token(req *domain.InvocationRequest) string {
	if req.Options.ResumptionToken != "" {
		return req.Options.ResumptionToken
	}
	return "mock-" + uuid.New().String()
}

// generateMockResponse generates a mock response based on the prompt.
func (m *MockAgent) generateMockResponse(req *domain.InvocationRequest) string {
	last := req.Prompt
	if i := strings.LastIndex(last, "Human: "); i >= 0 {
		last = last[i+len("Human: "):]
	}
	last = strings.TrimSpace(last)
	if last == "" {
		return "[MOCK] This is a mock response from the agent."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last, 100))
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func (m *MockAgent) splitIntoChunks(s string, chunkSize int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
