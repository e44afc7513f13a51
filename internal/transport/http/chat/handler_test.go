package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/agentcli"
	"github.com/xiaot623/gogo/agentbridge/internal/config"
	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
	"github.com/xiaot623/gogo/agentbridge/internal/policy"
	"github.com/xiaot623/gogo/agentbridge/internal/service"
	"github.com/xiaot623/gogo/agentbridge/internal/session"
	"github.com/xiaot623/gogo/agentbridge/internal/testutil"
)

// failingAgent fails every invocation with err.
type failingAgent struct {
	err *domain.InvocationError
}

func (a failingAgent) Invoke(context.Context, *domain.InvocationRequest) (*domain.InvocationResult, error) {
	return nil, a.err
}

func (a failingAgent) Stream(context.Context, *domain.InvocationRequest) (*agentcli.Stream, error) {
	return nil, a.err
}

func newTestHandler(t *testing.T, agent agentcli.Agent) (*Handler, *session.Store) {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	sessions := session.NewStore(session.Options{TTL: time.Hour})
	cfg := &config.Config{Agent: config.Agent{Models: []string{"claude-sonnet-4-20250514"}}}
	svc := service.New(agent, sessions, testutil.NewTestJournal(t), engine, cfg, nil)
	return NewHandler(svc), sessions
}

func postCompletion(t *testing.T, h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ChatCompletions(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *openai.APIError {
	t.Helper()
	var resp openai.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

// sseEvents returns the data payloads of an SSE body.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected SSE block %q", block)
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	h, sessions := newTestHandler(t, agentcli.NewMockAgent())

	body := `{"model":"claude-sonnet-4-20250514","session_id":"s1","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	rec := postCompletion(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, openai.ObjectChatCompletion, resp.Object)
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Contains(t, resp.Choices[0].Message.Content, `"hi"`)
	require.NotNil(t, resp.Usage)
	assert.Greater(t, resp.Usage.TotalTokens, 0)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Len(t, sess.Turns, 2)
}

func TestChatCompletionsValidation(t *testing.T) {
	h, _ := newTestHandler(t, agentcli.NewMockAgent())

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		param   string
	}{
		{name: "invalid json", body: `{"model":`},
		{name: "missing model", body: `{"messages":[{"role":"user","content":"hi"}]}`, param: "model"},
		{name: "missing messages", body: `{"model":"m"}`, param: "messages"},
		{name: "bad role", body: `{"model":"m","messages":[{"role":"robot","content":"hi"}]}`, param: "messages[0].role"},
		{
			name:    "bad max turns header",
			body:    `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			headers: map[string]string{HeaderMaxTurns: "many"},
		},
		{
			name:    "bad permission mode header",
			body:    `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			headers: map[string]string{HeaderPermissionMode: "yolo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCompletion(t, h, tt.body, tt.headers)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			apiErr := decodeError(t, rec)
			assert.Equal(t, "invalid_request_error", apiErr.Type)
			assert.Equal(t, string(domain.FailureValidation), apiErr.Code)
			assert.Equal(t, tt.param, apiErr.Param)
		})
	}
}

func TestChatCompletionsErrorMapping(t *testing.T) {
	tests := []struct {
		kind   domain.FailureKind
		status int
	}{
		{domain.FailureAuthentication, http.StatusUnauthorized},
		{domain.FailureTimeout, http.StatusGatewayTimeout},
		{domain.FailureEmptyResponse, http.StatusBadGateway},
		{domain.FailureExecution, http.StatusBadGateway},
		{domain.FailureResource, http.StatusInternalServerError},
	}

	body := `{"model":"m","session_id":"s1","messages":[{"role":"user","content":"hi"}]}`
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			h, sessions := newTestHandler(t, failingAgent{err: domain.NewInvocationError(tt.kind, "boom", nil)})
			rec := postCompletion(t, h, body, nil)
			assert.Equal(t, tt.status, rec.Code)

			apiErr := decodeError(t, rec)
			assert.Equal(t, "boom", apiErr.Message)
			assert.Equal(t, string(tt.kind), apiErr.Code)

			sess, _ := sessions.Get("s1")
			assert.Empty(t, sess.Turns)
		})
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	h, sessions := newTestHandler(t, agentcli.NewMockAgent())

	body := `{"model":"claude-sonnet-4-20250514","session_id":"s1","stream":true,"messages":[{"role":"user","content":"tell me something"}]}`
	rec := postCompletion(t, h, body, map[string]string{HeaderMaxTurns: "2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	events := sseEvents(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, openai.DoneSentinel, events[len(events)-1])

	var content strings.Builder
	sentinels := 0
	for i, e := range events {
		if e == openai.DoneSentinel {
			sentinels++
			continue
		}
		var chunk openai.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(e), &chunk))
		assert.Equal(t, openai.ObjectChatCompletionChunk, chunk.Object)
		if i == 0 {
			assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
		}
		if chunk.Choices[0].Delta.Content != nil {
			content.WriteString(*chunk.Choices[0].Delta.Content)
		}
	}
	assert.Equal(t, 1, sentinels)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, content.String(), sess.Turns[1].Content)
}

func TestChatCompletionsStreamingFailure(t *testing.T) {
	h, _ := newTestHandler(t, failingAgent{err: domain.NewInvocationError(domain.FailureTimeout, "too slow", nil)})

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := postCompletion(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 3)

	var errEvent openai.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[1]), &errEvent))
	assert.Equal(t, string(domain.FailureStreaming), errEvent.Error.Type)
	assert.Equal(t, string(domain.FailureTimeout), errEvent.Error.Code)
	assert.Equal(t, openai.DoneSentinel, events[2])
}

func TestListModels(t *testing.T) {
	h, _ := newTestHandler(t, agentcli.NewMockAgent())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/models", nil), rec)

	require.NoError(t, h.ListModels(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp openai.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, openai.ObjectList, resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Data[0].ID)
}

func TestParseOverrides(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderMaxTurns, "5")
	h.Set(HeaderAllowedTools, "Read, Grep,,")
	h.Set(HeaderDisallowedTools, "Bash")
	h.Set(HeaderPermissionMode, "plan")
	h.Set(HeaderMaxThinkingTokens, "1024")

	o, err := parseOverrides(h)
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationOverrides{
		MaxTurns:          5,
		AllowedTools:      []string{"Read", "Grep"},
		DisallowedTools:   []string{"Bash"},
		PermissionMode:    "plan",
		MaxThinkingTokens: 1024,
	}, o)

	o, err = parseOverrides(http.Header{})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationOverrides{}, o)

	bad := http.Header{}
	bad.Set(HeaderMaxThinkingTokens, "-1")
	_, err = parseOverrides(bad)
	assert.Error(t, err)
}

func TestChatCompletionsWebSocket(t *testing.T) {
	h, sessions := newTestHandler(t, agentcli.NewMockAgent())
	e := echo.New()
	h.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/completions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readUntilDone := func() []string {
		var frames []string
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		for {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			frames = append(frames, string(data))
			if string(data) == openai.DoneSentinel {
				return frames
			}
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"model":"m","session_id":"ws1","messages":[{"role":"user","content":"hello socket"}]}`)))
	frames := readUntilDone()
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Contains(t, frames[0], `"role":"assistant"`)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"model":""}`)))
	frames = readUntilDone()
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], string(domain.FailureValidation))

	sess, ok := sessions.Get("ws1")
	require.True(t, ok)
	assert.Len(t, sess.Turns, 2)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(domain.FailureValidation))
	assert.Equal(t, http.StatusBadGateway, StatusFor(domain.FailureStreaming))
	assert.Equal(t, statusClientClosedRequest, StatusFor(domain.FailureCancelled))
}
