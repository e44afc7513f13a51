package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/agentcli"
	"github.com/xiaot623/gogo/agentbridge/internal/adapter/tempfile"
	"github.com/xiaot623/gogo/agentbridge/internal/config"
	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
	"github.com/xiaot623/gogo/agentbridge/internal/policy"
	"github.com/xiaot623/gogo/agentbridge/internal/repository"
	"github.com/xiaot623/gogo/agentbridge/internal/session"
	"github.com/xiaot623/gogo/agentbridge/internal/telemetry"
	"github.com/xiaot623/gogo/agentbridge/internal/testutil"
)

// scriptedAgent records every invocation and answers from its hooks.
type scriptedAgent struct {
	mu       sync.Mutex
	requests []domain.InvocationRequest
	invoke   func(ctx context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error)
	stream   func(ctx context.Context, req *domain.InvocationRequest) (*agentcli.Stream, error)
}

func (a *scriptedAgent) record(req *domain.InvocationRequest) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, *req)
	return len(a.requests)
}

func (a *scriptedAgent) Invoke(ctx context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
	n := a.record(req)
	if a.invoke != nil {
		return a.invoke(ctx, req)
	}
	return &domain.InvocationResult{
		Content:      fmt.Sprintf("reply %d", n),
		FinishReason: domain.FinishReasonStop,
		Strategy:     domain.StrategyInline,
	}, nil
}

func (a *scriptedAgent) Stream(ctx context.Context, req *domain.InvocationRequest) (*agentcli.Stream, error) {
	a.record(req)
	return a.stream(ctx, req)
}

func (a *scriptedAgent) request(i int) domain.InvocationRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
	onSend func(n int)
}

func (s *recordingSink) WriteEvent(data []byte) error {
	s.mu.Lock()
	s.events = append(s.events, string(data))
	n := len(s.events)
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(n)
	}
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newTestService(t *testing.T, agent agentcli.Agent) (*Service, *session.Store, repository.Journal) {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	sessions := session.NewStore(session.Options{TTL: time.Hour})
	journal := testutil.NewTestJournal(t)
	cfg := &config.Config{Agent: config.Agent{Models: []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514"}}}
	return New(agent, sessions, journal, engine, cfg, telemetry.NewMetrics()), sessions, journal
}

func userRequest(sessionID, content string) *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []domain.ConversationTurn{{Role: domain.RoleUser, Content: content}},
		SessionID: sessionID,
	}
}

func invocationError(t *testing.T, err error) *domain.InvocationError {
	t.Helper()
	var invErr *domain.InvocationError
	require.True(t, errors.As(err, &invErr), "expected InvocationError, got %v", err)
	return invErr
}

func TestCompleteRemembersSessionHistory(t *testing.T) {
	agent := &scriptedAgent{}
	svc, sessions, _ := newTestService(t, agent)
	ctx := context.Background()

	first, err := svc.Complete(ctx, userRequest("s1", "My name is Alice"))
	require.NoError(t, err)
	assert.Equal(t, "reply 1", first.Content)
	assert.Equal(t, "s1", first.SessionID)
	assert.True(t, strings.HasPrefix(first.ID, "chatcmpl-"))

	_, err = svc.Complete(ctx, userRequest("s1", "What is my name?"))
	require.NoError(t, err)

	assert.Equal(t, "Human: My name is Alice\n\nAssistant: reply 1\n\nHuman: What is my name?", agent.request(1).Prompt)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "My name is Alice"},
		{Role: domain.RoleAssistant, Content: "reply 1"},
		{Role: domain.RoleUser, Content: "What is my name?"},
		{Role: domain.RoleAssistant, Content: "reply 2"},
	}, sess.Turns)
}

func TestCompleteResumesWithToken(t *testing.T) {
	agent := &scriptedAgent{}
	agent.invoke = func(_ context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
		return &domain.InvocationResult{Content: "ok", ResumptionToken: "tok-1", Strategy: domain.StrategyInline}, nil
	}
	svc, sessions, _ := newTestService(t, agent)
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("s1", "My name is Alice"))
	require.NoError(t, err)
	_, err = svc.Complete(ctx, userRequest("s1", "What is my name?"))
	require.NoError(t, err)

	assert.Empty(t, agent.request(0).Options.ResumptionToken)
	second := agent.request(1)
	assert.Equal(t, "tok-1", second.Options.ResumptionToken)
	assert.Equal(t, "Human: What is my name?", second.Prompt)

	sess, _ := sessions.Get("s1")
	assert.Len(t, sess.Turns, 4)
	assert.Equal(t, "tok-1", sess.ResumptionToken)
}

func TestCompleteFailureLeavesSessionUntouched(t *testing.T) {
	agent := &scriptedAgent{}
	svc, sessions, journal := newTestService(t, agent)
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("s1", "first"))
	require.NoError(t, err)
	before, _ := sessions.Get("s1")

	agent.invoke = func(_ context.Context, _ *domain.InvocationRequest) (*domain.InvocationResult, error) {
		return nil, domain.NewExecutionError(3, "something broke")
	}
	_, err = svc.Complete(ctx, userRequest("s1", "second"))
	invErr := invocationError(t, err)
	assert.Equal(t, domain.FailureExecution, invErr.Kind)

	after, _ := sessions.Get("s1")
	assert.Equal(t, before.Turns, after.Turns)

	completions, err := journal.ListCompletions(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, domain.CompletionStatusFailed, completions[0].Status)

	events, err := svc.GetCompletionEvents(ctx, completions[0].CompletionID, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeCompletionStarted, events[0].Type)
	assert.Equal(t, domain.EventTypeCompletionFailed, events[1].Type)

	var payload domain.CompletionFailedPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, domain.FailureExecution, payload.Kind)
	require.NotNil(t, payload.ExitCode)
	assert.Equal(t, 3, *payload.ExitCode)
}

func TestCompleteWithoutSessionIsEphemeral(t *testing.T) {
	agent := &scriptedAgent{}
	svc, sessions, journal := newTestService(t, agent)
	ctx := context.Background()

	res, err := svc.Complete(ctx, userRequest("", "12345678"))
	require.NoError(t, err)
	assert.Empty(t, sessions.List())
	assert.Equal(t, domain.FinishReasonStop, res.FinishReason)

	// "Human: 12345678" is 15 bytes, "reply 1" is 7
	assert.Equal(t, domain.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, res.Usage)

	completion, err := journal.GetCompletion(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, completion)
	assert.Equal(t, domain.CompletionStatusDone, completion.Status)
	assert.Equal(t, domain.StrategyInline, completion.Strategy)
}

func TestCompleteAppliesPolicyAndOverrides(t *testing.T) {
	agent := &scriptedAgent{}
	svc, _, _ := newTestService(t, agent)
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("", "hi"))
	require.NoError(t, err)
	opts := agent.request(0).Options
	assert.Equal(t, 1, opts.MaxTurns)
	assert.Contains(t, opts.DisallowedTools, "Bash")

	req := userRequest("", "hi")
	req.EnableTools = true
	req.Overrides = domain.InvocationOverrides{MaxTurns: 3, AllowedTools: []string{"Read"}, MaxThinkingTokens: 2048}
	_, err = svc.Complete(ctx, req)
	require.NoError(t, err)
	opts = agent.request(1).Options
	assert.Equal(t, 3, opts.MaxTurns)
	assert.Equal(t, []string{"Read"}, opts.AllowedTools)
	assert.Empty(t, opts.DisallowedTools)
	assert.Equal(t, "bypassPermissions", opts.PermissionMode)
	assert.Equal(t, 2048, opts.MaxThinkingTokens)
}

func TestCompleteSerializesSameSession(t *testing.T) {
	var inFlight, maxInFlight int32
	agent := &scriptedAgent{}
	agent.invoke = func(_ context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		last := req.Prompt[strings.LastIndex(req.Prompt, "Human: ")+len("Human: "):]
		return &domain.InvocationResult{Content: "echo " + last}, nil
	}
	svc, sessions, _ := newTestService(t, agent)

	const requests = 8
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Complete(context.Background(), userRequest("A", fmt.Sprintf("msg %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	sess, ok := sessions.Get("A")
	require.True(t, ok)
	require.Len(t, sess.Turns, 2*requests)
	for i := 0; i < len(sess.Turns); i += 2 {
		assert.Equal(t, domain.RoleUser, sess.Turns[i].Role)
		assert.Equal(t, domain.RoleAssistant, sess.Turns[i+1].Role)
		assert.Equal(t, "echo "+sess.Turns[i].Content, sess.Turns[i+1].Content)
	}
}

func TestCompleteIsolatesDistinctSessions(t *testing.T) {
	agent := &scriptedAgent{}
	agent.invoke = func(_ context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
		return &domain.InvocationResult{Content: "seen: " + req.Prompt}, nil
	}
	svc, sessions, _ := newTestService(t, agent)

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := svc.Complete(context.Background(), userRequest(id, "from "+id))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for id, other := range map[string]string{"A": "from B", "B": "from A"} {
		sess, ok := sessions.Get(id)
		require.True(t, ok)
		assert.Len(t, sess.Turns, 10)
		for _, turn := range sess.Turns {
			assert.NotContains(t, turn.Content, other)
		}
	}
}

func TestCompleteLargePromptUsesFileStrategy(t *testing.T) {
	script := `cat > /dev/null
printf '%s' '{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"sess-9"}'`
	temp := tempfile.NewManager(t.TempDir())
	agent := agentcli.NewCLIAgent(agentcli.Options{
		Binary:   testutil.WriteFakeAgent(t, script),
		Selector: agentcli.NewSelector(1024, agentcli.InlineStrategy{}, agentcli.NewFileStrategy(temp, 4096)),
		Timeout:  10 * time.Second,
	})
	svc, sessions, journal := newTestService(t, agent)
	ctx := context.Background()

	res, err := svc.Complete(ctx, userRequest("big", strings.Repeat("x", 200*1024)))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)

	completion, err := journal.GetCompletion(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyFile, completion.Strategy)

	sess, _ := sessions.Get("big")
	assert.Equal(t, "sess-9", sess.ResumptionToken)

	require.NotEmpty(t, temp.Dir())
	entries, err := os.ReadDir(temp.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStreamCompletionSuccess(t *testing.T) {
	agent := &scriptedAgent{}
	agent.stream = func(_ context.Context, _ *domain.InvocationRequest) (*agentcli.Stream, error) {
		ch := make(chan domain.StreamFragment, 3)
		ch <- domain.TextFragment("Hel")
		ch <- domain.TextFragment("lo")
		ch <- domain.CompletedFragment(domain.FinishReasonStop, "tok-s", nil)
		close(ch)
		return &agentcli.Stream{Fragments: ch, Strategy: domain.StrategyInline}, nil
	}
	svc, sessions, _ := newTestService(t, agent)

	req := userRequest("s1", "hi")
	req.Stream = true
	sink := &recordingSink{}
	require.NoError(t, svc.StreamCompletion(context.Background(), req, sink))

	events := sink.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, openai.DoneSentinel, events[4])

	var final openai.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(events[3]), &final))
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)

	sess, _ := sessions.Get("s1")
	assert.Equal(t, []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "Hello"},
	}, sess.Turns)
	assert.Equal(t, "tok-s", sess.ResumptionToken)
}

func TestStreamCompletionStartFailureEndsStream(t *testing.T) {
	agent := &scriptedAgent{}
	agent.stream = func(_ context.Context, _ *domain.InvocationRequest) (*agentcli.Stream, error) {
		return nil, domain.NewInvocationError(domain.FailureExecution, "agent binary not found", nil)
	}
	svc, sessions, _ := newTestService(t, agent)

	req := userRequest("s1", "hi")
	req.Stream = true
	sink := &recordingSink{}
	err := svc.StreamCompletion(context.Background(), req, sink)
	assert.Equal(t, domain.FailureExecution, invocationError(t, err).Kind)

	events := sink.snapshot()
	require.Len(t, events, 3)
	assert.Contains(t, events[1], `"type":"streaming_error"`)
	assert.Contains(t, events[1], "agent binary not found")
	assert.Equal(t, openai.DoneSentinel, events[2])

	sess, _ := sessions.Get("s1")
	assert.Empty(t, sess.Turns)
}

func TestStreamCompletionClientDisconnect(t *testing.T) {
	released := make(chan struct{})
	agent := &scriptedAgent{}
	agent.stream = func(ctx context.Context, _ *domain.InvocationRequest) (*agentcli.Stream, error) {
		ch := make(chan domain.StreamFragment)
		go func() {
			defer close(released)
			defer close(ch)
			for {
				select {
				case ch <- domain.TextFragment("tick"):
				case <-ctx.Done():
					return
				}
			}
		}()
		return &agentcli.Stream{Fragments: ch, Strategy: domain.StrategyInline}, nil
	}
	svc, sessions, _ := newTestService(t, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSend: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	req := userRequest("s1", "hi")
	req.Stream = true
	err := svc.StreamCompletion(ctx, req, sink)
	assert.Equal(t, domain.FailureCancelled, invocationError(t, err).Kind)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("agent stream was not stopped")
	}
	for _, e := range sink.snapshot() {
		assert.NotEqual(t, openai.DoneSentinel, e)
	}
	sess, _ := sessions.Get("s1")
	assert.Empty(t, sess.Turns)
}

const deltaLine = `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"tick"}}}`

func TestStreamCompletionRemovesPromptFileBeforeReturning(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		cancelAt   int
		wantErr    bool
		wantKind   domain.FailureKind
		wantTokens string
	}{
		{
			name: "success",
			script: `cat > /dev/null
printf '%s\n' '` + deltaLine + `'
printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"tick","session_id":"tok-f"}'`,
			wantTokens: "tok-f",
		},
		{
			name: "process failure mid-stream",
			script: `cat > /dev/null
printf '%s\n' '` + deltaLine + `'
echo "crashed" >&2
exit 3`,
			wantErr:  true,
			wantKind: domain.FailureExecution,
		},
		{
			name: "client disconnect",
			script: `cat > /dev/null
while true; do
  printf '%s\n' '` + deltaLine + `'
  sleep 0.05
done`,
			cancelAt: 3,
			wantErr:  true,
			wantKind: domain.FailureCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			temp := tempfile.NewManager(t.TempDir())
			t.Cleanup(func() { _ = temp.Close() })
			agent := agentcli.NewCLIAgent(agentcli.Options{
				Binary:   testutil.WriteFakeAgent(t, tt.script),
				Selector: agentcli.NewSelector(16, agentcli.InlineStrategy{}, agentcli.NewFileStrategy(temp, 4096)),
				Timeout:  10 * time.Second,
			})
			svc, sessions, _ := newTestService(t, agent)

			for i := 0; i < 10; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				sink := &recordingSink{onSend: func(n int) {
					if tt.cancelAt > 0 && n == tt.cancelAt {
						cancel()
					}
				}}
				req := userRequest(fmt.Sprintf("s-%d", i), strings.Repeat("p", 1024))
				req.Stream = true

				err := svc.StreamCompletion(ctx, req, sink)

				require.NotEmpty(t, temp.Dir())
				entries, readErr := os.ReadDir(temp.Dir())
				require.NoError(t, readErr)
				assert.Empty(t, entries, "prompt file left behind on iteration %d", i)
				cancel()

				sess, _ := sessions.Get(req.SessionID)
				if tt.wantErr {
					assert.Equal(t, tt.wantKind, invocationError(t, err).Kind)
					assert.Empty(t, sess.Turns)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, tt.wantTokens, sess.ResumptionToken)
				assert.Equal(t, "tick", sess.Turns[1].Content)
			}
		})
	}
}

func TestSessionPassthroughs(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedAgent{})
	ctx := context.Background()

	_, err := svc.Complete(ctx, userRequest("s1", "hi"))
	require.NoError(t, err)

	sess, err := svc.GetSession("s1")
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
	assert.Len(t, svc.ListSessions(), 1)
	assert.Equal(t, 2, svc.SessionStats().TotalMessages)

	require.NoError(t, svc.DeleteSession("s1"))
	assert.ErrorIs(t, svc.DeleteSession("s1"), domain.ErrSessionNotFound)
	_, err = svc.GetSession("s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = svc.GetCompletionEvents(ctx, "chatcmpl-missing", 0, nil, 0)
	assert.ErrorIs(t, err, domain.ErrCompletionNotFound)

	models := svc.ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, openai.ObjectModel, models[0].Object)
}
