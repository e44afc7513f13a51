package agentcli

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

const (
	subtypeSuccess      = "success"
	subtypeErrorMaxTurn = "error_max_turns"
	stopReasonToolUse   = "tool_use"
)

// authFailureMarkers are lower-case fragments the agent prints when its
// credentials are missing or rejected.
var authFailureMarkers = []string{
	"invalid api key",
	"invalid x-api-key",
	"authentication_error",
	"authentication failed",
	"unauthorized",
	"not logged in",
	"please run /login",
	"oauth token has expired",
	"credit balance is too low",
}

func isAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// resultEvent is the terminal "result" record of json and stream-json output.
type resultEvent struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype"`
	IsError   bool        `json:"is_error"`
	Result    string      `json:"result"`
	SessionID string      `json:"session_id"`
	NumTurns  int         `json:"num_turns"`
	Usage     *agentUsage `json:"usage,omitempty"`
}

type agentUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *agentUsage) toDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	prompt := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	if prompt == 0 && u.OutputTokens == 0 {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
	}
}

// streamRecord is the union of the stream-json line shapes this package reads.
type streamRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   *assistantBody  `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type assistantBody struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type partialEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// ParseResult converts non-streaming stdout into an InvocationResult. It
// accepts a single result object, an array of stream records ending in a
// result, or plain text.
func ParseResult(stdout string) (*domain.InvocationResult, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, domain.NewInvocationError(domain.FailureEmptyResponse, "agent produced no output", nil)
	}

	switch trimmed[0] {
	case '{':
		var ev resultEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil && ev.Type == "result" {
			return resultFromEvent(stdout, &ev, "")
		}
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &records); err == nil {
			if res, ok, err := resultFromRecords(stdout, records); ok {
				return res, err
			}
		}
	}

	return &domain.InvocationResult{
		RawOutput:    stdout,
		Content:      trimmed,
		FinishReason: domain.FinishReasonStop,
	}, nil
}

func resultFromRecords(stdout string, records []json.RawMessage) (*domain.InvocationResult, bool, error) {
	var (
		result     *resultEvent
		stopReason string
		texts      []string
	)
	for _, raw := range records {
		var rec streamRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		switch rec.Type {
		case "assistant":
			if rec.Message == nil {
				continue
			}
			stopReason = rec.Message.StopReason
			for _, block := range rec.Message.Content {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		case "result":
			var ev resultEvent
			if err := json.Unmarshal(raw, &ev); err == nil {
				result = &ev
			}
		}
	}
	if result == nil {
		return nil, false, nil
	}
	if result.Result == "" && len(texts) > 0 {
		result.Result = strings.Join(texts, "\n")
	}
	res, err := resultFromEvent(stdout, result, stopReason)
	return res, true, err
}

func resultFromEvent(stdout string, ev *resultEvent, lastStopReason string) (*domain.InvocationResult, error) {
	finish := finishReasonFor(ev.Subtype, lastStopReason)
	if ev.IsError && finish != domain.FinishReasonLength {
		msg := ev.Result
		if msg == "" {
			msg = "agent reported an error: " + ev.Subtype
		}
		if isAuthFailure(msg) {
			return nil, domain.NewInvocationError(domain.FailureAuthentication, msg, nil)
		}
		return nil, domain.NewInvocationError(domain.FailureExecution, msg, nil)
	}
	if ev.Result == "" && finish != domain.FinishReasonLength {
		return nil, domain.NewInvocationError(domain.FailureEmptyResponse, "agent returned an empty result", nil)
	}
	return &domain.InvocationResult{
		RawOutput:       stdout,
		Content:         ev.Result,
		ResumptionToken: ev.SessionID,
		FinishReason:    finish,
		Usage:           ev.Usage.toDomain(),
	}, nil
}

func finishReasonFor(subtype, lastStopReason string) domain.FinishReason {
	if subtype == subtypeErrorMaxTurn {
		return domain.FinishReasonLength
	}
	if lastStopReason == stopReasonToolUse {
		return domain.FinishReasonToolCalls
	}
	return domain.FinishReasonStop
}

// streamParser turns stream-json lines into text fragments and remembers the
// terminal state. When partial deltas are present for a message, the full
// assistant record that follows is not re-emitted.
type streamParser struct {
	sawDelta   bool
	emitted    bool
	stopReason string
	sessionID  string
	result     *resultEvent
}

// Feed consumes one line and returns the text it contributes, if any.
func (p *streamParser) Feed(line []byte) []string {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	if rec.SessionID != "" {
		p.sessionID = rec.SessionID
	}

	switch rec.Type {
	case "stream_event":
		var ev partialEvent
		if err := json.Unmarshal(rec.Event, &ev); err != nil {
			return nil
		}
		switch ev.Type {
		case "message_start":
			p.sawDelta = false
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				p.sawDelta = true
				p.emitted = true
				return []string{ev.Delta.Text}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				p.stopReason = ev.Delta.StopReason
			}
		}
	case "assistant":
		if rec.Message == nil {
			return nil
		}
		if rec.Message.StopReason != "" {
			p.stopReason = rec.Message.StopReason
		}
		if p.sawDelta {
			p.sawDelta = false
			return nil
		}
		var texts []string
		for _, block := range rec.Message.Content {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
		if len(texts) > 0 {
			p.emitted = true
		}
		return texts
	case "result":
		var ev resultEvent
		if err := json.Unmarshal(line, &ev); err == nil {
			p.result = &ev
			if ev.SessionID != "" {
				p.sessionID = ev.SessionID
			}
		}
	}
	return nil
}

// Terminal returns the final fragment once the process exited cleanly.
func (p *streamParser) Terminal() domain.StreamFragment {
	if p.result == nil {
		if !p.emitted {
			return domain.ErrorFragment(domain.NewInvocationError(domain.FailureEmptyResponse, "agent produced no output", nil))
		}
		return domain.CompletedFragment(finishReasonFor("", p.stopReason), p.sessionID, nil)
	}

	finish := finishReasonFor(p.result.Subtype, p.stopReason)
	if p.result.IsError && finish != domain.FinishReasonLength {
		msg := p.result.Result
		if msg == "" {
			msg = "agent reported an error: " + p.result.Subtype
		}
		kind := domain.FailureStreaming
		if isAuthFailure(msg) {
			kind = domain.FailureAuthentication
		}
		return domain.ErrorFragment(domain.NewInvocationError(kind, msg, nil))
	}
	if !p.emitted && p.result.Result == "" && finish != domain.FinishReasonLength {
		return domain.ErrorFragment(domain.NewInvocationError(domain.FailureEmptyResponse, "agent returned an empty result", nil))
	}
	return domain.CompletedFragment(finish, p.sessionID, p.result.Usage.toDomain())
}

// FallbackText returns the result text when nothing was streamed, so a
// stream never finishes with content silently missing.
func (p *streamParser) FallbackText() string {
	if p.emitted || p.result == nil || p.result.IsError {
		return ""
	}
	return p.result.Result
}
