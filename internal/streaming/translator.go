package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
)

// Outcome is what a translated stream produced.
type Outcome struct {
	// Content is the concatenation of every forwarded text fragment.
	Content         string
	FinishReason    domain.FinishReason
	ResumptionToken string
	Usage           *domain.Usage
	// Err is set when the stream ended with an error event.
	Err *domain.InvocationError
	// Disconnected is set when the client went away before the sentinel.
	Disconnected bool
}

// Succeeded reports whether the stream finished with a normal finish chunk.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && !o.Disconnected
}

// Translator emits one completion's chunks.
type Translator struct {
	id      string
	model   string
	created int64
}

// NewTranslator creates a Translator for the completion id and model.
func NewTranslator(id, model string, created time.Time) *Translator {
	return &Translator{id: id, model: model, created: created.Unix()}
}

// Run forwards fragments to sink until a terminal fragment arrives, the
// channel closes, ctx is cancelled or the sink fails. Every path that still
// has a listening client ends with exactly one done sentinel.
func (t *Translator) Run(ctx context.Context, fragments <-chan domain.StreamFragment, sink Sink) *Outcome {
	guard := &terminalGuard{next: sink}
	out := &Outcome{}
	var content strings.Builder
	defer func() { out.Content = content.String() }()

	empty := ""
	if !t.emit(guard, out, openai.Delta{Role: string(domain.RoleAssistant), Content: &empty}, nil, nil) {
		return out
	}

	for {
		select {
		case <-ctx.Done():
			out.Disconnected = true
			return out
		case frag, ok := <-fragments:
			if !ok {
				if ctx.Err() != nil {
					out.Disconnected = true
					return out
				}
				t.fail(guard, out, domain.NewInvocationError(domain.FailureStreaming, "stream ended without a result", nil))
				return out
			}
			switch frag.Kind {
			case domain.FragmentText:
				text := frag.Text
				if !t.emit(guard, out, openai.Delta{Content: &text}, nil, nil) {
					return out
				}
				content.WriteString(text)
			case domain.FragmentCompleted:
				reason := string(frag.FinishReason)
				if reason == "" {
					reason = string(domain.FinishReasonStop)
				}
				out.FinishReason = domain.FinishReason(reason)
				out.ResumptionToken = frag.ResumptionToken
				out.Usage = frag.Usage
				if !t.emit(guard, out, openai.Delta{}, &reason, frag.Usage) {
					return out
				}
				t.done(guard, out)
				return out
			case domain.FragmentError:
				err := frag.Err
				if err == nil {
					err = domain.NewInvocationError(domain.FailureStreaming, "stream failed", nil)
				}
				if err.Kind == domain.FailureCancelled && ctx.Err() != nil {
					out.Disconnected = true
					return out
				}
				t.fail(guard, out, err)
				return out
			}
		}
	}
}

func (t *Translator) emit(sink Sink, out *Outcome, delta openai.Delta, finish *string, usage *domain.Usage) bool {
	chunk := openai.StreamChunk{
		ID:      t.id,
		Object:  openai.ObjectChatCompletionChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		logrus.WithError(err).Error("failed to marshal stream chunk")
		t.fail(sink, out, domain.NewInvocationError(domain.FailureStreaming, "failed to encode chunk", err))
		return false
	}
	return t.write(sink, out, data)
}

func (t *Translator) fail(sink Sink, out *Outcome, err *domain.InvocationError) {
	out.Err = err
	data, mErr := json.Marshal(openai.ErrorResponse{Error: &openai.APIError{
		Message: err.Message,
		Type:    string(domain.FailureStreaming),
		Code:    string(err.Kind),
	}})
	if mErr != nil {
		logrus.WithError(mErr).Error("failed to marshal stream error")
		data = []byte(`{"error":{"message":"stream failed","type":"streaming_error"}}`)
	}
	if !t.write(sink, out, data) {
		return
	}
	t.done(sink, out)
}

func (t *Translator) done(sink Sink, out *Outcome) {
	t.write(sink, out, []byte(openai.DoneSentinel))
}

func (t *Translator) write(sink Sink, out *Outcome, data []byte) bool {
	if err := sink.WriteEvent(data); err != nil {
		logrus.WithError(err).WithField("completion_id", t.id).Debug("client stream write failed")
		out.Disconnected = true
		return false
	}
	return true
}
