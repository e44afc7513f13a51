package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/policy"
	"github.com/xiaot623/gogo/agentbridge/internal/streaming"
)

const outcomeOK = "ok"

// completionRun is one request between session resolution and finalization.
type completionRun struct {
	id         string
	created    time.Time
	req        *domain.CompletionRequest
	invocation *domain.InvocationRequest
	unlock     func()
	journaled  bool
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// Complete runs one blocking completion. Failures are returned as
// *domain.InvocationError and never change the session.
func (s *Service) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResult, error) {
	ctx, span := s.startSpan(ctx, "service.complete", req)
	defer span.End()

	run, err := s.begin(ctx, req)
	if err != nil {
		return nil, s.abort(ctx, span, req, err)
	}
	defer run.unlock()

	started := s.now()
	res, err := s.agent.Invoke(ctx, run.invocation)
	if err != nil {
		invErr := asInvocationError(err)
		s.finishFailed(ctx, span, run, "", invErr)
		return nil, invErr
	}
	s.metrics.RecordInvocation(ctx, res.Strategy, s.now().Sub(started))

	usage := resolveUsage(res.Usage, run.invocation.Prompt, res.Content)
	s.finishDone(ctx, span, run, res.Strategy, res.Content, res.ResumptionToken, res.FinishReason, usage)

	reason := res.FinishReason
	if reason == "" {
		reason = domain.FinishReasonStop
	}
	return &domain.CompletionResult{
		ID:           run.id,
		Model:        req.Model,
		Created:      run.created,
		Content:      res.Content,
		FinishReason: reason,
		Usage:        usage,
		SessionID:    req.SessionID,
	}, nil
}

// StreamCompletion runs one streaming completion, writing chunks to sink as
// fragments arrive. Once the session is resolved every outcome, including a
// failure to start the agent, is reported in-stream and terminated by the
// done sentinel. The returned error describes the failure, if any.
func (s *Service) StreamCompletion(ctx context.Context, req *domain.CompletionRequest, sink streaming.Sink) error {
	ctx, span := s.startSpan(ctx, "service.stream_completion", req)
	defer span.End()

	run, err := s.begin(ctx, req)
	if err != nil {
		return s.abort(ctx, span, req, err)
	}
	defer run.unlock()

	// cancelling streamCtx kills the agent process when the client goes away
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := s.now()
	fragments, strategy := s.openStream(streamCtx, run)

	translator := streaming.NewTranslator(run.id, req.Model, run.created)
	outcome := translator.Run(streamCtx, fragments, sink)
	cancel()
	// wait for the agent to exit and release its input
	for range fragments {
	}

	if strategy != "" {
		s.metrics.RecordInvocation(ctx, strategy, s.now().Sub(started))
	}

	switch {
	case outcome.Succeeded():
		usage := resolveUsage(outcome.Usage, run.invocation.Prompt, outcome.Content)
		s.finishDone(ctx, span, run, strategy, outcome.Content, outcome.ResumptionToken, outcome.FinishReason, usage)
		return nil
	case outcome.Err != nil:
		s.finishFailed(ctx, span, run, strategy, outcome.Err)
		return outcome.Err
	default:
		invErr := domain.NewInvocationError(domain.FailureCancelled, "client disconnected", ctx.Err())
		s.finishFailed(ctx, span, run, strategy, invErr)
		return invErr
	}
}

// openStream starts the agent. A start failure becomes a single error
// fragment so the translator reports it like any other stream failure.
func (s *Service) openStream(ctx context.Context, run *completionRun) (<-chan domain.StreamFragment, domain.StrategyName) {
	stream, err := s.agent.Stream(ctx, run.invocation)
	if err != nil {
		failed := make(chan domain.StreamFragment, 1)
		failed <- domain.ErrorFragment(asInvocationError(err))
		close(failed)
		return failed, ""
	}
	return stream.Fragments, stream.Strategy
}

// begin resolves the session, renders the prompt and journals the start.
// The returned run holds the session lock until run.unlock is called.
func (s *Service) begin(ctx context.Context, req *domain.CompletionRequest) (*completionRun, error) {
	run := &completionRun{
		id:      newCompletionID(),
		created: s.now(),
		req:     req,
		unlock:  func() {},
	}

	var history []domain.ConversationTurn
	var token string
	if req.SessionID != "" {
		unlock, err := s.sessions.Lock(ctx, req.SessionID)
		if err != nil {
			return nil, domain.NewInvocationError(domain.FailureCancelled, "request cancelled while waiting for session", err)
		}
		run.unlock = unlock
		sess := s.sessions.GetOrCreate(req.SessionID)
		history, token = sess.Turns, sess.ResumptionToken
	}

	opts, err := s.resolveOptions(ctx, req)
	if err != nil {
		run.unlock()
		return nil, err
	}
	opts.ResumptionToken = token

	run.invocation = &domain.InvocationRequest{
		Prompt:           renderPrompt(history, req.Messages, token != ""),
		Model:            req.Model,
		Options:          opts,
		Stream:           req.Stream,
		WorkingDirectory: s.workingDir,
	}

	logrus.WithFields(logrus.Fields{
		"completion_id": run.id,
		"session_id":    req.SessionID,
		"model":         req.Model,
		"stream":        req.Stream,
		"history_turns": len(history),
		"resumed":       token != "",
	}).Debug("completion started")

	s.journalStart(ctx, run)
	return run, nil
}

// resolveOptions evaluates the tool policy and applies the request's
// header overrides on top of its decision.
func (s *Service) resolveOptions(ctx context.Context, req *domain.CompletionRequest) (domain.InvocationOptions, error) {
	var opts domain.InvocationOptions
	if s.policyEngine != nil {
		decision, err := s.policyEngine.Evaluate(ctx, policy.Input{EnableTools: req.EnableTools, Model: req.Model})
		if err != nil {
			return opts, domain.NewInvocationError(domain.FailureExecution, "tool policy evaluation failed", err)
		}
		opts.AllowedTools = decision.AllowedTools
		opts.DisallowedTools = decision.DisallowedTools
		opts.MaxTurns = decision.MaxTurns
		opts.PermissionMode = decision.PermissionMode
	}

	o := req.Overrides
	if o.MaxTurns > 0 {
		opts.MaxTurns = o.MaxTurns
	}
	if len(o.AllowedTools) > 0 {
		opts.AllowedTools = o.AllowedTools
	}
	if len(o.DisallowedTools) > 0 {
		opts.DisallowedTools = o.DisallowedTools
	}
	if o.PermissionMode != "" {
		opts.PermissionMode = o.PermissionMode
	}
	if o.MaxThinkingTokens > 0 {
		opts.MaxThinkingTokens = o.MaxThinkingTokens
	}
	return opts, nil
}

func (s *Service) finishDone(ctx context.Context, span trace.Span, run *completionRun, strategy domain.StrategyName, content, token string, reason domain.FinishReason, usage domain.Usage) {
	if run.req.SessionID != "" {
		if !s.sessions.AppendTurns(run.req.SessionID, historyTurns(run.req.Messages, content), token) {
			logrus.WithField("session_id", run.req.SessionID).Warn("session expired before the turn could be stored")
		}
	}
	s.journalDone(ctx, run, strategy, reason, usage)
	s.metrics.RecordCompletion(ctx, run.req.Stream, outcomeOK)

	span.SetAttributes(
		attribute.String("completion.id", run.id),
		attribute.String("completion.strategy", string(strategy)),
		attribute.Int("completion.tokens", usage.TotalTokens),
	)
	logrus.WithFields(logrus.Fields{
		"completion_id": run.id,
		"session_id":    run.req.SessionID,
		"strategy":      strategy,
		"finish_reason": reason,
	}).Info("completion finished")
}

func (s *Service) finishFailed(ctx context.Context, span trace.Span, run *completionRun, strategy domain.StrategyName, invErr *domain.InvocationError) {
	s.journalFailed(ctx, run, strategy, invErr)
	s.metrics.RecordCompletion(ctx, run.req.Stream, string(invErr.Kind))

	span.SetAttributes(attribute.String("completion.id", run.id))
	span.RecordError(invErr)
	span.SetStatus(codes.Error, string(invErr.Kind))

	entry := logrus.WithFields(logrus.Fields{
		"completion_id": run.id,
		"session_id":    run.req.SessionID,
		"kind":          invErr.Kind,
	})
	if invErr.Kind == domain.FailureCancelled {
		entry.Info("completion cancelled")
		return
	}
	entry.WithError(invErr).Warn("completion failed")
}

// abort handles a failure before the completion was journaled.
func (s *Service) abort(ctx context.Context, span trace.Span, req *domain.CompletionRequest, err error) error {
	invErr := asInvocationError(err)
	s.metrics.RecordCompletion(ctx, req.Stream, string(invErr.Kind))
	span.RecordError(invErr)
	span.SetStatus(codes.Error, string(invErr.Kind))
	return invErr
}

func (s *Service) startSpan(ctx context.Context, name string, req *domain.CompletionRequest) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("completion.model", req.Model),
		attribute.String("completion.session_id", req.SessionID),
		attribute.Bool("completion.stream", req.Stream),
	))
}
