package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// recordEvent records an event to the journal.
func (s *Service) recordEvent(ctx context.Context, completionID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID:      "evt_" + uuid.New().String()[:8],
		CompletionID: completionID,
		Ts:           s.now().UnixMilli(),
		Type:         eventType,
		Payload:      payloadBytes,
	}

	return s.journal.CreateEvent(ctx, event)
}

// journalStart creates the completion record. Journal writes are best
// effort; a failing journal never fails the completion.
func (s *Service) journalStart(ctx context.Context, run *completionRun) {
	completion := &domain.Completion{
		CompletionID: run.id,
		SessionID:    run.req.SessionID,
		Model:        run.req.Model,
		Stream:       run.req.Stream,
		Status:       domain.CompletionStatusRunning,
		StartedAt:    run.created,
	}
	if err := s.journal.CreateCompletion(ctx, completion); err != nil {
		logrus.WithError(err).WithField("completion_id", run.id).Warn("failed to journal completion")
		return
	}
	run.journaled = true

	if err := s.recordEvent(ctx, run.id, domain.EventTypeCompletionStarted, domain.CompletionStartedPayload{
		Model:     run.req.Model,
		Stream:    run.req.Stream,
		SessionID: run.req.SessionID,
		Resumed:   run.invocation.Options.ResumptionToken != "",
	}); err != nil {
		logrus.WithError(err).Warn("failed to record completion_started event")
	}
}

func (s *Service) journalDone(ctx context.Context, run *completionRun, strategy domain.StrategyName, reason domain.FinishReason, usage domain.Usage) {
	if !run.journaled {
		return
	}
	// the request context may already be cancelled by the time a stream ends
	ctx = context.WithoutCancel(ctx)
	if err := s.journal.UpdateCompletionResult(ctx, run.id, domain.CompletionStatusDone, strategy, nil); err != nil {
		logrus.WithError(err).Warn("failed to update completion")
	}
	if err := s.recordEvent(ctx, run.id, domain.EventTypeCompletionDone, domain.CompletionDonePayload{
		Strategy:         strategy,
		FinishReason:     reason,
		LatencyMs:        s.now().Sub(run.created).Milliseconds(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}); err != nil {
		logrus.WithError(err).Warn("failed to record completion_done event")
	}
}

func (s *Service) journalFailed(ctx context.Context, run *completionRun, strategy domain.StrategyName, invErr *domain.InvocationError) {
	if !run.journaled {
		return
	}
	ctx = context.WithoutCancel(ctx)
	payload := domain.CompletionFailedPayload{
		Kind:      invErr.Kind,
		Message:   invErr.Message,
		ExitCode:  invErr.ExitCode,
		LatencyMs: s.now().Sub(run.created).Milliseconds(),
	}
	errData, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).Warn("failed to marshal completion error")
	}
	if err := s.journal.UpdateCompletionResult(ctx, run.id, domain.CompletionStatusFailed, strategy, errData); err != nil {
		logrus.WithError(err).Warn("failed to update completion")
	}
	if err := s.recordEvent(ctx, run.id, domain.EventTypeCompletionFailed, payload); err != nil {
		logrus.WithError(err).Warn("failed to record completion_failed event")
	}
}

// GetCompletionEvents retrieves the journal events of a completion.
func (s *Service) GetCompletionEvents(ctx context.Context, completionID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	completion, err := s.journal.GetCompletion(ctx, completionID)
	if err != nil {
		return nil, err
	}
	if completion == nil {
		return nil, domain.ErrCompletionNotFound
	}
	return s.journal.GetEvents(ctx, completionID, afterTs, types, limit)
}

// GetCompletion retrieves the journal record of a completion.
func (s *Service) GetCompletion(ctx context.Context, completionID string) (*domain.Completion, error) {
	completion, err := s.journal.GetCompletion(ctx, completionID)
	if err != nil {
		return nil, err
	}
	if completion == nil {
		return nil, domain.ErrCompletionNotFound
	}
	return completion, nil
}

// asInvocationError converts any failure into the typed form used for
// journaling and HTTP mapping.
func asInvocationError(err error) *domain.InvocationError {
	var invErr *domain.InvocationError
	if errors.As(err, &invErr) {
		return invErr
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewInvocationError(domain.FailureCancelled, "request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewInvocationError(domain.FailureTimeout, "request deadline exceeded", err)
	}
	return domain.NewInvocationError(domain.FailureExecution, err.Error(), err)
}
