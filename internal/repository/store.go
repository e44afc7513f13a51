// Package repository persists the completion journal.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Journal defines the interface for completion bookkeeping.
type Journal interface {
	// Completion operations
	CreateCompletion(ctx context.Context, completion *domain.Completion) error
	GetCompletion(ctx context.Context, completionID string) (*domain.Completion, error)
	UpdateCompletionResult(ctx context.Context, completionID string, status domain.CompletionStatus, strategy domain.StrategyName, errData []byte) error
	ListCompletions(ctx context.Context, sessionID string, limit int) ([]domain.Completion, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, completionID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	Close() error
}

// Ensure SQLiteStore implements Journal interface.
var _ Journal = (*SQLiteStore)(nil)
