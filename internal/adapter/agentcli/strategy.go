package agentcli

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/tempfile"
	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Strategy decides how a rendered prompt reaches the agent process.
type Strategy interface {
	Name() domain.StrategyName
	// Prepare returns the process input for prompt. The caller must call
	// Release on the returned Input once the process has exited.
	Prepare(ctx context.Context, prompt string) (*Input, error)
}

// Input is the prepared prompt delivery for one process.
type Input struct {
	Strategy domain.StrategyName
	// Args are appended after the flag set.
	Args []string
	// Stdin is connected to the process standard input; nil means no input.
	Stdin io.Reader

	once    sync.Once
	release func()
}

// Release frees any resource held for the input. Safe to call more than once.
func (in *Input) Release() {
	in.once.Do(func() {
		if in.release != nil {
			in.release()
		}
	})
}

// InlineStrategy passes the prompt as the final process argument.
type InlineStrategy struct{}

func (InlineStrategy) Name() domain.StrategyName { return domain.StrategyInline }

func (InlineStrategy) Prepare(_ context.Context, prompt string) (*Input, error) {
	return &Input{Strategy: domain.StrategyInline, Args: []string{prompt}}, nil
}

// FileStrategy writes the prompt to a temp file and redirects stdin from it.
type FileStrategy struct {
	temp *tempfile.Manager
	// maxInline bounds the inline fallback used when the temp file fails.
	maxInline int
}

// NewFileStrategy creates a FileStrategy backed by temp.
func NewFileStrategy(temp *tempfile.Manager, maxInline int) *FileStrategy {
	return &FileStrategy{temp: temp, maxInline: maxInline}
}

func (s *FileStrategy) Name() domain.StrategyName { return domain.StrategyFile }

func (s *FileStrategy) Prepare(ctx context.Context, prompt string) (*Input, error) {
	handle, err := s.temp.Acquire(ctx, prompt)
	if err != nil {
		return s.fallback(ctx, prompt, err)
	}

	f, err := handle.Open()
	if err != nil {
		s.temp.Release(handle)
		return s.fallback(ctx, prompt, domain.NewInvocationError(domain.FailureResource, "failed to open temp file", err))
	}

	return &Input{
		Strategy: domain.StrategyFile,
		Stdin:    f,
		release: func() {
			f.Close()
			s.temp.Release(handle)
		},
	}, nil
}

func (s *FileStrategy) fallback(ctx context.Context, prompt string, cause error) (*Input, error) {
	var invErr *domain.InvocationError
	if !errors.As(cause, &invErr) || invErr.Kind != domain.FailureResource {
		return nil, cause
	}
	if len(prompt) > s.maxInline {
		return nil, domain.NewInvocationError(domain.FailureExecution,
			"prompt too large for inline input and temp file unavailable", cause)
	}
	logrus.WithError(cause).WithField("prompt_bytes", len(prompt)).
		Warn("temp file unavailable, falling back to inline prompt")
	return InlineStrategy{}.Prepare(ctx, prompt)
}

// Selector picks a Strategy by prompt size. Prompts of at most threshold
// bytes go inline; anything strictly larger is redirected from a file.
type Selector struct {
	threshold int
	inline    Strategy
	file      Strategy
}

// NewSelector creates a Selector.
func NewSelector(threshold int, inline, file Strategy) *Selector {
	return &Selector{threshold: threshold, inline: inline, file: file}
}

// Threshold returns the inline size limit in bytes.
func (s *Selector) Threshold() int {
	return s.threshold
}

// Choose returns the strategy for prompt.
func (s *Selector) Choose(prompt string) Strategy {
	if len(prompt) > s.threshold {
		return s.file
	}
	return s.inline
}
