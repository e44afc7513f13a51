package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

const (
	defaultWaitDelay = 2 * time.Second
	textReadSize     = 4096
)

// CLIAgent executes the agent binary.
type CLIAgent struct {
	binary       *binaryResolver
	selector     *Selector
	timeout      time.Duration
	streamFormat OutputFormat
	workingDir   string
	waitDelay    time.Duration
	tracer       trace.Tracer
}

// Options configures a CLIAgent.
type Options struct {
	Binary     string
	Selector   *Selector
	Timeout    time.Duration
	WorkingDir string
	// StreamFormat is OutputStreamJSON or OutputText.
	StreamFormat OutputFormat
}

// NewCLIAgent creates a CLIAgent.
func NewCLIAgent(opts Options) *CLIAgent {
	format := opts.StreamFormat
	if format == "" {
		format = OutputStreamJSON
	}
	return &CLIAgent{
		binary:       newBinaryResolver(opts.Binary),
		selector:     opts.Selector,
		timeout:      opts.Timeout,
		streamFormat: format,
		workingDir:   opts.WorkingDir,
		waitDelay:    defaultWaitDelay,
		tracer:       otel.Tracer("agentbridge/agentcli"),
	}
}

// Invoke runs the agent to completion and parses its JSON result.
func (a *CLIAgent) Invoke(ctx context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error) {
	strategy := a.selector.Choose(req.Prompt)
	ctx, span := a.tracer.Start(ctx, "agentcli.invoke", trace.WithAttributes(
		attribute.String("agent.model", req.Model),
		attribute.String("agent.strategy", string(strategy.Name())),
		attribute.Int("agent.prompt_bytes", len(req.Prompt)),
	))
	defer span.End()

	input, err := strategy.Prepare(ctx, req.Prompt)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer input.Release()

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd, err := a.start(runCtx, req, OutputJSON, input, &stdout, &stderr)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	waitErr := cmd.Wait()

	if err := classify(runCtx, waitErr, stderr.String(), stdout.String()); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if strings.TrimSpace(stdout.String()) == "" {
		err := domain.NewInvocationError(domain.FailureEmptyResponse, "agent exited successfully without output", nil)
		recordSpanError(span, err)
		return nil, err
	}

	result, err := ParseResult(stdout.String())
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	result.Strategy = input.Strategy
	span.SetAttributes(attribute.String("agent.finish_reason", string(result.FinishReason)))
	return result, nil
}

// Stream starts the agent with incremental output and returns its fragments.
// The channel is closed only after the process has exited and its input has
// been released.
func (a *CLIAgent) Stream(ctx context.Context, req *domain.InvocationRequest) (*Stream, error) {
	strategy := a.selector.Choose(req.Prompt)
	input, err := strategy.Prepare(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	var stderr bytes.Buffer
	cmd, stdout, err := a.startStreaming(runCtx, req, input, &stderr)
	if err != nil {
		cancel()
		input.Release()
		return nil, err
	}

	out := make(chan domain.StreamFragment)
	go func() {
		defer close(out)

		_, span := a.tracer.Start(ctx, "agentcli.stream", trace.WithAttributes(
			attribute.String("agent.model", req.Model),
			attribute.String("agent.strategy", string(input.Strategy)),
			attribute.Int("agent.prompt_bytes", len(req.Prompt)),
		))
		defer span.End()

		send := func(f domain.StreamFragment) bool {
			select {
			case out <- f:
				return true
			case <-runCtx.Done():
				return false
			}
		}

		var terminal domain.StreamFragment
		if a.streamFormat == OutputText {
			terminal = a.pumpText(stdout, send)
		} else {
			terminal = a.pumpStreamJSON(stdout, send)
		}
		waitErr := cmd.Wait()

		if err := classify(runCtx, waitErr, stderr.String(), ""); err != nil {
			var invErr *domain.InvocationError
			errors.As(err, &invErr)
			terminal = domain.ErrorFragment(invErr)
		}
		if terminal.Kind == domain.FragmentError {
			recordSpanError(span, terminal.Err)
		}

		// the prompt file is gone before the consumer can observe the end
		cancel()
		input.Release()

		select {
		case out <- terminal:
		case <-ctx.Done():
		}
	}()

	return &Stream{Fragments: out, Strategy: input.Strategy}, nil
}

// pumpStreamJSON forwards text from stream-json lines and returns the
// terminal fragment implied by the output alone.
func (a *CLIAgent) pumpStreamJSON(stdout io.Reader, send func(domain.StreamFragment) bool) domain.StreamFragment {
	parser := &streamParser{}
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		for _, text := range parser.Feed(line) {
			if !send(domain.TextFragment(text)) {
				return cancelledFragment()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).Warn("agent stdout read failed")
			}
			break
		}
	}
	if text := parser.FallbackText(); text != "" {
		if !send(domain.TextFragment(text)) {
			return cancelledFragment()
		}
	}
	return parser.Terminal()
}

// pumpText forwards raw stdout reads. Only an incomplete trailing UTF-8
// sequence is held back until the next read completes it.
func (a *CLIAgent) pumpText(stdout io.Reader, send func(domain.StreamFragment) bool) domain.StreamFragment {
	buf := make([]byte, textReadSize)
	var pending []byte
	emitted := false
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := validPrefix(pending)
			if cut > 0 {
				if !send(domain.TextFragment(string(pending[:cut]))) {
					return cancelledFragment()
				}
				emitted = true
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).Warn("agent stdout read failed")
			}
			break
		}
	}
	if len(pending) > 0 {
		if !send(domain.TextFragment(strings.ToValidUTF8(string(pending), "�"))) {
			return cancelledFragment()
		}
		emitted = true
	}
	if !emitted {
		return domain.ErrorFragment(domain.NewInvocationError(domain.FailureEmptyResponse, "agent produced no output", nil))
	}
	return domain.CompletedFragment(domain.FinishReasonStop, "", nil)
}

// validPrefix returns the length of b without a trailing partial rune.
func validPrefix(b []byte) int {
	end := len(b)
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			end = start
		}
		break
	}
	return end
}

func cancelledFragment() domain.StreamFragment {
	return domain.ErrorFragment(domain.NewInvocationError(domain.FailureCancelled, "stream cancelled", context.Canceled))
}

// start launches the process with buffered output, retrying once when the
// cached binary location has gone stale.
func (a *CLIAgent) start(ctx context.Context, req *domain.InvocationRequest, format OutputFormat, input *Input, stdout, stderr io.Writer) (*exec.Cmd, error) {
	for attempt := 0; ; attempt++ {
		path, err := a.binary.Resolve()
		if err != nil {
			return nil, domain.NewInvocationError(domain.FailureExecution, "agent binary not found", err)
		}
		cmd := a.command(ctx, path, BuildArgs(req, format), input, req)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			if isNotFound(err) && attempt == 0 {
				a.binary.Invalidate()
				continue
			}
			return nil, domain.NewInvocationError(domain.FailureExecution, "failed to start agent", err)
		}
		return cmd, nil
	}
}

func (a *CLIAgent) startStreaming(ctx context.Context, req *domain.InvocationRequest, input *Input, stderr io.Writer) (*exec.Cmd, io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		path, err := a.binary.Resolve()
		if err != nil {
			return nil, nil, domain.NewInvocationError(domain.FailureExecution, "agent binary not found", err)
		}
		cmd := a.command(ctx, path, BuildArgs(req, a.streamFormat), input, req)
		cmd.Stderr = stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, domain.NewInvocationError(domain.FailureExecution, "failed to create stdout pipe", err)
		}
		if err := cmd.Start(); err != nil {
			if isNotFound(err) && attempt == 0 {
				a.binary.Invalidate()
				continue
			}
			return nil, nil, domain.NewInvocationError(domain.FailureExecution, "failed to start agent", err)
		}
		return cmd, stdout, nil
	}
}

func (a *CLIAgent) command(ctx context.Context, path string, args []string, input *Input, req *domain.InvocationRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, append(args, input.Args...)...)
	if input.Stdin != nil {
		cmd.Stdin = input.Stdin
	}
	cmd.Dir = a.workingDir
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	cmd.WaitDelay = a.waitDelay
	return cmd
}

// classify maps a finished process into a typed failure, or nil on success.
func classify(ctx context.Context, waitErr error, stderr, stdout string) error {
	if waitErr == nil {
		return nil
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return domain.NewInvocationError(domain.FailureTimeout, "agent exceeded its time budget", waitErr)
	case context.Canceled:
		return domain.NewInvocationError(domain.FailureCancelled, "invocation cancelled", waitErr)
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return domain.NewInvocationError(domain.FailureExecution, "agent process failed", waitErr)
	}

	diagnostic := strings.TrimSpace(stderr)
	if diagnostic == "" {
		diagnostic = strings.TrimSpace(stdout)
	}
	if isAuthFailure(diagnostic) {
		return &domain.InvocationError{
			Kind:    domain.FailureAuthentication,
			Message: firstLine(diagnostic),
			Err:     waitErr,
		}
	}
	msg := firstLine(diagnostic)
	if msg == "" {
		msg = "agent exited with a failure status"
	}
	invErr := domain.NewExecutionError(exitErr.ExitCode(), msg)
	invErr.Err = waitErr
	return invErr
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
