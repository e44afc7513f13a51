// Package agentcli runs the external command-line agent, one process per
// invocation, and converts its output into domain results and fragments.
package agentcli

import (
	"context"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Agent defines the operations the orchestrator needs from an agent backend.
type Agent interface {
	// Invoke runs one blocking invocation and returns its parsed output.
	// Failures are *domain.InvocationError values.
	Invoke(ctx context.Context, req *domain.InvocationRequest) (*domain.InvocationResult, error)

	// Stream starts one invocation and returns its fragment feed. Errors that
	// occur before the process is running are returned directly; everything
	// later arrives as the stream's terminal fragment.
	Stream(ctx context.Context, req *domain.InvocationRequest) (*Stream, error)
}

// Stream is a running streaming invocation. Fragments delivers text in
// arrival order followed by exactly one Completed or Error fragment, then
// closes. The process is killed when the context passed to Agent.Stream is
// cancelled.
type Stream struct {
	Fragments <-chan domain.StreamFragment
	Strategy  domain.StrategyName
}

// Ensure CLIAgent implements Agent interface.
var _ Agent = (*CLIAgent)(nil)
