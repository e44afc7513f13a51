package agentcli

import (
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// OutputFormat selects how the agent process prints its answer.
type OutputFormat string

const (
	OutputText       OutputFormat = "text"
	OutputJSON       OutputFormat = "json"
	OutputStreamJSON OutputFormat = "stream-json"
)

// BuildArgs returns the flag set for req. The order is fixed so identical
// requests always produce identical command lines. The prompt itself is not
// included; strategies append it or redirect stdin.
func BuildArgs(req *domain.InvocationRequest, format OutputFormat) []string {
	args := []string{"-p", "--output-format", string(format)}
	if format == OutputStreamJSON {
		args = append(args, "--verbose", "--include-partial-messages")
	}

	opts := req.Options
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(opts.MaxThinkingTokens))
	}
	if opts.ResumptionToken != "" {
		args = append(args, "--resume", opts.ResumptionToken)
	}
	return args
}
