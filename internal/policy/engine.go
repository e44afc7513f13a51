// Package policy decides the agent tool flags for a completion with an OPA
// rego policy.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/sirupsen/logrus"
)

// Input is the document the policy is evaluated against.
type Input struct {
	EnableTools bool   `json:"enable_tools"`
	Model       string `json:"model"`
}

// Decision is the tool configuration the policy produced.
type Decision struct {
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	MaxTurns        int      `json:"max_turns"`
	PermissionMode  string   `json:"permission_mode"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.agent_policy.decision"),
		rego.Module("agent_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy at path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	logrus.WithField("path", path).Info("loaded agent policy")
	return NewEngine(ctx, string(content))
}

// Evaluate returns the tool decision for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// undefined decision: no tool restrictions beyond the agent's own
		return &Decision{}, nil
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy decision: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, fmt.Errorf("unexpected policy decision %s: %w", raw, err)
	}
	return &decision, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package agent_policy

builtin_tools := [
	"Bash", "Edit", "Glob", "Grep", "LS", "MultiEdit", "NotebookEdit",
	"Read", "Task", "TodoWrite", "WebFetch", "WebSearch", "Write"
]

default decision = {
	"allowed_tools": [],
	"disallowed_tools": [],
	"max_turns": 1,
	"permission_mode": ""
}

# Plain chat: no tools, single turn.
decision = {
	"allowed_tools": [],
	"disallowed_tools": builtin_tools,
	"max_turns": 1,
	"permission_mode": ""
} {
	not input.enable_tools
}

decision = {
	"allowed_tools": [],
	"disallowed_tools": [],
	"max_turns": 10,
	"permission_mode": "bypassPermissions"
} {
	input.enable_tools
}
`
