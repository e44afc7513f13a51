package chat

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Per-request overrides of the tool policy.
const (
	HeaderMaxTurns          = "X-Claude-Max-Turns"
	HeaderAllowedTools      = "X-Claude-Allowed-Tools"
	HeaderDisallowedTools   = "X-Claude-Disallowed-Tools"
	HeaderPermissionMode    = "X-Claude-Permission-Mode"
	HeaderMaxThinkingTokens = "X-Claude-Max-Thinking-Tokens"
)

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

func parseOverrides(h http.Header) (domain.InvocationOverrides, error) {
	var o domain.InvocationOverrides
	var err error

	if o.MaxTurns, err = positiveInt(h, HeaderMaxTurns); err != nil {
		return o, err
	}
	if o.MaxThinkingTokens, err = positiveInt(h, HeaderMaxThinkingTokens); err != nil {
		return o, err
	}
	o.AllowedTools = toolList(h.Get(HeaderAllowedTools))
	o.DisallowedTools = toolList(h.Get(HeaderDisallowedTools))

	if mode := strings.TrimSpace(h.Get(HeaderPermissionMode)); mode != "" {
		if !permissionModes[mode] {
			return o, domain.NewInvocationError(domain.FailureValidation,
				fmt.Sprintf("%s must be one of default, acceptEdits, bypassPermissions, plan", HeaderPermissionMode), nil)
		}
		o.PermissionMode = mode
	}
	return o, nil
}

func positiveInt(h http.Header, name string) (int, error) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.NewInvocationError(domain.FailureValidation,
			fmt.Sprintf("%s must be a positive integer", name), err)
	}
	return n, nil
}

// toolList splits a comma separated header value, dropping blanks.
func toolList(raw string) []string {
	var tools []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return tools
}
