package agentcli

import (
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/tempfile"
	"github.com/xiaot623/gogo/agentbridge/internal/config"
)

// NewAgent creates an Agent based on the configured mode.
// If mode is MOCK, returns a MockAgent; otherwise returns a CLIAgent.
func NewAgent(cfg *config.Config, temp *tempfile.Manager) Agent {
	if cfg.IsMock() {
		logrus.Info("mode=MOCK detected, using mock agent")
		return NewMockAgent()
	}

	selector := NewSelector(
		cfg.Invocation.FileInputThreshold,
		InlineStrategy{},
		NewFileStrategy(temp, cfg.Invocation.MaxInlineBytes),
	)
	return NewCLIAgent(Options{
		Binary:       cfg.Agent.Binary,
		Selector:     selector,
		Timeout:      cfg.Invocation.Timeout,
		WorkingDir:   cfg.Agent.WorkingDir,
		StreamFormat: OutputFormat(cfg.Invocation.StreamFormat),
	})
}
