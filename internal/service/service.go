// Package service implements the completion orchestrator: it resolves the
// session, renders the prompt, runs the agent and records the outcome.
package service

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/agentcli"
	"github.com/xiaot623/gogo/agentbridge/internal/config"
	"github.com/xiaot623/gogo/agentbridge/internal/policy"
	"github.com/xiaot623/gogo/agentbridge/internal/repository"
	"github.com/xiaot623/gogo/agentbridge/internal/session"
	"github.com/xiaot623/gogo/agentbridge/internal/telemetry"
)

type Service struct {
	agent        agentcli.Agent
	sessions     *session.Store
	journal      repository.Journal
	policyEngine *policy.Engine
	metrics      *telemetry.Metrics
	models       []string
	workingDir   string
	tracer       trace.Tracer
	now          func() time.Time
}

func New(agent agentcli.Agent, sessions *session.Store, journal repository.Journal, policyEngine *policy.Engine, cfg *config.Config, metrics *telemetry.Metrics) *Service {
	return &Service{
		agent:        agent,
		sessions:     sessions,
		journal:      journal,
		policyEngine: policyEngine,
		metrics:      metrics,
		models:       cfg.Agent.Models,
		workingDir:   cfg.Agent.WorkingDir,
		tracer:       otel.Tracer("agentbridge/service"),
		now:          time.Now,
	}
}
