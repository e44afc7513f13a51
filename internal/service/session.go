package service

import (
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
)

// ListSessions lists every live session.
func (s *Service) ListSessions() []domain.SessionSummary {
	return s.sessions.List()
}

// GetSession returns a live session including its turns.
func (s *Service) GetSession(id string) (*domain.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &sess, nil
}

// DeleteSession drops a session.
func (s *Service) DeleteSession(id string) error {
	if !s.sessions.Delete(id) {
		return domain.ErrSessionNotFound
	}
	logrus.WithField("session_id", id).Info("session deleted")
	return nil
}

// SessionStats reports store occupancy.
func (s *Service) SessionStats() domain.SessionStats {
	return s.sessions.Stats()
}

// ListModels returns the configured model ids. Requests are not checked
// against this list; the agent decides which models it accepts.
func (s *Service) ListModels() []openai.Model {
	created := s.now().Unix()
	models := make([]openai.Model, 0, len(s.models))
	for _, id := range s.models {
		models = append(models, openai.Model{
			ID:      id,
			Object:  openai.ObjectModel,
			Created: created,
			OwnedBy: "anthropic",
		})
	}
	return models
}
