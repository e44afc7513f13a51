package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// ListSessions lists live sessions.
// GET /v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions := h.service.ListSessions()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// GetSessionStats reports session store occupancy.
// GET /v1/sessions/stats
func (h *Handler) GetSessionStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.SessionStats())
}

// GetSession returns one session with its turns.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	sess, err := h.service.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, sess)
}

// DeleteSession drops a session.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	if err := h.service.DeleteSession(sessionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"session_id": sessionID,
	})
}
