package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// GetCompletion returns the journal record of a completion.
// GET /v1/completions/:completion_id
func (h *Handler) GetCompletion(c echo.Context) error {
	completion, err := h.service.GetCompletion(c.Request().Context(), c.Param("completion_id"))
	if err != nil {
		if errors.Is(err, domain.ErrCompletionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "completion not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, completion)
}

// GetCompletionEvents retrieves journal events for a completion.
// GET /v1/completions/:completion_id/events?after_ts=&types=a,b&limit=
func (h *Handler) GetCompletionEvents(c echo.Context) error {
	completionID := c.Param("completion_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	ctx := c.Request().Context()

	events, err := h.service.GetCompletionEvents(ctx, completionID, afterTs, types, limit)
	if err != nil {
		if errors.Is(err, domain.ErrCompletionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "completion not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if events == nil {
		events = []domain.Event{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
