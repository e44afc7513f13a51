// Package chat serves the OpenAI-compatible chat completion endpoints.
package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
	"github.com/xiaot623/gogo/agentbridge/internal/service"
	"github.com/xiaot623/gogo/agentbridge/internal/streaming"
	"github.com/xiaot623/gogo/agentbridge/internal/validator"
)

// Handler handles chat completion HTTP requests.
type Handler struct {
	service   *service.Service
	validator validator.Validator
}

// NewHandler creates a new chat completion handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers chat completion routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// OpenAI-compatible endpoints
	e.POST("/v1/chat/completions", h.ChatCompletions)
	e.GET("/v1/chat/completions/ws", h.ChatCompletionsWS)
	e.GET("/v1/models", h.ListModels)
}

// ChatCompletions handles chat completion requests.
// POST /v1/chat/completions
func (h *Handler) ChatCompletions(c echo.Context) error {
	ctx := c.Request().Context()

	var req openai.ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, openai.ErrorResponse{
			Error: &openai.APIError{
				Message: "invalid request body",
				Type:    "invalid_request_error",
				Code:    string(domain.FailureValidation),
			},
		})
	}

	creq, err := h.parseRequest(&req, c.Request().Header)
	if err != nil {
		return writeError(c, err)
	}

	if creq.Stream {
		return h.handleStreamingRequest(c, ctx, creq)
	}

	return h.handleNonStreamingRequest(c, ctx, creq)
}

// parseRequest validates a decoded request and converts it for the service.
func (h *Handler) parseRequest(req *openai.ChatCompletionRequest, header http.Header) (*domain.CompletionRequest, error) {
	if err := h.validator.ValidateStruct(req); err != nil {
		return nil, err
	}
	overrides, err := parseOverrides(header)
	if err != nil {
		return nil, err
	}
	return &domain.CompletionRequest{
		Model:       req.Model,
		Messages:    openai.ToTurns(req.Messages),
		Stream:      req.Stream,
		SessionID:   req.SessionID,
		EnableTools: req.EnableTools,
		Overrides:   overrides,
	}, nil
}

// handleNonStreamingRequest handles non-streaming chat completion requests.
func (h *Handler) handleNonStreamingRequest(c echo.Context, ctx context.Context, req *domain.CompletionRequest) error {
	res, err := h.service.Complete(ctx, req)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, openai.NewChatCompletionResponse(res))
}

// handleStreamingRequest handles streaming chat completion requests. The
// response is committed by the first event, so failures before that still
// get a regular JSON error with a matching status.
func (h *Handler) handleStreamingRequest(c echo.Context, ctx context.Context, req *domain.CompletionRequest) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")

	sink, err := streaming.NewSSEWriter(resp)
	if err != nil {
		resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return c.JSON(http.StatusInternalServerError, openai.ErrorResponse{
			Error: &openai.APIError{
				Message: "streaming not supported",
				Type:    "api_error",
			},
		})
	}

	err = h.service.StreamCompletion(ctx, req, sink)
	if err == nil {
		return nil
	}
	if !resp.Committed {
		resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return writeError(c, err)
	}

	// Can't change status code after writing response; the error already
	// went out as the stream's last event.
	logrus.WithError(err).WithField("session_id", req.SessionID).Debug("streaming completion ended with error")
	return nil
}

// ListModels handles the models list request.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, openai.ModelsResponse{
		Object: openai.ObjectList,
		Data:   h.service.ListModels(),
	})
}

// writeError renders err as an OpenAI error object with the status of its kind.
func writeError(c echo.Context, err error) error {
	var invErr *domain.InvocationError
	if !errors.As(err, &invErr) {
		invErr = domain.NewInvocationError(domain.FailureExecution, err.Error(), err)
	}

	apiErr := &openai.APIError{
		Message: invErr.Message,
		Type:    errorType(invErr.Kind),
		Code:    string(invErr.Kind),
	}
	if invErr.Kind == domain.FailureValidation {
		apiErr.Param = validator.Field(err)
	}
	return c.JSON(StatusFor(invErr.Kind), openai.ErrorResponse{Error: apiErr})
}

// statusClientClosedRequest is the nginx convention for a client that went away.
const statusClientClosedRequest = 499

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(kind domain.FailureKind) int {
	switch kind {
	case domain.FailureValidation:
		return http.StatusBadRequest
	case domain.FailureAuthentication:
		return http.StatusUnauthorized
	case domain.FailureTimeout:
		return http.StatusGatewayTimeout
	case domain.FailureEmptyResponse, domain.FailureExecution, domain.FailureStreaming:
		return http.StatusBadGateway
	case domain.FailureCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorType(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureValidation:
		return "invalid_request_error"
	case domain.FailureAuthentication:
		return "authentication_error"
	default:
		return "api_error"
	}
}
