package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
	"github.com/xiaot623/gogo/agentbridge/internal/openai"
)

const (
	wsMaxMessageSize = 16 << 20
	wsWriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same policy as the CORS middleware on the HTTP routes.
		return true
	},
}

// wsSink writes every stream event as one text frame.
type wsSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	written int
}

func (s *wsSink) WriteEvent(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.written++
	return nil
}

func (s *wsSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// ChatCompletionsWS serves streaming completions over a WebSocket. Each text
// message is a chat completion request; it is answered with chunk frames
// and a closing [DONE] frame. Requests on one connection run in order.
// GET /v1/chat/completions/ws
func (h *Handler) ChatCompletionsWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logrus.WithError(err).Warn("failed to upgrade websocket")
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	ctx := c.Request().Context()
	sink := &wsSink{conn: conn}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Warn("websocket read failed")
			}
			return nil
		}
		if err := h.serveWSMessage(ctx, sink, message); err != nil {
			logrus.WithError(err).Debug("websocket closed while streaming")
			return nil
		}
	}
}

// serveWSMessage handles one request frame. It returns an error only when
// the connection can no longer be written to.
func (h *Handler) serveWSMessage(ctx context.Context, sink *wsSink, message []byte) error {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return writeWSError(sink, domain.NewInvocationError(domain.FailureValidation, "invalid request body", err))
	}
	// the socket only speaks the streaming protocol
	req.Stream = true

	creq, err := h.parseRequest(&req, nil)
	if err != nil {
		return writeWSError(sink, err)
	}

	before := sink.count()
	err = h.service.StreamCompletion(ctx, creq, sink)
	if err == nil {
		return nil
	}
	var invErr *domain.InvocationError
	if errors.As(err, &invErr) && invErr.Kind == domain.FailureCancelled {
		return err
	}
	if sink.count() == before {
		// failed before the stream started
		return writeWSError(sink, err)
	}
	return nil
}

func writeWSError(sink *wsSink, err error) error {
	var invErr *domain.InvocationError
	if !errors.As(err, &invErr) {
		invErr = domain.NewInvocationError(domain.FailureExecution, err.Error(), err)
	}
	data, mErr := json.Marshal(openai.ErrorResponse{Error: &openai.APIError{
		Message: invErr.Message,
		Type:    errorType(invErr.Kind),
		Code:    string(invErr.Kind),
	}})
	if mErr != nil {
		return mErr
	}
	if err := sink.WriteEvent(data); err != nil {
		return err
	}
	return sink.WriteEvent([]byte(openai.DoneSentinel))
}
