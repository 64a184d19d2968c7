package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/pkg/eventbus"
	"github.com/noah-isme/geoattend-api/pkg/response"
)

const streamWriteTimeout = 10 * time.Second

type streamSessions interface {
	Authorize(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error)
	TeacherView(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.TeacherView, error)
}

type topicSubscriber interface {
	Subscribe(topic string) *eventbus.Subscription
}

type streamMetrics interface {
	StreamOpened()
	StreamClosed()
}

// StreamHandler pushes live roster changes to the owning teacher over a websocket.
type StreamHandler struct {
	sessions streamSessions
	events   topicSubscriber
	metrics  streamMetrics
	logger   *zap.Logger
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(sessions streamSessions, events topicSubscriber, metrics streamMetrics, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{sessions: sessions, events: events, metrics: metrics, logger: logger}
}

// Stream godoc
// @Summary Subscribe to roster changes
// @Description Websocket. Sends one snapshot frame, then one event frame per roster change until the session ends.
// @Tags Sessions
// @Param id path string true "Session ID"
// @Param access_token query string false "Bearer token for clients that cannot set headers"
// @Success 101 {object} dto.StreamFrame
// @Failure 403 {object} response.Envelope
// @Router /sessions/{id}/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	actor := middleware.CurrentUser(c)
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.sessions.Authorize(ctx, sessionID, actor); err != nil {
		response.Error(c, err)
		return
	}

	// subscribe before reading the snapshot so nothing committed in between is lost
	sub := h.events.Subscribe(sessionID)
	defer sub.Close()
	view, err := h.sessions.TeacherView(ctx, sessionID, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	server := websocket.Server{
		// bearer auth already ran; browsers send arbitrary origins
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			h.serve(conn, sub, view)
		},
	}
	server.ServeHTTP(c.Writer, c.Request)
}

func (h *StreamHandler) serve(conn *websocket.Conn, sub *eventbus.Subscription, view *dto.TeacherView) {
	if h.metrics != nil {
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
	}
	defer conn.Close()

	log := h.logger.With(zap.String("session_id", view.Session.ID))
	if err := send(conn, dto.StreamFrame{Type: dto.StreamFrameSnapshot, Snapshot: view}); err != nil {
		log.Debug("stream snapshot failed", zap.Error(err))
		return
	}
	if view.Session.Status != models.SessionStatusOpen {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					log.Warn("stream subscriber dropped for lagging")
				}
				return
			}
			if err := send(conn, dto.StreamFrame{Type: dto.StreamFrameEvent, Event: &evt}); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
			if evt.Kind == models.EventSessionClosed {
				return
			}
		}
	}
}

func send(conn *websocket.Conn, frame dto.StreamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return websocket.JSON.Send(conn, frame)
}
