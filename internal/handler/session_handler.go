package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/response"
)

type sessionService interface {
	Create(ctx context.Context, req dto.CreateSessionRequest, actor *models.JWTClaims) (*models.Session, error)
	TeacherView(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.TeacherView, error)
	Close(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error)
}

type rosterExporter interface {
	Roster(ctx context.Context, sessionID string, format dto.ExportFormat, actor *models.JWTClaims) (*dto.ExportFile, error)
}

// SessionHandler exposes the teacher's session endpoints.
type SessionHandler struct {
	sessions sessionService
	exports  rosterExporter
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(sessions sessionService, exports rosterExporter) *SessionHandler {
	return &SessionHandler{sessions: sessions, exports: exports}
}

// Create godoc
// @Summary Open attendance session
// @Description Anchors a new session at the teacher's current position.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body dto.CreateSessionRequest true "Anchor position"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid payload"))
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, session)
}

// Get godoc
// @Summary Teacher view of a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	view, err := h.sessions.TeacherView(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Close godoc
// @Summary Close attendance session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/close [post]
func (h *SessionHandler) Close(c *gin.Context) {
	session, err := h.sessions.Close(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Export godoc
// @Summary Export session roster
// @Tags Sessions
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Param format query string false "csv or pdf" Enums(csv,pdf)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /sessions/{id}/export [get]
func (h *SessionHandler) Export(c *gin.Context) {
	format := dto.ExportFormat(c.DefaultQuery("format", string(dto.ExportFormatCSV)))
	file, err := h.exports.Roster(c.Request.Context(), c.Param("id"), format, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}
