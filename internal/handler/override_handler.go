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

type overrideService interface {
	Override(ctx context.Context, sessionID, userID string, req dto.OverrideRequest, actor *models.JWTClaims) (*models.RosterEntry, error)
}

// OverrideHandler exposes the teacher's manual attendance decisions.
type OverrideHandler struct {
	overrides overrideService
}

// NewOverrideHandler constructs an OverrideHandler.
func NewOverrideHandler(overrides overrideService) *OverrideHandler {
	return &OverrideHandler{overrides: overrides}
}

// Override godoc
// @Summary Override student attendance
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param userId path string true "Student user ID"
// @Param payload body dto.OverrideRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /sessions/{id}/roster/{userId}/override [put]
func (h *OverrideHandler) Override(c *gin.Context) {
	var req dto.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid payload"))
		return
	}
	entry, err := h.overrides.Override(c.Request.Context(), c.Param("id"), c.Param("userId"), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}
