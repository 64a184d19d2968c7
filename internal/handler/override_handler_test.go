package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
)

type overrideServiceMock struct {
	entry     *models.RosterEntry
	err       error
	sessionID string
	userID    string
	decision  models.RosterStatus
}

func (m *overrideServiceMock) Override(ctx context.Context, sessionID, userID string, req dto.OverrideRequest, actor *models.JWTClaims) (*models.RosterEntry, error) {
	m.sessionID = sessionID
	m.userID = userID
	m.decision = req.Decision
	return m.entry, m.err
}

func TestOverrideHandlerOverride(t *testing.T) {
	mockSvc := &overrideServiceMock{entry: &models.RosterEntry{SessionID: "sess-1", UserID: "s1", Status: models.RosterStatusOverriddenPresent}}
	handler := NewOverrideHandler(mockSvc)

	c, w := newGinContext(http.MethodPut, "/sessions/sess-1/roster/s1/override", []byte(`{"decision":"overridden_present"}`))
	c.Params = gin.Params{{Key: "id", Value: "sess-1"}, {Key: "userId", Value: "s1"}}
	c.Set(middleware.ContextUserKey, teacherClaims())

	handler.Override(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", mockSvc.sessionID)
	assert.Equal(t, "s1", mockSvc.userID)
	assert.Equal(t, models.RosterStatusOverriddenPresent, mockSvc.decision)
}

func TestOverrideHandlerInvalidDecision(t *testing.T) {
	mockSvc := &overrideServiceMock{err: appErrors.Clone(appErrors.ErrInvalidInput, "decision must be overridden_present or overridden_absent")}
	handler := NewOverrideHandler(mockSvc)

	c, w := newGinContext(http.MethodPut, "/sessions/sess-1/roster/s1/override", []byte(`{"decision":"uploaded"}`))
	c.Set(middleware.ContextUserKey, teacherClaims())

	handler.Override(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, w))
}
