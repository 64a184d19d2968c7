package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/service"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
)

type tokenValidatorStub map[string]*models.JWTClaims

func (s tokenValidatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

func newTestRouter(sessions *sessionServiceMock, checkins *checkInServiceMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	validator := tokenValidatorStub{
		"teacher-token": teacherClaims(),
		"student-token": studentClaims(),
	}
	RegisterRoutes(engine, "/api/v1", middleware.JWT(validator), Handlers{
		Sessions:  NewSessionHandler(sessions, &exporterMock{}),
		CheckIns:  NewCheckInHandler(checkins, nil, 0),
		Overrides: NewOverrideHandler(&overrideServiceMock{}),
		Photos:    NewPhotoHandler(&photoOpenerMock{err: appErrors.ErrNotFound}),
		Stream:    NewStreamHandler(nil, nil, nil, nil),
		Metrics:   NewMetricsHandler(service.NewMetricsService()),
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRouterRequiresToken(t *testing.T) {
	engine := newTestRouter(&sessionServiceMock{}, &checkInServiceMock{})

	w := doRequest(engine, http.MethodPost, "/api/v1/sessions", "", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(engine, http.MethodPost, "/api/v1/sessions", "forged", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterEnforcesRoles(t *testing.T) {
	sessions := &sessionServiceMock{created: &models.Session{ID: "sess-1"}}
	checkins := &checkInServiceMock{location: &dto.LocationResult{Status: models.RosterStatusTooFar}}
	engine := newTestRouter(sessions, checkins)
	location := []byte(`{"latitude":-6.2,"longitude":106.8}`)
	anchor := []byte(`{"latitude":-6.2,"longitude":106.8}`)

	w := doRequest(engine, http.MethodPost, "/api/v1/sessions", "student-token", anchor)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(engine, http.MethodPost, "/api/v1/sessions", "teacher-token", anchor)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(engine, http.MethodPost, "/api/v1/sessions/sess-1/location", "teacher-token", location)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(engine, http.MethodPost, "/api/v1/sessions/sess-1/location", "student-token", location)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", checkins.sessionID)
}

func TestRouterAcceptsQueryToken(t *testing.T) {
	sessions := &sessionServiceMock{view: &dto.TeacherView{Session: models.Session{ID: "sess-1"}}}
	engine := newTestRouter(sessions, &checkInServiceMock{})

	w := doRequest(engine, http.MethodGet, "/api/v1/sessions/sess-1?access_token=teacher-token", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t1", sessions.lastActor.UserID)
}

func TestRouterOpsEndpoints(t *testing.T) {
	engine := newTestRouter(&sessionServiceMock{}, &checkInServiceMock{})

	assert.Equal(t, http.StatusOK, doRequest(engine, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(engine, http.MethodGet, "/ready", "", nil).Code)
	metrics := doRequest(engine, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "goroutines_total")
	assert.Equal(t, http.StatusNotFound, doRequest(engine, http.MethodGet, "/api/v1/photos/abc", "", nil).Code)
}
