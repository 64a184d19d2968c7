package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/repository"
	"github.com/noah-isme/geoattend-api/pkg/storage"
)

const (
	anchorLat = -6.200000
	anchorLon = 106.816666
	// roughly 2.2m and 111m north of the anchor
	nearLat = -6.199980
	farLat  = -6.199000
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RosterEvent
}

func (p *recordingPublisher) Publish(topic string, evt models.RosterEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) snapshot() []models.RosterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RosterEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) kinds() []models.RosterEventKind {
	events := p.snapshot()
	out := make([]models.RosterEventKind, len(events))
	for i, evt := range events {
		out[i] = evt.Kind
	}
	return out
}

type linkerStub struct {
	urls map[string]string
}

func (l linkerStub) PhotoURL(ref string) (*string, error) {
	if url, ok := l.urls[ref]; ok {
		return &url, nil
	}
	return nil, nil
}

type harness struct {
	store     *repository.MemorySessionStore
	events    *recordingPublisher
	sessions  *SessionService
	checkins  *CheckInService
	overrides *OverrideService
	signer    *storage.SignedURLSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemorySessionStore()
	events := &recordingPublisher{}
	validate := validator.New()
	signer := storage.NewSignedURLSigner("upload-secret", 5*time.Minute)
	sessions := NewSessionService(store, events, linkerStub{urls: map[string]string{}}, NewMetricsService(), validate, zap.NewNop(), SessionConfig{
		DefaultExpiryMinutes: 10,
		MaxExpiryMinutes:     60,
	})
	return &harness{
		store:     store,
		events:    events,
		sessions:  sessions,
		checkins:  NewCheckInService(sessions, store, events, signer, NewMetricsService(), validate, zap.NewNop()),
		overrides: NewOverrideService(sessions, store, events, NewMetricsService(), validate, zap.NewNop()),
		signer:    signer,
	}
}

func teacherClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleTeacher, FullName: "Teacher " + id}
}

func studentClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent, FullName: "Student " + id}
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func (h *harness) openSession(t *testing.T, teacher string) *models.Session {
	t.Helper()
	session, err := h.sessions.Create(context.Background(), dto.CreateSessionRequest{
		Latitude:  floatPtr(anchorLat),
		Longitude: floatPtr(anchorLon),
	}, teacherClaims(teacher))
	require.NoError(t, err)
	return session
}

func (h *harness) ping(sessionID, student string, lat float64) (*dto.LocationResult, error) {
	return h.checkins.SubmitLocation(context.Background(), sessionID, dto.SubmitLocationRequest{
		Latitude:  floatPtr(lat),
		Longitude: floatPtr(anchorLon),
	}, studentClaims(student))
}

func overridePresent() dto.OverrideRequest {
	return dto.OverrideRequest{Decision: models.RosterStatusOverriddenPresent}
}

func photoRef(sessionID, student string) string {
	return "sessions/" + sessionID + "/" + student + "/selfie.jpg"
}
