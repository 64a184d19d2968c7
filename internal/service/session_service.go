package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/repository"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/geofence"
)

type sessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	ListRoster(ctx context.Context, sessionID string) ([]models.RosterEntry, error)
	GetRosterEntry(ctx context.Context, sessionID, userID string) (*models.RosterEntry, error)
	MutateRosterEntry(ctx context.Context, sessionID, userID string, mutate repository.RosterMutation, onCommit repository.CommitHook) (*models.RosterEntry, error)
}

type eventPublisher interface {
	Publish(topic string, evt models.RosterEvent)
}

type photoLinker interface {
	PhotoURL(ref string) (*string, error)
}

// emitter publishes roster events on the session topic and counts them.
type emitter struct {
	events  eventPublisher
	metrics *MetricsService
}

func (e emitter) emit(evt models.RosterEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(evt.SessionID, evt)
	e.metrics.RecordEvent(evt.Kind)
}

// SessionConfig bounds session lifetimes and the expiry sweep.
type SessionConfig struct {
	DefaultExpiryMinutes int
	MaxExpiryMinutes     int
	SweepInterval        time.Duration
}

// SessionService owns the session lifecycle and gates every roster entry point.
type SessionService struct {
	store     sessionStore
	emitter   emitter
	photos    photoLinker
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       SessionConfig
	now       func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(store sessionStore, events eventPublisher, photos photoLinker, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg SessionConfig) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxExpiryMinutes <= 0 {
		cfg.MaxExpiryMinutes = 240
	}
	if cfg.DefaultExpiryMinutes <= 0 || cfg.DefaultExpiryMinutes > cfg.MaxExpiryMinutes {
		cfg.DefaultExpiryMinutes = min(10, cfg.MaxExpiryMinutes)
	}
	return &SessionService{
		store:     store,
		emitter:   emitter{events: events, metrics: metrics},
		photos:    photos,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a session anchored at the teacher's position.
func (s *SessionService) Create(ctx context.Context, req dto.CreateSessionRequest, actor *models.JWTClaims) (*models.Session, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers can open sessions")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid session payload")
	}

	expiry := s.cfg.DefaultExpiryMinutes
	if req.ExpiryMinutes != nil {
		expiry = *req.ExpiryMinutes
	}
	if expiry <= 0 || expiry > s.cfg.MaxExpiryMinutes {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("expiry_minutes must be between 1 and %d", s.cfg.MaxExpiryMinutes))
	}

	anchor := geofence.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := anchor.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid anchor coordinates")
	}

	now := s.now()
	session := &models.Session{
		ID:              uuid.NewString(),
		TeacherID:       actor.UserID,
		TeacherName:     actor.FullName,
		AnchorLatitude:  anchor.Latitude,
		AnchorLongitude: anchor.Longitude,
		RadiusMeters:    geofence.DefaultRadiusMeters,
		StartsAt:        now,
		ExpiresAt:       now.Add(time.Duration(expiry) * time.Minute),
		Status:          models.SessionStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}

	s.metrics.RecordSessionCreated()
	s.logger.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("teacher_id", session.TeacherID),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Get loads a session without applying expiry.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// EnsureOpen returns the session when it still accepts mutations. A session
// past its expiry is flipped to expired here and SESSION_CLOSED returned.
func (s *SessionService) EnsureOpen(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusOpen {
		return nil, appErrors.Clone(appErrors.ErrSessionClosed, fmt.Sprintf("session is %s", session.Status))
	}
	return session, nil
}

// Close ends an open session on behalf of its teacher.
func (s *SessionService) Close(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error) {
	if _, err := s.authorizeOwner(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	session, err := s.EnsureOpen(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ok, err := s.store.UpdateSessionStatus(ctx, sessionID, models.SessionStatusOpen, models.SessionStatusClosed, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close session")
	}
	if !ok {
		return nil, appErrors.ErrSessionClosed
	}

	session.Status = models.SessionStatusClosed
	session.ClosedAt = &now
	session.UpdatedAt = now
	s.sessionEnded(session.ID, models.SessionStatusClosed, now)
	s.logger.Info("session closed", zap.String("session_id", session.ID), zap.String("teacher_id", actor.UserID))
	return session, nil
}

// Authorize confirms the actor is the teacher who owns the session.
func (s *SessionService) Authorize(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error) {
	if _, err := s.authorizeOwner(ctx, sessionID, actor); err != nil {
		return nil, err
	}
	return s.current(ctx, sessionID)
}

// TeacherView returns the session and its full roster for the owning teacher.
func (s *SessionService) TeacherView(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.TeacherView, error) {
	session, err := s.Authorize(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListRoster(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	roster := make([]dto.RosterItem, 0, len(entries))
	for _, entry := range entries {
		item := dto.RosterItem{RosterEntry: entry}
		if entry.PhotoRef != nil && s.photos != nil {
			url, err := s.photos.PhotoURL(*entry.PhotoRef)
			if err != nil {
				s.logger.Warn("failed to sign photo link", zap.String("session_id", sessionID), zap.String("user_id", entry.UserID), zap.Error(err))
			}
			item.PhotoURL = url
		}
		roster = append(roster, item)
	}
	return &dto.TeacherView{Session: *session, Roster: roster}, nil
}

// SweepExpired flips every due session to expired and announces it.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire sessions")
	}
	for _, id := range ids {
		s.sessionEnded(id, models.SessionStatusExpired, now)
	}
	if len(ids) > 0 {
		s.logger.Info("sessions expired", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// StartSweeper boots a goroutine that expires due sessions periodically.
// Expiry is enforced on read regardless; the sweep only makes it visible to subscribers promptly.
func (s *SessionService) StartSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.logger.Sugar().Warnw("expiry sweep failed", "error", err)
				}
			}
		}
	}()
}

// current loads the session and applies lazy expiry.
func (s *SessionService) current(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !session.DueForExpiry(now) {
		return session, nil
	}

	ok, err := s.store.UpdateSessionStatus(ctx, sessionID, models.SessionStatusOpen, models.SessionStatusExpired, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire session")
	}
	if ok {
		s.sessionEnded(sessionID, models.SessionStatusExpired, now)
		session.Status = models.SessionStatusExpired
		session.ClosedAt = &now
		session.UpdatedAt = now
		return session, nil
	}
	// lost the race to another closer; report what won
	return s.Get(ctx, sessionID)
}

func (s *SessionService) authorizeOwner(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session teacher can do this")
	}
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TeacherID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session teacher can do this")
	}
	return session, nil
}

func (s *SessionService) sessionEnded(sessionID string, status models.SessionStatus, at time.Time) {
	s.metrics.RecordSessionEnded(status)
	s.emitter.emit(models.RosterEvent{
		Kind:       models.EventSessionClosed,
		SessionID:  sessionID,
		Status:     string(status),
		OccurredAt: at,
	})
}
