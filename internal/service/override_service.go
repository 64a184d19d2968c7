package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
)

type sessionAuthority interface {
	Authorize(ctx context.Context, sessionID string, actor *models.JWTClaims) (*models.Session, error)
}

// OverrideService applies teacher decisions that finalise a student's attendance.
type OverrideService struct {
	sessions  sessionAuthority
	store     rosterMutator
	emitter   emitter
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewOverrideService constructs an OverrideService.
func NewOverrideService(sessions sessionAuthority, store rosterMutator, events eventPublisher, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *OverrideService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &OverrideService{
		sessions:  sessions,
		store:     store,
		emitter:   emitter{events: events, metrics: metrics},
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	_ = svc.validator.RegisterValidation("override_decision", func(fl validator.FieldLevel) bool {
		return models.RosterStatus(fl.Field().String()).IsOverride()
	})
	return svc
}

// Override records the teacher's decision for userID. Any prior status,
// including an earlier override, is replaced. The photo reference is cleared
// because only uploaded entries carry one.
func (s *OverrideService) Override(ctx context.Context, sessionID, userID string, req dto.OverrideRequest, actor *models.JWTClaims) (*models.RosterEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "decision must be overridden_present or overridden_absent")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "user id is required")
	}
	session, err := s.sessions.Authorize(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusOpen {
		return nil, appErrors.Clone(appErrors.ErrSessionClosed, "session is "+string(session.Status))
	}

	now := s.now()
	teacherID := actor.UserID
	entry, err := s.store.MutateRosterEntry(ctx, sessionID, userID, func(e *models.RosterEntry, existed bool) (bool, error) {
		e.Status = req.Decision
		e.PhotoRef = nil
		e.OverriddenBy = &teacherID
		e.OverriddenAt = &now
		e.UpdatedAt = now
		return true, nil
	}, func(e models.RosterEntry) {
		s.emitter.emit(models.EventFromEntry(models.EventRosterOverridden, e, now))
	})
	if err != nil {
		return nil, mutationError(err, "failed to record override")
	}

	s.metrics.RecordOverride(req.Decision)
	s.logger.Info("attendance overridden",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("teacher_id", teacherID),
		zap.String("decision", string(req.Decision)),
	)
	return entry, nil
}
