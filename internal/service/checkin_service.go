package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/repository"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/geofence"
)

const uploadScope = "upload"

type sessionGate interface {
	EnsureOpen(ctx context.Context, sessionID string) (*models.Session, error)
}

type rosterMutator interface {
	MutateRosterEntry(ctx context.Context, sessionID, userID string, mutate repository.RosterMutation, onCommit repository.CommitHook) (*models.RosterEntry, error)
}

type uploadTokenIssuer interface {
	Generate(scope, subject, relPath string) (string, time.Time, error)
}

// CheckInService drives the student side of the roster state machine.
type CheckInService struct {
	sessions  sessionGate
	store     rosterMutator
	emitter   emitter
	uploads   uploadTokenIssuer
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewCheckInService constructs a CheckInService.
func NewCheckInService(sessions sessionGate, store rosterMutator, events eventPublisher, uploads uploadTokenIssuer, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *CheckInService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckInService{
		sessions:  sessions,
		store:     store,
		emitter:   emitter{events: events, metrics: metrics},
		uploads:   uploads,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SubmitLocation records a position ping and advances the student's status.
// The measurement is returned even when the entry is already finalised, in
// which case ALREADY_FINALIZED is returned alongside it.
func (s *CheckInService) SubmitLocation(ctx context.Context, sessionID string, req dto.SubmitLocationRequest, actor *models.JWTClaims) (*dto.LocationResult, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid location payload")
	}
	session, err := s.sessions.EnsureOpen(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	point := geofence.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
	fence, err := geofence.Evaluate(session.Anchor(), point, session.RadiusMeters)
	if err != nil {
		s.metrics.RecordCheckIn(CheckInRejected)
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid coordinates")
	}

	result := &dto.LocationResult{
		DistanceMeters: fence.DistanceMeters,
		Allowed:        fence.Allowed,
		RadiusMeters:   session.RadiusMeters,
	}
	now := s.now()
	entry, err := s.store.MutateRosterEntry(ctx, sessionID, actor.UserID, func(e *models.RosterEntry, existed bool) (bool, error) {
		if e.Status.IsOverride() {
			result.Status = e.Status
			return false, appErrors.ErrAlreadyFinalized
		}
		if actor.FullName != "" {
			e.DisplayName = actor.FullName
		}
		distance := fence.DistanceMeters
		e.LastDistanceMeters = &distance
		e.LastPingAt = &now
		e.ClientPingedAt = req.ClientTimestamp
		e.UpdatedAt = now
		switch e.Status {
		case models.RosterStatusPhotoPending, models.RosterStatusUploaded:
			// proximity has already been established; never regress
		default:
			if fence.Allowed {
				e.Status = models.RosterStatusLocationChecked
			} else {
				e.Status = models.RosterStatusTooFar
			}
		}
		return true, nil
	}, func(e models.RosterEntry) {
		s.emitter.emit(models.EventFromEntry(models.EventRosterUpdated, e, now))
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrAlreadyFinalized) {
			s.metrics.RecordCheckIn(CheckInFinalized)
			return result, appErrors.Clone(appErrors.ErrAlreadyFinalized, "attendance already finalized by teacher")
		}
		s.metrics.RecordCheckIn(CheckInRejected)
		return nil, mutationError(err, "failed to record location")
	}

	result.Status = entry.Status
	if fence.Allowed {
		s.metrics.RecordCheckIn(CheckInAllowed)
	} else {
		s.metrics.RecordCheckIn(CheckInTooFar)
	}
	s.logger.Debug("location recorded",
		zap.String("session_id", sessionID),
		zap.String("user_id", actor.UserID),
		zap.Float64("distance_meters", fence.DistanceMeters),
		zap.String("status", string(entry.Status)),
	)
	return result, nil
}

// RequestPhotoSlot moves a verified student to photo_pending and issues a
// short-lived upload token. Repeating the call while pending issues a new token.
func (s *CheckInService) RequestPhotoSlot(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.PhotoSlot, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	if _, err := s.sessions.EnsureOpen(ctx, sessionID); err != nil {
		return nil, err
	}

	now := s.now()
	entry, err := s.store.MutateRosterEntry(ctx, sessionID, actor.UserID, func(e *models.RosterEntry, existed bool) (bool, error) {
		if !existed {
			return false, appErrors.Clone(appErrors.ErrNotEligible, "submit a location first")
		}
		if e.Status.IsOverride() {
			return false, appErrors.ErrAlreadyFinalized
		}
		switch e.Status {
		case models.RosterStatusLocationChecked:
			e.Status = models.RosterStatusPhotoPending
			e.UpdatedAt = now
			return true, nil
		case models.RosterStatusPhotoPending:
			return false, nil
		default:
			return false, appErrors.ErrNotEligible
		}
	}, func(e models.RosterEntry) {
		s.emitter.emit(models.EventFromEntry(models.EventRosterUpdated, e, now))
	})
	if err != nil {
		return nil, mutationError(err, "failed to open photo slot")
	}

	token, expiresAt, err := s.uploads.Generate(uploadScope, UploadSubject(sessionID, actor.UserID), "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue upload token")
	}
	return &dto.PhotoSlot{UploadToken: token, ExpiresAt: expiresAt, Status: entry.Status}, nil
}

// SubmitPhoto records the selfie reference and completes the automated path.
func (s *CheckInService) SubmitPhoto(ctx context.Context, sessionID string, req dto.SubmitPhotoRequest, actor *models.JWTClaims) (*dto.PhotoResult, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid photo payload")
	}
	if !ownsPhotoRef(sessionID, actor.UserID, req.PhotoRef) {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "photo reference must be an http(s) link or a file uploaded for this check-in")
	}
	if _, err := s.sessions.EnsureOpen(ctx, sessionID); err != nil {
		return nil, err
	}

	now := s.now()
	entry, err := s.store.MutateRosterEntry(ctx, sessionID, actor.UserID, func(e *models.RosterEntry, existed bool) (bool, error) {
		if !existed {
			return false, appErrors.Clone(appErrors.ErrNotEligible, "submit a location first")
		}
		if e.Status.IsOverride() {
			return false, appErrors.ErrAlreadyFinalized
		}
		if e.Status != models.RosterStatusLocationChecked && e.Status != models.RosterStatusPhotoPending {
			return false, appErrors.ErrNotEligible
		}
		ref := req.PhotoRef
		e.PhotoRef = &ref
		e.UploadedAt = &now
		e.Status = models.RosterStatusUploaded
		e.UpdatedAt = now
		return true, nil
	}, func(e models.RosterEntry) {
		s.emitter.emit(models.EventFromEntry(models.EventRosterUpdated, e, now))
	})
	if err != nil {
		s.metrics.RecordPhoto(PhotoRejected)
		return nil, mutationError(err, "failed to record photo")
	}

	s.metrics.RecordPhoto(PhotoUploaded)
	s.logger.Info("photo recorded", zap.String("session_id", sessionID), zap.String("user_id", actor.UserID))
	return &dto.PhotoResult{Status: entry.Status, PhotoRef: *entry.PhotoRef}, nil
}

// UploadSubject binds an upload token to one student in one session.
func UploadSubject(sessionID, userID string) string {
	return sessionID + "/" + userID
}

func requireStudent(actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return appErrors.Clone(appErrors.ErrForbidden, "only students can check in")
	}
	return nil
}

// mutationError passes typed errors through and wraps store failures.
func mutationError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
