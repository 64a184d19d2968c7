package dto

import (
	"time"

	"github.com/noah-isme/geoattend-api/internal/models"
)

// CreateSessionRequest opens a new attendance session at the teacher's position.
type CreateSessionRequest struct {
	Latitude      *float64 `json:"latitude" validate:"required"`
	Longitude     *float64 `json:"longitude" validate:"required"`
	ExpiryMinutes *int     `json:"expiry_minutes,omitempty" validate:"omitempty,gt=0"`
}

// SubmitLocationRequest carries a student position ping.
type SubmitLocationRequest struct {
	Latitude        *float64   `json:"latitude" validate:"required"`
	Longitude       *float64   `json:"longitude" validate:"required"`
	ClientTimestamp *time.Time `json:"client_timestamp,omitempty"`
}

// LocationResult reports the proximity measurement to the student.
type LocationResult struct {
	DistanceMeters float64             `json:"distance_meters"`
	Allowed        bool                `json:"allowed"`
	RadiusMeters   float64             `json:"radius_meters"`
	Status         models.RosterStatus `json:"status"`
}

// PhotoSlot authorises a single selfie upload for a student.
type PhotoSlot struct {
	UploadToken string              `json:"upload_token"`
	ExpiresAt   time.Time           `json:"expires_at"`
	Status      models.RosterStatus `json:"status"`
}

// SubmitPhotoRequest records an already stored selfie reference.
type SubmitPhotoRequest struct {
	PhotoRef string `json:"photo_ref" validate:"required,max=512"`
}

// PhotoResult is returned once a selfie has been recorded.
type PhotoResult struct {
	Status   models.RosterStatus `json:"status"`
	PhotoRef string              `json:"photo_ref"`
}

// OverrideRequest sets a teacher decision for a student.
type OverrideRequest struct {
	Decision models.RosterStatus `json:"decision" validate:"required,override_decision"`
}

// RosterItem decorates a roster entry with a signed photo link.
type RosterItem struct {
	models.RosterEntry
	PhotoURL *string `json:"photo_url,omitempty"`
}

// TeacherView is the teacher's snapshot of a session and its roster.
type TeacherView struct {
	Session models.Session `json:"session"`
	Roster  []RosterItem   `json:"roster"`
}

// StreamFrame is a single websocket message on the roster stream.
type StreamFrame struct {
	Type     string              `json:"type"`
	Snapshot *TeacherView        `json:"snapshot,omitempty"`
	Event    *models.RosterEvent `json:"event,omitempty"`
}

// Stream frame types.
const (
	StreamFrameSnapshot = "snapshot"
	StreamFrameEvent    = "event"
)

// ExportFormat enumerates roster export encodings.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportFile is a rendered roster export.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IssueTokenRequest mints a development access token.
type IssueTokenRequest struct {
	Identity models.Identity
	TTL      time.Duration
}
