package models

import (
	"time"

	"github.com/noah-isme/geoattend-api/pkg/geofence"
)

// SessionStatus enumerates lifecycle states of an attendance session.
type SessionStatus string

const (
	SessionStatusOpen    SessionStatus = "open"
	SessionStatusClosed  SessionStatus = "closed"
	SessionStatusExpired SessionStatus = "expired"
)

// Session is a teacher-created attendance window anchored at a location.
type Session struct {
	ID              string        `db:"id" json:"id"`
	TeacherID       string        `db:"teacher_id" json:"teacher_id"`
	TeacherName     string        `db:"teacher_name" json:"teacher_name"`
	AnchorLatitude  float64       `db:"anchor_latitude" json:"anchor_latitude"`
	AnchorLongitude float64       `db:"anchor_longitude" json:"anchor_longitude"`
	RadiusMeters    float64       `db:"radius_meters" json:"radius_meters"`
	StartsAt        time.Time     `db:"starts_at" json:"starts_at"`
	ExpiresAt       time.Time     `db:"expires_at" json:"expires_at"`
	Status          SessionStatus `db:"status" json:"status"`
	ClosedAt        *time.Time    `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Anchor returns the fence centre.
func (s *Session) Anchor() geofence.Point {
	return geofence.Point{Latitude: s.AnchorLatitude, Longitude: s.AnchorLongitude}
}

// DueForExpiry reports whether an open session has passed its expiry at now.
func (s *Session) DueForExpiry(now time.Time) bool {
	return s.Status == SessionStatusOpen && !now.Before(s.ExpiresAt)
}

// RosterStatus enumerates per-student attendance states.
type RosterStatus string

const (
	RosterStatusPending           RosterStatus = "pending"
	RosterStatusLocationChecked   RosterStatus = "location_checked"
	RosterStatusTooFar            RosterStatus = "too_far"
	RosterStatusPhotoPending      RosterStatus = "photo_pending"
	RosterStatusUploaded          RosterStatus = "uploaded"
	RosterStatusOverriddenPresent RosterStatus = "overridden_present"
	RosterStatusOverriddenAbsent  RosterStatus = "overridden_absent"
)

// IsOverride reports whether the status was set by a teacher decision.
func (s RosterStatus) IsOverride() bool {
	return s == RosterStatusOverriddenPresent || s == RosterStatusOverriddenAbsent
}

// RosterEntry is the per-student record within a session.
type RosterEntry struct {
	SessionID          string       `db:"session_id" json:"session_id"`
	UserID             string       `db:"user_id" json:"user_id"`
	DisplayName        string       `db:"display_name" json:"display_name"`
	Status             RosterStatus `db:"status" json:"status"`
	LastDistanceMeters *float64     `db:"last_distance_meters" json:"last_distance_meters,omitempty"`
	PhotoRef           *string      `db:"photo_ref" json:"photo_ref,omitempty"`
	LastPingAt         *time.Time   `db:"last_ping_at" json:"last_ping_at,omitempty"`
	ClientPingedAt     *time.Time   `db:"client_pinged_at" json:"client_pinged_at,omitempty"`
	UploadedAt         *time.Time   `db:"uploaded_at" json:"uploaded_at,omitempty"`
	OverriddenBy       *string      `db:"overridden_by" json:"overridden_by,omitempty"`
	OverriddenAt       *time.Time   `db:"overridden_at" json:"overridden_at,omitempty"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// RosterEventKind distinguishes roster stream notifications.
type RosterEventKind string

const (
	EventRosterUpdated    RosterEventKind = "roster_updated"
	EventRosterOverridden RosterEventKind = "roster_overridden"
	EventSessionClosed    RosterEventKind = "session_closed"
)

// RosterEvent notifies subscribers of a committed roster or session change.
type RosterEvent struct {
	Kind           RosterEventKind `json:"kind"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id,omitempty"`
	Status         string          `json:"status"`
	PhotoRef       *string         `json:"photo_ref,omitempty"`
	DistanceMeters *float64        `json:"distance_meters,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Sequence       uint64          `json:"sequence"`
}

// EventFromEntry builds an event describing the committed entry.
func EventFromEntry(kind RosterEventKind, entry RosterEntry, at time.Time) RosterEvent {
	return RosterEvent{
		Kind:           kind,
		SessionID:      entry.SessionID,
		UserID:         entry.UserID,
		Status:         string(entry.Status),
		PhotoRef:       entry.PhotoRef,
		DistanceMeters: entry.LastDistanceMeters,
		OccurredAt:     at,
	}
}
