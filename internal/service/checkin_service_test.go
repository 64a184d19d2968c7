package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
)

func TestCheckInServiceHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")

	result, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.InDelta(t, 2.2, result.DistanceMeters, 0.2)
	assert.Equal(t, models.RosterStatusLocationChecked, result.Status)

	slot, err := h.checkins.RequestPhotoSlot(ctx, session.ID, studentClaims("s1"))
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusPhotoPending, slot.Status)
	grant, err := h.signer.Parse(slot.UploadToken, uploadScope, false)
	require.NoError(t, err)
	assert.Equal(t, UploadSubject(session.ID, "s1"), grant.Subject)

	photo, err := h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusUploaded, photo.Status)
	assert.Equal(t, photoRef(session.ID, "s1"), photo.PhotoRef)

	entry, err := h.store.GetRosterEntry(ctx, session.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Student s1", entry.DisplayName)
	require.NotNil(t, entry.UploadedAt)

	assert.Equal(t, []models.RosterEventKind{
		models.EventRosterUpdated,
		models.EventRosterUpdated,
		models.EventRosterUpdated,
	}, h.events.kinds())
}

func TestCheckInServiceTooFarThenRetry(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")

	result, err := h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.DistanceMeters, 100.0)
	assert.Equal(t, models.RosterStatusTooFar, result.Status)

	_, err = h.checkins.RequestPhotoSlot(context.Background(), session.ID, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrNotEligible)

	result, err = h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusLocationChecked, result.Status)

	result, err = h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusTooFar, result.Status)

	events := h.events.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, string(models.RosterStatusTooFar), events[0].Status)
	assert.Equal(t, string(models.RosterStatusLocationChecked), events[1].Status)
	require.NotNil(t, events[2].DistanceMeters)
}

func TestCheckInServiceNeverRegressesAfterPhotoStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")

	_, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	_, err = h.checkins.RequestPhotoSlot(ctx, session.ID, studentClaims("s1"))
	require.NoError(t, err)

	result, err := h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, models.RosterStatusPhotoPending, result.Status)

	_, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	require.NoError(t, err)

	result, err = h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusUploaded, result.Status)

	entry, err := h.store.GetRosterEntry(ctx, session.ID, "s1")
	require.NoError(t, err)
	require.NotNil(t, entry.LastDistanceMeters)
	assert.Greater(t, *entry.LastDistanceMeters, 100.0)
}

func TestCheckInServiceOverrideFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")

	_, err := h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	_, err = h.overrides.Override(ctx, session.ID, "s1", dto.OverrideRequest{Decision: models.RosterStatusOverriddenPresent}, teacherClaims("t1"))
	require.NoError(t, err)

	result, err := h.ping(session.ID, "s1", nearLat)
	assert.ErrorIs(t, err, appErrors.ErrAlreadyFinalized)
	require.NotNil(t, result)
	assert.True(t, result.Allowed)
	assert.Equal(t, models.RosterStatusOverriddenPresent, result.Status)

	_, err = h.checkins.RequestPhotoSlot(ctx, session.ID, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrAlreadyFinalized)
	_, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrAlreadyFinalized)

	entry, err := h.store.GetRosterEntry(ctx, session.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusOverriddenPresent, entry.Status)
	assert.Equal(t, []models.RosterEventKind{models.EventRosterUpdated, models.EventRosterOverridden}, h.events.kinds())
}

func TestCheckInServiceSubmitPhotoEligibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")

	_, err := h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrNotEligible)

	_, err = h.ping(session.ID, "s1", farLat)
	require.NoError(t, err)
	_, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrNotEligible)

	_, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = h.checkins.RequestPhotoSlot(ctx, session.ID, studentClaims("s2"))
	assert.ErrorIs(t, err, appErrors.ErrNotEligible)
	_, err = h.store.GetRosterEntry(ctx, session.ID, "s2")
	assert.Error(t, err)
}

func TestCheckInServiceRejectsClosedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")
	_, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	_, err = h.sessions.Close(ctx, session.ID, teacherClaims("t1"))
	require.NoError(t, err)

	_, err = h.ping(session.ID, "s1", nearLat)
	assert.ErrorIs(t, err, appErrors.ErrSessionClosed)
	_, err = h.checkins.RequestPhotoSlot(ctx, session.ID, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrSessionClosed)
	_, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s1")}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrSessionClosed)
}

func TestCheckInServiceRejectsExpiredSession(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")
	h.sessions.now = func() time.Time { return session.ExpiresAt }

	_, err := h.ping(session.ID, "s1", nearLat)
	assert.ErrorIs(t, err, appErrors.ErrSessionClosed)
	_, err = h.store.GetRosterEntry(context.Background(), session.ID, "s1")
	assert.Error(t, err)
}

func TestCheckInServiceInputErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")

	_, err := h.ping(session.ID, "s1", 95)
	assert.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = h.checkins.SubmitLocation(ctx, session.ID, dto.SubmitLocationRequest{Latitude: floatPtr(nearLat)}, studentClaims("s1"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = h.checkins.SubmitLocation(ctx, session.ID, dto.SubmitLocationRequest{Latitude: floatPtr(nearLat), Longitude: floatPtr(anchorLon)}, teacherClaims("t1"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.ping("missing", "s1", nearLat)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Empty(t, h.events.snapshot())
}

func TestCheckInServiceConcurrentStudents(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")

	const students = 40
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lat := nearLat
			if i%2 == 1 {
				lat = farLat
			}
			_, err := h.ping(session.ID, fmt.Sprintf("s%02d", i), lat)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	roster, err := h.store.ListRoster(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, roster, students)
	for _, entry := range roster {
		var idx int
		_, err := fmt.Sscanf(entry.UserID, "s%d", &idx)
		require.NoError(t, err)
		if idx%2 == 0 {
			assert.Equal(t, models.RosterStatusLocationChecked, entry.Status)
		} else {
			assert.Equal(t, models.RosterStatusTooFar, entry.Status)
		}
	}
	assert.Len(t, h.events.snapshot(), students)
}

func TestCheckInServiceSameStudentEventsFollowCommitOrder(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lat := nearLat
			if i%2 == 1 {
				lat = farLat
			}
			_, err := h.ping(session.ID, "s1", lat)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := h.events.snapshot()
	require.Len(t, events, 20)
	entry, err := h.store.GetRosterEntry(context.Background(), session.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, string(entry.Status), events[len(events)-1].Status)
}

func TestCheckInServiceConcurrentPhotoSubmissionsRecordOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")
	_, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)

	const submitters = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		refused   int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("sessions/%s/s1/%02d.jpg", session.ID, i)
			_, err := h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: ref}, studentClaims("s1"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if assert.ErrorIs(t, err, appErrors.ErrNotEligible) {
				refused++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, submitters-1, refused)

	events := h.events.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, string(models.RosterStatusUploaded), events[1].Status)

	entry, err := h.store.GetRosterEntry(ctx, session.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusUploaded, entry.Status)
	require.NotNil(t, entry.PhotoRef)
	assert.Equal(t, *entry.PhotoRef, *events[1].PhotoRef)
}

func TestCheckInServiceSubmitPhotoRequiresOwnReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")
	_, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	_, err = h.ping(session.ID, "s2", nearLat)
	require.NoError(t, err)

	rejected := []string{
		photoRef(session.ID, "s2"),
		photoRef("other-session", "s1"),
		"sessions/" + session.ID + "/s1/",
		"sessions/" + session.ID + "/s1/../s2/selfie.jpg",
		"sessions/" + session.ID + "/s1//selfie.jpg",
		"/etc/passwd",
		"ref-1",
	}
	for _, ref := range rejected {
		_, err := h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: ref}, studentClaims("s1"))
		assert.ErrorIs(t, err, appErrors.ErrInvalidInput, ref)
	}
	entry, err := h.store.GetRosterEntry(ctx, session.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusLocationChecked, entry.Status)

	result, err := h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: "https://cdn.example.com/s1.jpg"}, studentClaims("s1"))
	require.NoError(t, err)
	assert.Equal(t, models.RosterStatusUploaded, result.Status)

	result, err = h.checkins.SubmitPhoto(ctx, session.ID, dto.SubmitPhotoRequest{PhotoRef: photoRef(session.ID, "s2")}, studentClaims("s2"))
	require.NoError(t, err)
	assert.Equal(t, photoRef(session.ID, "s2"), result.PhotoRef)
}
