package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
)

func TestExportServiceRosterCSV(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.openSession(t, "t1")
	_, err := h.ping(session.ID, "s1", nearLat)
	require.NoError(t, err)
	_, err = h.ping(session.ID, "s2", farLat)
	require.NoError(t, err)

	svc := NewExportService(h.sessions, zap.NewNop(), nil, nil)
	file, err := svc.Roster(ctx, session.ID, dto.ExportFormatCSV, teacherClaims("t1"))
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	assert.True(t, strings.HasPrefix(file.Filename, "attendance_"+session.ID))
	assert.True(t, strings.HasSuffix(file.Filename, ".csv"))

	records, err := csv.NewReader(bytes.NewReader(file.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, rosterHeaders, records[0])
	assert.Equal(t, "s1", records[1][0])
	assert.Equal(t, "location_checked", records[1][2])
	assert.Equal(t, "s2", records[2][0])
	assert.Equal(t, "too_far", records[2][2])
}

func TestExportServiceRosterPDF(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")

	svc := NewExportService(h.sessions, nil, nil, nil)
	file, err := svc.Roster(context.Background(), session.ID, "PDF", teacherClaims("t1"))
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, bytes.HasPrefix(file.Data, []byte("%PDF")))
}

func TestExportServiceRosterRejections(t *testing.T) {
	h := newHarness(t)
	session := h.openSession(t, "t1")
	svc := NewExportService(h.sessions, nil, nil, nil)

	_, err := svc.Roster(context.Background(), session.ID, "xlsx", teacherClaims("t1"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = svc.Roster(context.Background(), session.ID, dto.ExportFormatCSV, teacherClaims("t2"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}
