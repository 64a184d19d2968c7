package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/export"
)

type teacherViewer interface {
	TeacherView(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.TeacherView, error)
}

var rosterHeaders = []string{"User ID", "Name", "Status", "Distance (m)", "Last Ping", "Photo", "Overridden By", "Updated At"}

// ExportService renders a session roster into a downloadable file.
type ExportService struct {
	sessions  teacherViewer
	exporters map[dto.ExportFormat]export.Exporter
	logger    *zap.Logger
}

// NewExportService constructs an ExportService. Nil exporters fall back to
// the CSV and PDF renderers.
func NewExportService(sessions teacherViewer, logger *zap.Logger, csv, pdf export.Exporter) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		sessions: sessions,
		exporters: map[dto.ExportFormat]export.Exporter{
			dto.ExportFormatCSV: csv,
			dto.ExportFormatPDF: pdf,
		},
		logger: logger,
	}
}

// Roster renders the owning teacher's roster in the requested format.
func (s *ExportService) Roster(ctx context.Context, sessionID string, format dto.ExportFormat, actor *models.JWTClaims) (*dto.ExportFile, error) {
	if format == "" {
		format = dto.ExportFormatCSV
	}
	exporter, ok := s.exporters[dto.ExportFormat(strings.ToLower(string(format)))]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unsupported export format %s", format))
	}

	view, err := s.sessions.TeacherView(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}

	payload, err := exporter.Render(rosterDataset(view))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster export")
	}
	s.logger.Info("roster exported", zap.String("session_id", sessionID), zap.String("format", exporter.Extension()), zap.Int("rows", len(view.Roster)))
	return &dto.ExportFile{
		Filename:    fmt.Sprintf("attendance_%s_%s.%s", sanitizeFilename(sessionID), view.Session.StartsAt.UTC().Format("20060102_1504"), exporter.Extension()),
		ContentType: exporter.ContentType(),
		Data:        payload,
	}, nil
}

func rosterDataset(view *dto.TeacherView) export.Dataset {
	rows := make([][]string, 0, len(view.Roster))
	for _, item := range view.Roster {
		rows = append(rows, []string{
			item.UserID,
			item.DisplayName,
			string(item.Status),
			formatDistance(item.LastDistanceMeters),
			formatReportTime(item.LastPingAt),
			deref(item.PhotoRef),
			deref(item.OverriddenBy),
			item.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	title := fmt.Sprintf("Attendance %s (%s) %s", view.Session.StartsAt.UTC().Format("2006-01-02 15:04"), view.Session.Status, view.Session.TeacherName)
	return export.Dataset{
		Title:   strings.TrimSpace(title),
		Headers: rosterHeaders,
		Rows:    rows,
	}
}

func formatDistance(d *float64) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *d)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
