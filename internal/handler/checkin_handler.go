package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/internal/service"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/response"
)

// multipart framing and the upload_token field ride on top of the file itself
const multipartOverhead = 1 << 20

type checkInService interface {
	SubmitLocation(ctx context.Context, sessionID string, req dto.SubmitLocationRequest, actor *models.JWTClaims) (*dto.LocationResult, error)
	RequestPhotoSlot(ctx context.Context, sessionID string, actor *models.JWTClaims) (*dto.PhotoSlot, error)
	SubmitPhoto(ctx context.Context, sessionID string, req dto.SubmitPhotoRequest, actor *models.JWTClaims) (*dto.PhotoResult, error)
}

type photoUploader interface {
	Upload(ctx context.Context, sessionID string, upload service.PhotoUpload, actor *models.JWTClaims) (*dto.PhotoResult, error)
}

// CheckInHandler exposes the student check-in endpoints.
type CheckInHandler struct {
	checkins checkInService
	photos   photoUploader
	maxBytes int64
}

// NewCheckInHandler constructs a CheckInHandler. maxPhotoBytes caps
// multipart request bodies.
func NewCheckInHandler(checkins checkInService, photos photoUploader, maxPhotoBytes int64) *CheckInHandler {
	if maxPhotoBytes <= 0 {
		maxPhotoBytes = 5 << 20
	}
	return &CheckInHandler{checkins: checkins, photos: photos, maxBytes: maxPhotoBytes}
}

// SubmitLocation godoc
// @Summary Submit location ping
// @Description Measures the distance to the session anchor and advances the roster status.
// @Tags Check-in
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.SubmitLocationRequest true "Current position"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/location [post]
func (h *CheckInHandler) SubmitLocation(c *gin.Context) {
	var req dto.SubmitLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid payload"))
		return
	}
	result, err := h.checkins.SubmitLocation(c.Request.Context(), c.Param("id"), req, middleware.CurrentUser(c))
	if err != nil {
		if result != nil {
			response.ErrorWithData(c, err, result)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// RequestPhotoSlot godoc
// @Summary Open selfie upload slot
// @Tags Check-in
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/photo-slot [post]
func (h *CheckInHandler) RequestPhotoSlot(c *gin.Context) {
	slot, err := h.checkins.RequestPhotoSlot(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slot, nil)
}

// SubmitPhoto godoc
// @Summary Submit selfie
// @Description Accepts either a JSON photo_ref or a multipart file with the upload_token from the photo slot.
// @Tags Check-in
// @Accept json
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.SubmitPhotoRequest false "Stored photo reference"
// @Param file formData file false "Selfie image"
// @Param upload_token formData string false "Upload slot token"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 413 {object} response.Envelope
// @Router /sessions/{id}/photo [post]
func (h *CheckInHandler) SubmitPhoto(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.uploadPhoto(c)
		return
	}

	var req dto.SubmitPhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid payload"))
		return
	}
	result, err := h.checkins.SubmitPhoto(c.Request.Context(), c.Param("id"), req, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func (h *CheckInHandler) uploadPhoto(c *gin.Context) {
	limit := h.maxBytes + multipartOverhead
	if c.Request.ContentLength > limit {
		response.Error(c, appErrors.Clone(appErrors.ErrPayloadTooLarge, "photo upload too large"))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.Clone(appErrors.ErrPayloadTooLarge, "photo upload too large"))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "file is required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "unreadable file"))
		return
	}
	defer file.Close()

	result, err := h.photos.Upload(c.Request.Context(), c.Param("id"), service.PhotoUpload{
		UploadToken: c.PostForm("upload_token"),
		File:        file,
		Size:        header.Size,
	}, middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
