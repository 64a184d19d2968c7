package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/geoattend-api/internal/service"
	"github.com/noah-isme/geoattend-api/pkg/response"
)

type photoOpener interface {
	Open(token string) (*service.StoredPhoto, error)
}

// PhotoHandler serves selfies behind signed links.
type PhotoHandler struct {
	photos photoOpener
}

// NewPhotoHandler constructs a PhotoHandler.
func NewPhotoHandler(photos photoOpener) *PhotoHandler {
	return &PhotoHandler{photos: photos}
}

// Download godoc
// @Summary Download selfie
// @Tags Photos
// @Produce image/jpeg
// @Produce image/png
// @Produce image/webp
// @Param token path string true "Signed photo token"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /photos/{token} [get]
func (h *PhotoHandler) Download(c *gin.Context) {
	photo, err := h.photos.Open(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer photo.File.Close()

	c.Header("Cache-Control", "private, max-age=300")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", photo.Name))
	c.Header("Content-Type", photo.ContentType)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, photo.File)
}
