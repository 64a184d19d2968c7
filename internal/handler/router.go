package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/geoattend-api/internal/middleware"
	"github.com/noah-isme/geoattend-api/internal/models"
)

// Handlers groups the handlers mounted under the API prefix.
type Handlers struct {
	Sessions  *SessionHandler
	CheckIns  *CheckInHandler
	Overrides *OverrideHandler
	Photos    *PhotoHandler
	Stream    *StreamHandler
	Metrics   *MetricsHandler
}

// RegisterRoutes mounts ops endpoints at the root and the attendance API
// under prefix. auth must populate middleware.ContextUserKey.
func RegisterRoutes(r *gin.Engine, prefix string, auth gin.HandlerFunc, h Handlers) {
	if h.Metrics != nil {
		r.GET("/health", h.Metrics.Health)
		r.GET("/ready", h.Metrics.Ready)
		r.GET("/metrics", h.Metrics.Prometheus)
	}

	api := r.Group(prefix)
	if h.Photos != nil {
		api.GET("/photos/:token", h.Photos.Download)
	}

	teacher := middleware.RequireRoles(models.RoleTeacher)
	student := middleware.RequireRoles(models.RoleStudent)

	sessions := api.Group("/sessions", auth)
	sessions.POST("", teacher, h.Sessions.Create)
	sessions.GET("/:id", teacher, h.Sessions.Get)
	sessions.POST("/:id/close", teacher, h.Sessions.Close)
	sessions.GET("/:id/export", teacher, h.Sessions.Export)
	sessions.GET("/:id/stream", teacher, h.Stream.Stream)
	sessions.PUT("/:id/roster/:userId/override", teacher, h.Overrides.Override)

	sessions.POST("/:id/location", student, h.CheckIns.SubmitLocation)
	sessions.POST("/:id/photo-slot", student, h.CheckIns.RequestPhotoSlot)
	sessions.POST("/:id/photo", student, h.CheckIns.SubmitPhoto)
}
