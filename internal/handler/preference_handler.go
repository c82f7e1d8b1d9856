package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// VolumeStore reads and writes the persisted playback volume.
type VolumeStore interface {
	Volume(ctx context.Context, userID int) (*playback.Volume, error)
	SaveVolume(ctx context.Context, userID int, v playback.Volume) error
}

// PreferenceHandler exposes per-user playback preferences.
type PreferenceHandler struct {
	prefs VolumeStore
}

// NewPreferenceHandler creates a new PreferenceHandler.
func NewPreferenceHandler(prefs VolumeStore) *PreferenceHandler {
	return &PreferenceHandler{prefs: prefs}
}

// GetVolume godoc
// GET /api/v1/me/volume
func (h *PreferenceHandler) GetVolume(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	v, err := h.prefs.Volume(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if v == nil {
		def := playback.DefaultVolume
		v = &def
	}

	response.Success(c, http.StatusOK, v)
}

// PutVolume godoc
// PUT /api/v1/me/volume
func (h *PreferenceHandler) PutVolume(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.VolumeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	v := playback.Volume{Level: req.Level, Muted: req.Muted}
	if err := h.prefs.SaveVolume(c.Request.Context(), claims.UserID, v); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, v)
}
