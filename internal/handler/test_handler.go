package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// MaterialLoader serves and refreshes test material.
type MaterialLoader interface {
	Load(ctx context.Context, testID uuid.UUID) (*model.Test, error)
	Warm(ctx context.Context, testID uuid.UUID) error
}

// AnswerLister reads persisted autosaves.
type AnswerLister interface {
	ListAutosaved(ctx context.Context, testID uuid.UUID, userID int) ([]model.Answer, error)
}

// TestHandler serves test material and saved answers over REST.
type TestHandler struct {
	materials MaterialLoader
	answers   AnswerLister
	log       zerolog.Logger
}

// NewTestHandler creates a new TestHandler.
func NewTestHandler(materials MaterialLoader, answers AnswerLister, log zerolog.Logger) *TestHandler {
	return &TestHandler{
		materials: materials,
		answers:   answers,
		log:       log.With().Str("component", "test_handler").Logger(),
	}
}

// GetMaterial godoc
// GET /api/v1/tests/:test_id/material
// Returns the student-facing material, without answer keys.
func (h *TestHandler) GetMaterial(c *gin.Context) {
	testID, ok := parseTestID(c)
	if !ok {
		return
	}

	test, err := h.materials.Load(c.Request.Context(), testID)
	if err != nil {
		if errors.Is(err, service.ErrTestNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrTestNotFound)
			return
		}
		h.log.Error().Err(err).Str("test_id", testID.String()).Msg("Load material failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, test)
}

// GetAnswers godoc
// GET /api/v1/tests/:test_id/answers
// Returns the caller's persisted answers for the test.
func (h *TestHandler) GetAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	testID, ok := parseTestID(c)
	if !ok {
		return
	}

	answers, err := h.answers.ListAutosaved(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("List answers failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if answers == nil {
		answers = []model.Answer{}
	}

	response.Success(c, http.StatusOK, gin.H{"answers": answers})
}

// RefreshMaterial godoc
// POST /api/v1/tests/:test_id/refresh-cache
// Reloads the cached material after an edit. Teacher only.
func (h *TestHandler) RefreshMaterial(c *gin.Context) {
	testID, ok := parseTestID(c)
	if !ok {
		return
	}

	if err := h.materials.Warm(c.Request.Context(), testID); err != nil {
		h.log.Error().Err(err).Str("test_id", testID.String()).Msg("Refresh cache failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	h.log.Info().Str("test_id", testID.String()).Msg("Cache refreshed")
	response.Success(c, http.StatusOK, gin.H{"status": "refreshed"})
}

func parseTestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
