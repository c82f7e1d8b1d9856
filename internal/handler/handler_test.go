package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type fakeMaterials struct {
	tests  map[uuid.UUID]*model.Test
	warmed []uuid.UUID
}

func (f *fakeMaterials) Load(_ context.Context, id uuid.UUID) (*model.Test, error) {
	if t, ok := f.tests[id]; ok {
		return t, nil
	}
	return nil, service.ErrTestNotFound
}

func (f *fakeMaterials) Warm(_ context.Context, id uuid.UUID) error {
	f.warmed = append(f.warmed, id)
	return nil
}

type fakeAnswers struct{}

func (fakeAnswers) ListAutosaved(context.Context, uuid.UUID, int) ([]model.Answer, error) {
	return nil, nil
}

type fakeVolumes struct {
	saved map[int]playback.Volume
}

func (f *fakeVolumes) Volume(_ context.Context, userID int) (*playback.Volume, error) {
	if v, ok := f.saved[userID]; ok {
		return &v, nil
	}
	return nil, nil
}

func (f *fakeVolumes) SaveVolume(_ context.Context, userID int, v playback.Volume) error {
	f.saved[userID] = v
	return nil
}

// withClaims stands in for the JWT middleware.
func withClaims(userID int, role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{UserID: userID, Role: role})
		c.Next()
	}
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestGetMaterial(t *testing.T) {
	id := uuid.New()
	h := NewTestHandler(&fakeMaterials{tests: map[uuid.UUID]*model.Test{
		id: {ID: id, Title: "Mock 1", Kind: model.KindReading},
	}}, fakeAnswers{}, zerolog.Nop())

	r := gin.New()
	r.GET("/tests/:test_id/material", h.GetMaterial)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"published", "/tests/" + id.String() + "/material", http.StatusOK},
		{"unknown", "/tests/" + uuid.NewString() + "/material", http.StatusNotFound},
		{"malformed id", "/tests/nope/material", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestGetAnswersNeverReturnsNull(t *testing.T) {
	h := NewTestHandler(&fakeMaterials{}, fakeAnswers{}, zerolog.Nop())
	r := gin.New()
	r.GET("/tests/:test_id/answers", withClaims(3, model.RoleStudent), h.GetAnswers)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/"+uuid.NewString()+"/answers", nil))

	var data struct {
		Answers []model.Answer `json:"answers"`
	}
	decodeData(t, w, &data)
	if data.Answers == nil {
		t.Error("expected an empty list, got null")
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	store := &fakeVolumes{saved: map[int]playback.Volume{}}
	h := NewPreferenceHandler(store)
	r := gin.New()
	r.Use(withClaims(5, model.RoleStudent))
	r.GET("/me/volume", h.GetVolume)
	r.PUT("/me/volume", h.PutVolume)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me/volume", nil))
	var v playback.Volume
	decodeData(t, w, &v)
	if v != playback.DefaultVolume {
		t.Errorf("expected default volume, got %+v", v)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/me/volume", strings.NewReader(`{"level":1.7}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for level above 1, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/me/volume", strings.NewReader(`{"level":0.4,"muted":true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := store.saved[5]; got.Level != 0.4 || !got.Muted {
		t.Errorf("expected saved volume, got %+v", got)
	}
}

func TestTestLocation(t *testing.T) {
	id := uuid.MustParse("6f1c2a64-9d1e-4a51-8f6b-0c2d3e4f5a6b")
	got := testLocation(&model.Test{ID: id, Kind: model.KindListening})
	if got != "/tests/6f1c2a64-9d1e-4a51-8f6b-0c2d3e4f5a6b/listening" {
		t.Errorf("unexpected location %q", got)
	}
}

func TestUpgraderOriginCheck(t *testing.T) {
	up := buildUpgrader([]string{"https://exam.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://EXAM.example.com")
	if !up.CheckOrigin(req) {
		t.Error("expected case-insensitive origin match")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if up.CheckOrigin(req) {
		t.Error("expected foreign origin rejected")
	}
}
