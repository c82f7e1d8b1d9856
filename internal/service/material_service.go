package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ErrTestNotFound is returned for unknown or unpublished tests.
var ErrTestNotFound = errors.New("test not found or not published")

// MaterialSource loads test material from the database.
type MaterialSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// MaterialService serves test material through a Redis cache-aside layer.
type MaterialService struct {
	repo MaterialSource
	rdb  *redis.Client
	cfg  *config.Config
	log  zerolog.Logger
}

// NewMaterialService creates a new MaterialService.
func NewMaterialService(repo MaterialSource, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *MaterialService {
	return &MaterialService{
		repo: repo,
		rdb:  rdb,
		cfg:  cfg,
		log:  log.With().Str("component", "material_service").Logger(),
	}
}

// Load returns the material for a test, filling the cache on a miss.
// A Redis failure falls back to the database.
func (s *MaterialService) Load(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	key := config.CacheKey.TestMaterialKey(testID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t model.Test
		if err := json.Unmarshal(data, &t); err == nil {
			return &t, nil
		}
		s.log.Warn().Str("test_id", testID.String()).Msg("Discarding malformed cached material")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("test_id", testID.String()).Msg("Material cache read failed")
	}

	t, err := s.repo.GetByID(ctx, testID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load material: %w", err)
	}

	if err := s.cache(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("test_id", testID.String()).Msg("Material cache write failed")
	}
	return t, nil
}

// Warm reloads one test from the database into the cache.
func (s *MaterialService) Warm(ctx context.Context, testID uuid.UUID) error {
	t, err := s.repo.GetByID(ctx, testID)
	if err != nil {
		return fmt.Errorf("get test: %w", err)
	}
	return s.cache(ctx, t)
}

// Prewarm loads every published test into Redis on startup.
func (s *MaterialService) Prewarm(ctx context.Context) error {
	ids, err := s.repo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published tests: %w", err)
	}
	if len(ids) == 0 {
		s.log.Info().Msg("No published tests to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming published tests...")

	warmed := 0
	for _, id := range ids {
		if err := s.Warm(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Failed to warm test, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().Int("warmed", warmed).Int("total", len(ids)).Msg("Prewarming complete")
	return nil
}

func (s *MaterialService) cache(ctx context.Context, t *model.Test) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal material: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.TestMaterialKey(t.ID.String()), raw, s.cfg.MaterialCacheTTL).Err()
}
