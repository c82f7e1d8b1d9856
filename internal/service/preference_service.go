package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/playback"
)

// PreferenceService stores per-user playback preferences in Redis.
type PreferenceService struct {
	rdb redis.Cmdable
	log zerolog.Logger
}

// NewPreferenceService creates a new PreferenceService.
func NewPreferenceService(rdb redis.Cmdable, log zerolog.Logger) *PreferenceService {
	return &PreferenceService{
		rdb: rdb,
		log: log.With().Str("component", "preference_service").Logger(),
	}
}

// Volume returns the saved volume, or nil when the user never changed it.
func (s *PreferenceService) Volume(ctx context.Context, userID int) (*playback.Volume, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.UserVolumeKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get volume: %w", err)
	}
	var v playback.Volume
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode volume: %w", err)
	}
	return &v, nil
}

// SaveVolume persists the volume without expiry.
func (s *PreferenceService) SaveVolume(ctx context.Context, userID int, v playback.Volume) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, config.CacheKey.UserVolumeKey(userID), raw, 0).Err()
}

// VolumeSaver binds the service to one user for a playback engine.
func (s *PreferenceService) VolumeSaver(userID int) playback.VolumeSaver {
	return userVolume{svc: s, userID: userID}
}

type userVolume struct {
	svc    *PreferenceService
	userID int
}

func (u userVolume) SaveVolume(v playback.Volume) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return u.svc.SaveVolume(ctx, u.userID, v)
}
