package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ClockService remembers when each user's section clock started, so the
// remaining time survives reconnects.
type ClockService struct {
	rdb redis.Cmdable
	log zerolog.Logger
}

// NewClockService creates a new ClockService.
func NewClockService(rdb redis.Cmdable, log zerolog.Logger) *ClockService {
	return &ClockService{
		rdb: rdb,
		log: log.With().Str("component", "clock_service").Logger(),
	}
}

// StartedAt returns the persisted start, or the zero time when the clock
// never ran for this user and test.
func (s *ClockService) StartedAt(ctx context.Context, testID uuid.UUID, userID int) (time.Time, error) {
	unix, err := s.rdb.Get(ctx, config.CacheKey.ClockStartKey(testID.String(), userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get clock start: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// MarkStarted stores at unless a start is already recorded.
func (s *ClockService) MarkStarted(ctx context.Context, testID uuid.UUID, userID int, at time.Time) error {
	key := config.CacheKey.ClockStartKey(testID.String(), userID)
	ok, err := s.rdb.SetNX(ctx, key, at.Unix(), submittedTTL).Result()
	if err != nil {
		return fmt.Errorf("set clock start: %w", err)
	}
	if ok {
		s.log.Info().
			Str("test_id", testID.String()).
			Int("user_id", userID).
			Time("started_at", at).
			Msg("Section clock started")
	}
	return nil
}

// Recorder binds the service to one session.
func (s *ClockService) Recorder(testID uuid.UUID, userID int) session.ClockRecorder {
	return sessionClock{svc: s, testID: testID, userID: userID}
}

type sessionClock struct {
	svc    *ClockService
	testID uuid.UUID
	userID int
}

func (c sessionClock) MarkStarted(at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.svc.MarkStarted(ctx, c.testID, c.userID, at)
}
