package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProctorService queues guard violations for the proctor worker.
type ProctorService struct {
	rdb redis.Cmdable
	log zerolog.Logger
	now func() time.Time
}

// NewProctorService creates a new ProctorService.
func NewProctorService(rdb redis.Cmdable, log zerolog.Logger) *ProctorService {
	return &ProctorService{
		rdb: rdb,
		log: log.With().Str("component", "proctor_service").Logger(),
		now: time.Now,
	}
}

// Reporter returns a guard.Reporter bound to one session.
func (s *ProctorService) Reporter(testID uuid.UUID, userID int) guard.Reporter {
	return &sessionReporter{svc: s, testID: testID, userID: userID}
}

// Record enqueues one event. Failures are logged and dropped.
func (s *ProctorService) Record(ctx context.Context, ev model.ProctorEvent) {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = s.now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistProctorEventsQueue, raw).Err(); err != nil {
		s.log.Warn().Err(err).
			Str("test_id", ev.TestID.String()).
			Int("user_id", ev.UserID).
			Str("type", string(ev.Type)).
			Msg("Failed to enqueue proctor event")
	}
}

type sessionReporter struct {
	svc    *ProctorService
	testID uuid.UUID
	userID int
}

func (r *sessionReporter) Report(eventType model.ProctorEventType, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.svc.Record(ctx, model.ProctorEvent{
		TestID: r.testID,
		UserID: r.userID,
		Type:   eventType,
		Detail: detail,
	})
}
