package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// mirrorTimeout bounds each Redis write so a slow cache never stalls the session loop.
const mirrorTimeout = 2 * time.Second

// AutosavePayload is the queue item consumed by the autosave worker.
type AutosavePayload struct {
	UserID         int    `json:"user_id"`
	TestID         string `json:"test_id"`
	QuestionNumber int    `json:"question_number"`
	Value          string `json:"value"`
	Selection      string `json:"selection"`
}

// Mirror writes every answer to a local Dense store first, then to the
// user's Redis hash and the autosave queue. Redis errors are logged only.
type Mirror struct {
	*Dense
	rdb    redis.Cmdable
	testID uuid.UUID
	userID int
	key    string
	log    zerolog.Logger

	marshal func(v interface{}) ([]byte, error)
}

// NewMirror wraps local with write-through to Redis.
func NewMirror(local *Dense, rdb redis.Cmdable, testID uuid.UUID, userID int, log zerolog.Logger) *Mirror {
	return &Mirror{
		Dense:   local,
		rdb:     rdb,
		testID:  testID,
		userID:  userID,
		key:     config.CacheKey.UserAnswersKey(testID.String(), userID),
		marshal: json.Marshal,
		log: log.With().
			Str("component", "answer_mirror").
			Str("test_id", testID.String()).
			Int("user_id", userID).
			Logger(),
	}
}

// Set stores the answer locally and mirrors it.
func (m *Mirror) Set(questionNumber int, a model.Answer) error {
	if err := m.Dense.Set(questionNumber, a); err != nil {
		return err
	}
	a.QuestionNumber = questionNumber

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	raw, err := m.marshal(a)
	if err != nil {
		m.log.Error().Err(err).Int("question", questionNumber).Msg("Autosave encode failed")
		return nil
	}
	if err := m.rdb.HSet(ctx, m.key, strconv.Itoa(questionNumber), raw).Err(); err != nil {
		m.log.Error().Err(err).Int("question", questionNumber).Msg("Autosave Redis error")
		return nil
	}

	payload, err := m.marshal(AutosavePayload{
		UserID:         m.userID,
		TestID:         m.testID.String(),
		QuestionNumber: questionNumber,
		Value:          a.Value,
		Selection:      a.Selection,
	})
	if err != nil {
		m.log.Error().Err(err).Int("question", questionNumber).Msg("Autosave payload encode failed")
		return nil
	}
	if err := m.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err(); err != nil {
		m.log.Warn().Err(err).Int("question", questionNumber).Msg("Autosave enqueue failed")
	}
	return nil
}

// Restore loads previously autosaved answers into the local store.
// Entries that no longer fit the store are skipped.
func (m *Mirror) Restore(ctx context.Context) (int, error) {
	saved, err := m.rdb.HGetAll(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("load autosaved answers: %w", err)
	}

	restored := 0
	for field, raw := range saved {
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var a model.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			m.log.Warn().Err(err).Str("field", field).Msg("Discarding malformed autosave")
			continue
		}
		if err := m.Dense.Set(n, a); err != nil {
			continue
		}
		restored++
	}
	return restored, nil
}
