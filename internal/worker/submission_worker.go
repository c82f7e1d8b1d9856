package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionWorker persists final answer sheets, then clears the
// autosave buffers they replace.
type SubmissionWorker struct {
	*Batcher[model.Submission]
}

// NewSubmissionWorker creates a new SubmissionWorker.
func NewSubmissionWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	log = log.With().Str("component", "submission_worker").Logger()
	return &SubmissionWorker{NewBatcher[model.Submission](
		NewRedisQueue(rdb, config.WorkerKey.PersistSubmissionsQueue),
		&submissionSink{pool: pool, rdb: rdb, log: log},
		log,
	)}
}

type submissionSink struct {
	pool *pgxpool.Pool
	rdb  redis.Cmdable
	log  zerolog.Logger
}

func (*submissionSink) Decode(raw string) (model.Submission, error) {
	var sub model.Submission
	err := json.Unmarshal([]byte(raw), &sub)
	return sub, err
}

// InsertBatch inserts via UNNEST. A second sheet for the same user and test
// is ignored.
func (s *submissionSink) InsertBatch(ctx context.Context, batch []model.Submission) error {
	ids := make([]uuid.UUID, len(batch))
	testIDs := make([]uuid.UUID, len(batch))
	userIDs := make([]int, len(batch))
	reasons := make([]string, len(batch))
	answers := make([]string, len(batch))
	times := make([]time.Time, len(batch))
	for i, sub := range batch {
		raw, err := json.Marshal(sub.Answers)
		if err != nil {
			return err
		}
		ids[i] = sub.ID
		testIDs[i] = sub.TestID
		userIDs[i] = sub.UserID
		reasons[i] = string(sub.Reason)
		answers[i] = string(raw)
		times[i] = sub.SubmittedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (id, test_id, user_id, reason, answers, submitted_at)
		 SELECT id, test_id, user_id, reason, answers::jsonb, submitted_at
		 FROM UNNEST($1::uuid[], $2::uuid[], $3::int[], $4::text[], $5::text[], $6::timestamptz[])
		      AS t(id, test_id, user_id, reason, answers, submitted_at)
		 ON CONFLICT (test_id, user_id) DO NOTHING`,
		ids, testIDs, userIDs, reasons, answers, times,
	)
	if err != nil {
		return err
	}
	s.clearAutosave(ctx, batch)
	return nil
}

func (s *submissionSink) Insert(ctx context.Context, sub model.Submission) error {
	raw, err := json.Marshal(sub.Answers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO submissions (id, test_id, user_id, reason, answers, submitted_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		 ON CONFLICT (test_id, user_id) DO NOTHING`,
		sub.ID, sub.TestID, sub.UserID, string(sub.Reason), string(raw), sub.SubmittedAt,
	)
	if err != nil {
		return err
	}
	s.clearAutosave(ctx, []model.Submission{sub})
	return nil
}

// clearAutosave drops the Redis answer hashes in one pipeline.
func (s *submissionSink) clearAutosave(ctx context.Context, batch []model.Submission) {
	pipe := s.rdb.Pipeline()
	for _, sub := range batch {
		pipe.Del(ctx, config.CacheKey.UserAnswersKey(sub.TestID.String(), sub.UserID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Int("count", len(batch)).Msg("Failed to clear autosave buffers")
	}
}
