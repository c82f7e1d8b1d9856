package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	*Batcher[autosaveRow]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{NewBatcher[autosaveRow](
		NewRedisQueue(rdb, config.WorkerKey.PersistAnswersQueue),
		autosaveSink{pool: pool},
		log.With().Str("component", "autosave_worker").Logger(),
	)}
}

type autosaveRow struct {
	testID uuid.UUID
	answer.AutosavePayload
}

type autosaveSink struct {
	pool *pgxpool.Pool
}

func (autosaveSink) Decode(raw string) (autosaveRow, error) {
	var row autosaveRow
	if err := json.Unmarshal([]byte(raw), &row.AutosavePayload); err != nil {
		return row, err
	}
	id, err := uuid.Parse(row.TestID)
	row.testID = id
	return row, err
}

// InsertBatch upserts every row in one statement. Later writes to the same
// question win, so duplicates are folded first.
func (s autosaveSink) InsertBatch(ctx context.Context, batch []autosaveRow) error {
	rows := latestAnswers(batch)

	testIDs := make([]uuid.UUID, len(rows))
	userIDs := make([]int, len(rows))
	numbers := make([]int, len(rows))
	values := make([]string, len(rows))
	selections := make([]string, len(rows))
	for i, r := range rows {
		testIDs[i] = r.testID
		userIDs[i] = r.UserID
		numbers[i] = r.QuestionNumber
		values[i] = r.Value
		selections[i] = r.Selection
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO student_answers (test_id, user_id, question_number, value, selection)
		 SELECT * FROM UNNEST($1::uuid[], $2::int[], $3::int[], $4::text[], $5::text[])
		 ON CONFLICT (test_id, user_id, question_number) DO UPDATE
		 SET value = EXCLUDED.value, selection = EXCLUDED.selection, updated_at = NOW()`,
		testIDs, userIDs, numbers, values, selections,
	)
	return err
}

func (s autosaveSink) Insert(ctx context.Context, r autosaveRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO student_answers (test_id, user_id, question_number, value, selection)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (test_id, user_id, question_number) DO UPDATE
		 SET value = EXCLUDED.value, selection = EXCLUDED.selection, updated_at = NOW()`,
		r.testID, r.UserID, r.QuestionNumber, r.Value, r.Selection,
	)
	return err
}

type answerKey struct {
	testID uuid.UUID
	userID int
	number int
}

// latestAnswers keeps the last row per question, in first-seen order.
func latestAnswers(batch []autosaveRow) []autosaveRow {
	index := make(map[answerKey]int, len(batch))
	out := make([]autosaveRow, 0, len(batch))
	for _, r := range batch {
		k := answerKey{r.testID, r.UserID, r.QuestionNumber}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}
