package worker

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RecordingWorker records speaking recording metadata.
type RecordingWorker struct {
	*Batcher[model.Recording]
}

func NewRecordingWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *RecordingWorker {
	return &RecordingWorker{NewBatcher[model.Recording](
		NewRedisQueue(rdb, config.WorkerKey.PersistRecordingsQueue),
		recordingSink{pool: pool},
		log.With().Str("component", "recording_worker").Logger(),
	)}
}

type recordingSink struct {
	pool *pgxpool.Pool
}

func (recordingSink) Decode(raw string) (model.Recording, error) {
	var rec model.Recording
	err := json.Unmarshal([]byte(raw), &rec)
	return rec, err
}

// InsertBatch sends every insert in one round trip.
func (s recordingSink) InsertBatch(ctx context.Context, batch []model.Recording) error {
	b := &pgx.Batch{}
	for _, rec := range batch {
		b.Queue(insertRecording, rec.ID, rec.TestID, rec.UserID, rec.Path, rec.SizeBytes, rec.SubmittedAt)
	}
	return s.pool.SendBatch(ctx, b).Close()
}

func (s recordingSink) Insert(ctx context.Context, rec model.Recording) error {
	_, err := s.pool.Exec(ctx, insertRecording, rec.ID, rec.TestID, rec.UserID, rec.Path, rec.SizeBytes, rec.SubmittedAt)
	return err
}

const insertRecording = `INSERT INTO recordings (id, test_id, user_id, path, size_bytes, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (test_id, user_id) DO NOTHING`
