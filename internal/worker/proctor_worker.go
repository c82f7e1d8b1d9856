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

// ProctorWorker copies queued guard violations into proctor_events.
type ProctorWorker struct {
	*Batcher[model.ProctorEvent]
}

func NewProctorWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ProctorWorker {
	return &ProctorWorker{NewBatcher[model.ProctorEvent](
		NewRedisQueue(rdb, config.WorkerKey.PersistProctorEventsQueue),
		proctorSink{pool: pool},
		log.With().Str("component", "proctor_worker").Logger(),
	)}
}

type proctorSink struct {
	pool *pgxpool.Pool
}

func (proctorSink) Decode(raw string) (model.ProctorEvent, error) {
	var ev model.ProctorEvent
	err := json.Unmarshal([]byte(raw), &ev)
	return ev, err
}

func (s proctorSink) InsertBatch(ctx context.Context, batch []model.ProctorEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{ev.TestID, ev.UserID, string(ev.Type), ev.Detail, ev.RecordedAt})
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_events"},
		[]string{"test_id", "user_id", "event_type", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (s proctorSink) Insert(ctx context.Context, ev model.ProctorEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO proctor_events (test_id, user_id, event_type, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.TestID, ev.UserID, string(ev.Type), ev.Detail, ev.RecordedAt,
	)
	return err
}
