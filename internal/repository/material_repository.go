package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MaterialRepository reads test material. It never selects answer keys.
type MaterialRepository struct {
	pool *pgxpool.Pool
}

// NewMaterialRepository creates a new MaterialRepository.
func NewMaterialRepository(pool *pgxpool.Pool) *MaterialRepository {
	return &MaterialRepository{pool: pool}
}

// GetByID loads a published test with its parts and speaking prompts.
func (r *MaterialRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t := &model.Test{ID: id}
	err := r.pool.QueryRow(ctx,
		`SELECT title, kind, variant, duration_seconds, total_questions
		 FROM tests WHERE id = $1 AND published`, id,
	).Scan(&t.Title, &t.Kind, &t.Variant, &t.DurationSeconds, &t.TotalQuestions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, order_key, title, question_numbers, COALESCE(audio_url, ''),
		        prep_time_seconds, answer_time_seconds
		 FROM test_parts WHERE test_id = $1
		 ORDER BY order_key, id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	speaking := make(map[int]*model.SpeakingPart)
	for rows.Next() {
		var p model.Part
		var prep, answer int
		if err := rows.Scan(&p.ID, &p.OrderKey, &p.Title, &p.QuestionNumbers, &p.AudioURL, &prep, &answer); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		t.Parts = append(t.Parts, p)
		if t.Kind == model.KindSpeaking {
			t.Speaking = append(t.Speaking, model.SpeakingPart{
				PartID:            p.ID,
				PrepTimeSeconds:   prep,
				AnswerTimeSeconds: answer,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if t.Kind != model.KindSpeaking {
		return t, nil
	}
	for i := range t.Speaking {
		speaking[t.Speaking[i].PartID] = &t.Speaking[i]
	}

	qrows, err := r.pool.Query(ctx,
		`SELECT q.part_id, q.number, q.content
		 FROM speaking_questions q
		 JOIN test_parts p ON p.id = q.part_id
		 WHERE p.test_id = $1
		 ORDER BY q.part_id, q.number`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list speaking questions: %w", err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var partID int
		var q model.SpeakingQuestion
		if err := qrows.Scan(&partID, &q.Number, &q.Content); err != nil {
			return nil, fmt.Errorf("scan speaking question: %w", err)
		}
		if sp, ok := speaking[partID]; ok {
			sp.Questions = append(sp.Questions, q)
		}
	}
	return t, qrows.Err()
}

// ListPublishedIDs returns every test that may be started.
func (r *MaterialRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM tests WHERE published ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
