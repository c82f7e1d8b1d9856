package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerRepository reads persisted autosaves and submissions.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// ListAutosaved returns the answers a user has persisted for a test.
func (r *AnswerRepository) ListAutosaved(ctx context.Context, testID uuid.UUID, userID int) ([]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_number, value, selection
		 FROM student_answers
		 WHERE test_id = $1 AND user_id = $2
		 ORDER BY question_number`, testID, userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Answer, error) {
		var a model.Answer
		err := row.Scan(&a.QuestionNumber, &a.Value, &a.Selection)
		return a, err
	})
}

// Submitted reports whether a final answer sheet exists.
func (r *AnswerRepository) Submitted(ctx context.Context, testID uuid.UUID, userID int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE test_id = $1 AND user_id = $2)`,
		testID, userID,
	).Scan(&exists)
	return exists, err
}
