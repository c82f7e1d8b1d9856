package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrAlreadySubmitted is returned when a second submission is attempted.
var ErrAlreadySubmitted = errors.New("already submitted")

// submittedTTL keeps the guard keys well past any plausible retake window.
const submittedTTL = 30 * 24 * time.Hour

// BlobStore persists recording blobs.
type BlobStore interface {
	Save(blob []byte) (string, error)
	Remove(path string) error
}

// SubmissionService accepts final answer sheets and recordings exactly once
// per user and test, then hands them to the persistence workers.
type SubmissionService struct {
	rdb     redis.Cmdable
	storage BlobStore
	log     zerolog.Logger
	now     func() time.Time
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(rdb redis.Cmdable, storage BlobStore, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		rdb:     rdb,
		storage: storage,
		log:     log.With().Str("component", "submission_service").Logger(),
		now:     time.Now,
	}
}

// SubmitAnswers enqueues the final answers.
func (s *SubmissionService) SubmitAnswers(ctx context.Context, testID uuid.UUID, userID int, answers []model.Answer, reason model.FinishReason) error {
	key := config.CacheKey.AnswersSubmittedKey(testID.String(), userID)
	if err := s.claim(ctx, key); err != nil {
		return err
	}

	if answers == nil {
		answers = []model.Answer{}
	}
	payload, err := json.Marshal(model.Submission{
		ID:          uuid.New(),
		TestID:      testID,
		UserID:      userID,
		Answers:     answers,
		Reason:      reason,
		SubmittedAt: s.now(),
	})
	if err != nil {
		s.release(key)
		return fmt.Errorf("marshal submission: %w", err)
	}

	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, payload).Err(); err != nil {
		s.release(key)
		return fmt.Errorf("enqueue submission: %w", err)
	}

	s.log.Info().
		Str("test_id", testID.String()).
		Int("user_id", userID).
		Str("reason", string(reason)).
		Int("answers", len(answers)).
		Msg("Answers submitted")
	return nil
}

// SubmitRecording stores the blob and enqueues its metadata.
func (s *SubmissionService) SubmitRecording(ctx context.Context, testID uuid.UUID, userID int, blob []byte) error {
	key := config.CacheKey.RecordingSubmittedKey(testID.String(), userID)
	if err := s.claim(ctx, key); err != nil {
		return err
	}

	path, err := s.storage.Save(blob)
	if err != nil {
		s.release(key)
		return fmt.Errorf("store recording: %w", err)
	}

	payload, err := json.Marshal(model.Recording{
		ID:          uuid.New(),
		TestID:      testID,
		UserID:      userID,
		Path:        path,
		SizeBytes:   int64(len(blob)),
		SubmittedAt: s.now(),
	})
	if err == nil {
		err = s.rdb.RPush(ctx, config.WorkerKey.PersistRecordingsQueue, payload).Err()
	}
	if err != nil {
		if rmErr := s.storage.Remove(path); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove orphaned recording")
		}
		s.release(key)
		return fmt.Errorf("enqueue recording: %w", err)
	}

	s.log.Info().
		Str("test_id", testID.String()).
		Int("user_id", userID).
		Int("bytes", len(blob)).
		Msg("Recording submitted")
	return nil
}

// AnswersSubmitted reports whether the user already handed in this test.
func (s *SubmissionService) AnswersSubmitted(ctx context.Context, testID uuid.UUID, userID int) (bool, error) {
	n, err := s.rdb.Exists(ctx, config.CacheKey.AnswersSubmittedKey(testID.String(), userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check submission: %w", err)
	}
	return n > 0, nil
}

func (s *SubmissionService) claim(ctx context.Context, key string) error {
	ok, err := s.rdb.SetNX(ctx, key, s.now().Unix(), submittedTTL).Result()
	if err != nil {
		return fmt.Errorf("claim submission: %w", err)
	}
	if !ok {
		return ErrAlreadySubmitted
	}
	return nil
}

// release frees a guard key after a failed enqueue so the client may retry.
func (s *SubmissionService) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to release submission guard")
	}
}
