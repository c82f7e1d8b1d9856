package model

import (
	"time"

	"github.com/google/uuid"
)

// FinishReason records why a session reached its terminal state.
type FinishReason string

const (
	FinishManual    FinishReason = "MANUAL"
	FinishExpired   FinishReason = "EXPIRED"
	FinishCompleted FinishReason = "COMPLETED"
)

// Submission is the persisted record of a submitted answer sheet.
type Submission struct {
	ID          uuid.UUID    `json:"id"`
	TestID      uuid.UUID    `json:"test_id"`
	UserID      int          `json:"user_id"`
	Answers     []Answer     `json:"answers"`
	Reason      FinishReason `json:"reason"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// Recording is the persisted record of a combined speaking recording.
type Recording struct {
	ID          uuid.UUID `json:"id"`
	TestID      uuid.UUID `json:"test_id"`
	UserID      int       `json:"user_id"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ProctorEventType enumerates guarded escape attempts.
type ProctorEventType string

const (
	ProctorNavigation     ProctorEventType = "NAVIGATION_BLOCKED"
	ProctorNavigationLeft ProctorEventType = "NAVIGATION_CONFIRMED"
	ProctorReload         ProctorEventType = "RELOAD_BLOCKED"
	ProctorFullscreenExit ProctorEventType = "FULLSCREEN_EXIT"
	ProctorBeforeUnload   ProctorEventType = "BEFORE_UNLOAD"
)

// ProctorEvent is one recorded escape attempt during a guarded session.
type ProctorEvent struct {
	TestID     uuid.UUID        `json:"test_id"`
	UserID     int              `json:"user_id"`
	Type       ProctorEventType `json:"type"`
	Detail     string           `json:"detail,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}
