package session

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/recording"
)

// State is the client-facing snapshot pushed after every event and tick.
type State struct {
	TestID        uuid.UUID          `json:"test_id"`
	Kind          model.Kind         `json:"kind"`
	ActivePartID  int                `json:"active_part_id"`
	TimeRemaining *int               `json:"time_remaining_seconds"`
	TimerStarted  bool               `json:"timer_started"`
	Blocking      bool               `json:"blocking"`
	Finished      bool               `json:"finished"`
	Reason        model.FinishReason `json:"reason,omitempty"`
	Playback      *PlaybackState     `json:"playback,omitempty"`
	Recording     *RecordingState    `json:"recording,omitempty"`
}

// PlaybackState summarises the listening engine.
type PlaybackState struct {
	State    playback.State     `json:"state"`
	Index    int                `json:"index"`
	Volume   playback.Volume    `json:"volume"`
	CanPause bool               `json:"can_pause"`
	Tracks   []model.AudioTrack `json:"tracks"`
}

// RecordingState summarises the speaking machine.
type RecordingState struct {
	Phase           recording.Phase `json:"phase"`
	Part            int             `json:"part"`
	Question        int             `json:"question"`
	PrepRemaining   *int            `json:"prep_remaining_seconds"`
	AnswerRemaining *int            `json:"answer_remaining_seconds"`
}

// State builds the current snapshot.
func (s *Session) State() State {
	st := State{
		TestID:       s.test.ID,
		Kind:         s.test.Kind,
		ActivePartID: s.activePartID,
		TimerStarted: s.TimerStarted(),
		Blocking:     s.guard.Blocking(),
		Finished:     s.finished,
		Reason:       s.reason,
	}
	if rem, ok := s.TimeRemaining(); ok {
		st.TimeRemaining = &rem
	}

	if s.playback != nil {
		st.Playback = &PlaybackState{
			State:    s.playback.State(),
			Index:    s.playback.Index(),
			Volume:   s.playback.Volume(),
			CanPause: s.playback.CanPause(s.opts.Role),
			Tracks:   s.playback.Tracks(),
		}
	}

	if s.recording != nil {
		part, q := s.recording.Position()
		rs := &RecordingState{Phase: s.recording.Phase(), Part: part, Question: q}
		if v, ok := s.recording.PrepRemaining(); ok {
			rs.PrepRemaining = &v
		}
		if v, ok := s.recording.AnswerRemaining(); ok {
			rs.AnswerRemaining = &v
		}
		st.Recording = rs
	}
	return st
}
