package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/recording"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing             Action = "ping"
	ActionBegin            Action = "begin"
	ActionAnswer           Action = "answer"
	ActionNavigatePart     Action = "navigate_part"
	ActionSubmit           Action = "submit"
	ActionNavAttempt       Action = "nav_attempt"
	ActionKey              Action = "key"
	ActionFullscreenChange Action = "fullscreen_change"
	ActionBeforeUnload     Action = "before_unload"
	ActionMediaReady       Action = "media_ready"
	ActionMediaError       Action = "media_error"
	ActionMediaEnded       Action = "media_ended"
	ActionMediaKey         Action = "media_key"
	ActionVolume           Action = "volume"
	ActionPause            Action = "pause"
	ActionResume           Action = "resume"
	ActionStartAnswering   Action = "start_answering"
	ActionStopAnswering    Action = "stop_answering"
	ActionReadAloud        Action = "read_aloud"
	ActionStopReadAloud    Action = "stop_read_aloud"
	ActionRecorderData     Action = "recorder_data"
	ActionMicDenied        Action = "mic_denied"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest saves the answer for one question.
type AnswerRequest struct {
	Action Action `json:"action"`
	model.SetAnswerRequest
}

// Direction values for NavigatePartRequest.
const (
	DirectionNext     = "next"
	DirectionPrevious = "previous"
)

// NavigatePartRequest moves focus by direction, to a part, or to the part
// holding a question.
type NavigatePartRequest struct {
	Action         Action `json:"action"`
	Direction      string `json:"direction" binding:"omitempty,oneof=next previous"`
	PartID         int    `json:"part_id" binding:"omitempty,min=1"`
	QuestionNumber int    `json:"question_number" binding:"omitempty,min=1"`
}

// NavAttemptRequest reports an intercepted navigation. Confirmed carries the
// student's answer to the leave prompt shown by the client.
type NavAttemptRequest struct {
	Action    Action `json:"action"`
	Target    string `json:"target" binding:"max=2048"`
	Confirmed bool   `json:"confirmed"`
}

// KeyRequest reports a key press while the guard is active.
type KeyRequest struct {
	Action Action `json:"action"`
	guard.Key
}

// FullscreenChangeRequest reports the viewport fullscreen state.
type FullscreenChangeRequest struct {
	Action Action `json:"action"`
	Active bool   `json:"active"`
}

// MediaRequest reports an audio element event.
type MediaRequest struct {
	Action Action `json:"action"`
	PartID int    `json:"part_id" binding:"required"`
	Error  string `json:"error"`
}

// MediaKeyRequest reports an OS media control.
type MediaKeyRequest struct {
	Action Action            `json:"action"`
	Key    playback.MediaKey `json:"key" binding:"required,oneof=play_pause next previous"`
}

// VolumeRequest changes the shared playback volume.
type VolumeRequest struct {
	Action Action `json:"action"`
	model.VolumeRequest
}

// RecorderDataRequest carries one recorded chunk. Flushed marks the reply
// to a recorder_flush command.
type RecorderDataRequest struct {
	Action  Action `json:"action"`
	Chunk   []byte `json:"chunk"`
	Flushed bool   `json:"flushed"`
}

// MicDeniedRequest reports a refused or revoked microphone.
type MicDeniedRequest struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError           Event = "error"
	EventPong            Event = "pong"
	EventSaved           Event = "saved"
	EventState           Event = "state"
	EventFinished        Event = "finished"
	EventWarn            Event = "warn"
	EventTrackSkipped    Event = "track_skipped"
	EventFullscreenEnter Event = "fullscreen_enter"
	EventFullscreenExit  Event = "fullscreen_exit"
	EventRestoreLocation Event = "restore_location"
	EventMediaLoad       Event = "media_load"
	EventMediaPlay       Event = "media_play"
	EventMediaPause      Event = "media_pause"
	EventMediaReset      Event = "media_reset"
	EventMediaVolume     Event = "media_volume"
	EventMediaClose      Event = "media_close"
	EventMicOpen         Event = "mic_open"
	EventMicRelease      Event = "mic_release"
	EventGraphBuild      Event = "graph_build"
	EventGraphClose      Event = "graph_close"
	EventRecorderStart   Event = "recorder_start"
	EventRecorderPause   Event = "recorder_pause"
	EventRecorderResume  Event = "recorder_resume"
	EventRecorderFlush   Event = "recorder_flush"
	EventRecorderStop    Event = "recorder_stop"
	EventSpeak           Event = "speak"
	EventSpeechCancel    Event = "speech_cancel"
)

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

type SavedResponse struct {
	Event          Event `json:"event"`
	QuestionNumber int   `json:"question_number"`
}

type StateResponse struct {
	Event Event         `json:"event"`
	State session.State `json:"state"`
}

type FinishedResponse struct {
	Event  Event              `json:"event"`
	Reason model.FinishReason `json:"reason"`
	Status string             `json:"status"`
	Error  string             `json:"error,omitempty"`
}

type WarnResponse struct {
	Event Event `json:"event"`
	guard.Warning
}

type TrackSkippedResponse struct {
	Event Event            `json:"event"`
	Track model.AudioTrack `json:"track"`
}

// CommandResponse is a bare platform command with no arguments.
type CommandResponse struct {
	Event Event `json:"event"`
}

type LocationResponse struct {
	Event    Event  `json:"event"`
	Location string `json:"location"`
}

type MediaLoadResponse struct {
	Event Event            `json:"event"`
	Track model.AudioTrack `json:"track"`
}

// MediaResponse targets one loaded audio element.
type MediaResponse struct {
	Event  Event `json:"event"`
	PartID int   `json:"part_id"`
}

type MediaVolumeResponse struct {
	Event  Event   `json:"event"`
	PartID int     `json:"part_id"`
	Level  float64 `json:"level"`
	Muted  bool    `json:"muted"`
}

type GraphBuildResponse struct {
	Event Event                 `json:"event"`
	Graph recording.GraphConfig `json:"graph"`
}

type RecorderStartResponse struct {
	Event       Event `json:"event"`
	TimesliceMS int64 `json:"timeslice_ms"`
}

type SpeakResponse struct {
	Event Event  `json:"event"`
	Text  string `json:"text"`
}
