// Package recording runs the speaking test: per-question preparation and
// answering windows captured into one combined recording.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var ErrWrongPhase = errors.New("operation not allowed in current phase")

// Phase is the state of the current question.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhasePreparation Phase = "PREPARATION"
	PhaseAnswering   Phase = "ANSWERING"
	PhasePaused      Phase = "PAUSED"
	PhaseFinished    Phase = "FINISHED"
)

const (
	DefaultTimeslice   = time.Second
	DefaultSettleTicks = 1
)

// Config describes one speaking test.
type Config struct {
	Parts         []model.SpeakingPart
	Timeslice     time.Duration
	SettleTicks   int
	Graph         GraphConfig
	AutoReadAloud bool
	// OnAdvancePart fires before the first question of part index next.
	OnAdvancePart func(next int)
	// OnPhase fires on every phase change.
	OnPhase func(phase Phase, part, question int)
	// OnComplete fires exactly once with the combined recording.
	OnComplete func(recording []byte)
}

// Session owns the microphone, graph and recorder for a whole test.
// It is driven by Tick once per second and is not safe for concurrent use.
type Session struct {
	cfg     Config
	backend Backend
	speech  Speech
	log     zerolog.Logger

	phase    Phase
	part     int
	question int
	prep     *int
	answer   *int
	settle   int

	stream   Stream
	graph    Graph
	recorder Recorder
	chunks   [][]byte

	completed bool
}

// New creates an idle session. speech may be nil.
func New(cfg Config, backend Backend, speech Speech, log zerolog.Logger) *Session {
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = DefaultTimeslice
	}
	if cfg.SettleTicks <= 0 {
		cfg.SettleTicks = DefaultSettleTicks
	}
	if cfg.Graph == (GraphConfig{}) {
		cfg.Graph = DefaultGraph
	}
	return &Session{
		cfg:     cfg,
		backend: backend,
		speech:  speech,
		log:     log.With().Str("component", "recording_session").Logger(),
		phase:   PhaseIdle,
	}
}

// Start enters preparation for the first question of the first part.
func (s *Session) Start() {
	if s.phase != PhaseIdle {
		return
	}
	if !s.hasQuestion(0, 0) {
		s.finish()
		return
	}
	s.enterPreparation(0, 0)
}

func (s *Session) hasQuestion(part, question int) bool {
	return part < len(s.cfg.Parts) && question < len(s.cfg.Parts[part].Questions)
}

func (s *Session) current() model.SpeakingPart { return s.cfg.Parts[s.part] }

func (s *Session) setPhase(p Phase) {
	s.phase = p
	if s.cfg.OnPhase != nil {
		s.cfg.OnPhase(p, s.part, s.question)
	}
}

func (s *Session) enterPreparation(part, question int) {
	s.part = part
	s.question = question
	s.answer = nil
	prep := s.current().PrepTimeSeconds
	s.prep = &prep
	s.setPhase(PhasePreparation)

	if s.cfg.AutoReadAloud {
		s.ReadAloud()
	}
}

// Tick advances whichever per-question countdown is active.
func (s *Session) Tick(ctx context.Context) {
	switch s.phase {
	case PhasePreparation:
		*s.prep = decrement(*s.prep)
		if *s.prep == 0 {
			s.beginAnswering(ctx)
		}
	case PhaseAnswering:
		*s.answer = decrement(*s.answer)
		if *s.answer == 0 {
			s.pauseAnswering()
		}
	case PhasePaused:
		s.settle--
		if s.settle <= 0 {
			s.advance()
		}
	}
}

func decrement(v int) int {
	if v <= 1 {
		return 0
	}
	return v - 1
}

// StartAnswering skips the rest of preparation.
func (s *Session) StartAnswering(ctx context.Context) error {
	if s.phase != PhasePreparation {
		return ErrWrongPhase
	}
	s.StopReadAloud()
	zero := 0
	s.prep = &zero
	s.beginAnswering(ctx)
	return nil
}

// StopAnswering ends the answering window early.
func (s *Session) StopAnswering() error {
	if s.phase != PhaseAnswering {
		return ErrWrongPhase
	}
	s.pauseAnswering()
	return nil
}

func (s *Session) beginAnswering(ctx context.Context) {
	s.StopReadAloud()
	answer := s.current().AnswerTimeSeconds
	s.answer = &answer
	s.setPhase(PhaseAnswering)

	if err := s.capture(ctx); err != nil {
		s.log.Error().Err(err).
			Int("part", s.part).
			Int("question", s.question).
			Msg("Microphone unavailable, skipping answer")
		s.releaseCapture()
		s.pauseAnswering()
	}
}

// HandleMicrophoneDenied aborts the current window when permission is
// revoked or refused after the fact.
func (s *Session) HandleMicrophoneDenied(err error) {
	if s.phase != PhasePreparation && s.phase != PhaseAnswering {
		return
	}
	s.log.Error().Err(err).Msg("Microphone permission denied")
	s.StopReadAloud()
	s.releaseCapture()
	s.pauseAnswering()
}

// capture starts the recorder on first use and resumes it afterwards.
func (s *Session) capture(ctx context.Context) error {
	if s.recorder != nil {
		if err := s.recorder.Resume(); err != nil {
			return fmt.Errorf("resume recorder: %w", err)
		}
		return nil
	}

	stream, err := s.backend.OpenMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	s.stream = stream

	graph, err := s.backend.BuildGraph(stream, s.cfg.Graph)
	if err != nil {
		return fmt.Errorf("build audio graph: %w", err)
	}
	s.graph = graph

	rec, err := s.backend.NewRecorder(graph, s.HandleData)
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}
	if err := rec.Start(s.cfg.Timeslice); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	s.recorder = rec

	s.log.Info().Dur("timeslice", s.cfg.Timeslice).Msg("Capture started")
	return nil
}

func (s *Session) pauseAnswering() {
	if s.recorder != nil {
		if err := s.recorder.Flush(); err != nil {
			s.log.Warn().Err(err).Msg("Flush before pause failed")
		}
		if err := s.recorder.Pause(); err != nil {
			s.log.Warn().Err(err).Msg("Recorder pause failed")
		}
	}
	zero := 0
	s.answer = &zero
	s.settle = s.cfg.SettleTicks
	s.setPhase(PhasePaused)
}

func (s *Session) advance() {
	switch {
	case s.hasQuestion(s.part, s.question+1):
		s.enterPreparation(s.part, s.question+1)
	case s.hasQuestion(s.part+1, 0):
		next := s.part + 1
		if s.cfg.OnAdvancePart != nil {
			s.cfg.OnAdvancePart(next)
		}
		s.enterPreparation(next, 0)
	default:
		s.finish()
	}
}

// Finish stops capture and completes the test early. Idempotent.
func (s *Session) Finish() {
	s.finish()
}

func (s *Session) finish() {
	if s.completed {
		return
	}
	s.completed = true
	s.StopReadAloud()
	s.releaseCapture()
	s.prep = nil
	s.answer = nil
	s.setPhase(PhaseFinished)

	rec := s.Recording()
	s.log.Info().Int("chunks", len(s.chunks)).Int("bytes", len(rec)).Msg("Speaking test finished")
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(rec)
	}
}

// releaseCapture flushes, stops and releases every capture resource.
func (s *Session) releaseCapture() {
	if s.recorder != nil {
		if err := s.recorder.Flush(); err != nil {
			s.log.Warn().Err(err).Msg("Final flush failed")
		}
		if err := s.recorder.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("Recorder stop failed")
		}
		s.recorder = nil
	}
	if s.graph != nil {
		if err := s.graph.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Audio graph close failed")
		}
		s.graph = nil
	}
	if s.stream != nil {
		s.stream.Release()
		s.stream = nil
	}
}

// Close releases resources on abnormal exit without completing the test.
func (s *Session) Close() {
	s.StopReadAloud()
	s.releaseCapture()
}

// HandleData appends a captured chunk. Chunks are never reordered.
func (s *Session) HandleData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
}

// ReadAloud speaks the current question.
func (s *Session) ReadAloud() {
	if s.speech == nil || !s.hasQuestion(s.part, s.question) {
		return
	}
	s.speech.Cancel()
	s.speech.Speak(PlainText(s.current().Questions[s.question].Content))
}

// StopReadAloud cancels speech in progress.
func (s *Session) StopReadAloud() {
	if s.speech != nil {
		s.speech.Cancel()
	}
}

// Recording concatenates every chunk captured so far.
func (s *Session) Recording() []byte {
	return bytes.Join(s.chunks, nil)
}

// Chunks returns how many chunks have been captured.
func (s *Session) Chunks() int { return len(s.chunks) }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Position returns the current part and question indexes.
func (s *Session) Position() (part, question int) { return s.part, s.question }

// PrepRemaining returns the preparation seconds left, if counting.
func (s *Session) PrepRemaining() (int, bool) {
	if s.prep == nil || s.phase != PhasePreparation {
		return 0, false
	}
	return *s.prep, true
}

// AnswerRemaining returns the answering seconds left, if counting.
func (s *Session) AnswerRemaining() (int, bool) {
	if s.answer == nil || s.phase != PhaseAnswering {
		return 0, false
	}
	return *s.answer, true
}

// Capturing reports whether the microphone is held.
func (s *Session) Capturing() bool { return s.stream != nil }
