// Package session composes the answer store, countdown, page-leave guard,
// playback engine and recording machine into one running test.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/countdown"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/recording"
)

var (
	ErrFinished    = errors.New("test is already finished")
	ErrUnsupported = errors.New("operation not available for this test")
	ErrUnknownPart = errors.New("unknown part")
	ErrInvalidKind = errors.New("invalid test kind")
)

const defaultSubmitTimeout = 30 * time.Second

// Submitter delivers the terminal results. Each method is called at most
// once per session.
type Submitter interface {
	SubmitAnswers(ctx context.Context, testID uuid.UUID, userID int, answers []model.Answer, reason model.FinishReason) error
	SubmitRecording(ctx context.Context, testID uuid.UUID, userID int, recording []byte) error
}

// Store is an answer store that can be frozen on finish.
type Store interface {
	answer.Store
	Freeze()
}

// ClockRecorder persists the moment the section clock first started so a
// reconnect resumes it instead of starting over.
type ClockRecorder interface {
	MarkStarted(at time.Time) error
}

// Observer receives session output. Submitted is called from the
// submission goroutine; every other method from the session loop.
type Observer interface {
	Changed(st State)
	TrackSkipped(track model.AudioTrack)
	Failed(err error)
	Submitted(res Result)
}

// Result is the outcome of the terminal submission.
type Result struct {
	Reason model.FinishReason `json:"reason"`
	Err    error              `json:"-"`
}

// Deps are the collaborators of a session. Unused adapters may be nil
// (Loader for non-listening tests, Backend for non-speaking ones).
type Deps struct {
	Store       Store
	Submitter   Submitter
	Observer    Observer
	Guard       guard.Deps
	Loader      playback.Loader
	VolumeSaver playback.VolumeSaver
	Backend     recording.Backend
	Speech      recording.Speech
	Clock       ClockRecorder
	Log         zerolog.Logger
}

// Options tune a session.
type Options struct {
	UserID        int
	Role          model.Role
	Volume        *playback.Volume
	Timeslice     time.Duration
	SettleTicks   int
	AutoReadAloud bool
	SubmitTimeout time.Duration
	// ClockStartedAt is when an earlier connection started the section
	// clock. Zero means it never ran.
	ClockStartedAt time.Time
	// Now defaults to time.Now.
	Now func() time.Time
	// TickInterval drives Loop; zero means one second.
	TickInterval time.Duration
}

// Session is one student's run through one test. Apart from Wait and the
// Observer's Submitted callback, it is owned by a single goroutine.
type Session struct {
	test  *model.Test
	parts []model.Part
	opts  Options
	deps  Deps
	log   zerolog.Logger

	timer     *countdown.Timer
	guard     *guard.Guard
	playback  *playback.Engine
	recording *recording.Session

	activePartID int
	started      bool
	finished     bool
	reason       model.FinishReason
	blob         []byte

	wg sync.WaitGroup
}

// New builds the components the test kind needs.
func New(test *model.Test, opts Options, deps Deps) (*Session, error) {
	if test == nil || !test.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if deps.Store == nil || deps.Submitter == nil {
		return nil, errors.New("session: store and submitter are required")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if !opts.Role.Valid() {
		opts.Role = model.RoleStudent
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		test:  test,
		parts: model.SortParts(test.Parts),
		opts:  opts,
		deps:  deps,
		log: deps.Log.With().
			Str("component", "test_session").
			Str("test_id", test.ID.String()).
			Int("user_id", opts.UserID).
			Logger(),
	}
	if len(s.parts) > 0 {
		s.activePartID = s.parts[0].ID
	}

	s.guard = guard.New(deps.Guard, s.log)

	if test.Kind != model.KindSpeaking && test.DurationSeconds != nil {
		s.timer = countdown.New(s.initialSeconds(*test.DurationSeconds), func() { s.finish(model.FinishExpired) })
	}

	switch test.Kind {
	case model.KindListening:
		if deps.Loader == nil {
			return nil, fmt.Errorf("session: listening test %s needs a media loader", test.ID)
		}
		s.playback = playback.New(playback.Config{
			Variant:       test.Variant,
			Tracks:        test.AudioTracks(),
			Volume:        opts.Volume,
			OnAllFinished: s.onAllTracksFinished,
			OnSkipped:     deps.Observer.TrackSkipped,
		}, deps.Loader, deps.VolumeSaver, s.log)
	case model.KindSpeaking:
		if deps.Backend == nil {
			return nil, fmt.Errorf("session: speaking test %s needs a recording backend", test.ID)
		}
		s.recording = recording.New(recording.Config{
			Parts:         test.Speaking,
			Timeslice:     opts.Timeslice,
			SettleTicks:   opts.SettleTicks,
			AutoReadAloud: opts.AutoReadAloud,
			OnAdvancePart: s.onSpeakingPart,
			OnComplete:    s.onRecordingComplete,
		}, deps.Backend, deps.Speech, s.log)
	}

	return s, nil
}

// Start activates the guard and the first component of the test.
func (s *Session) Start() {
	if s.started || s.finished {
		return
	}
	s.started = true
	s.guard.Activate(true)

	switch s.test.Kind {
	case model.KindReading, model.KindWriting:
		s.startTimer()
	case model.KindListening:
		if s.resumed() {
			// The audio already played out on an earlier connection.
			s.playback.Stop()
			s.startTimer()
		} else {
			s.playback.Preload()
		}
	case model.KindSpeaking:
		s.recording.Start()
	}
	s.log.Info().Str("kind", string(s.test.Kind)).Bool("resumed", s.resumed()).Msg("Session started")
}

func (s *Session) resumed() bool { return !s.opts.ClockStartedAt.IsZero() }

// initialSeconds subtracts the time already spent on earlier connections.
// A non-positive result expires the timer on its first tick.
func (s *Session) initialSeconds(duration int) int {
	if !s.resumed() {
		return duration
	}
	elapsed := int(s.opts.Now().Sub(s.opts.ClockStartedAt) / time.Second)
	if remaining := duration - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

func (s *Session) startTimer() {
	if s.timer == nil || s.timer.Started() {
		return
	}
	s.timer.Start()
	if s.resumed() || s.deps.Clock == nil {
		return
	}
	if err := s.deps.Clock.MarkStarted(s.opts.Now()); err != nil {
		s.log.Warn().Err(err).Msg("Persist clock start failed")
	}
}

// Begin starts listening playback once audio has been checked.
func (s *Session) Begin() error {
	if s.playback == nil {
		return ErrUnsupported
	}
	if s.finished {
		return ErrFinished
	}
	return s.playback.Begin()
}

func (s *Session) onAllTracksFinished() {
	if s.finished {
		return
	}
	s.log.Info().Msg("Listening audio finished, starting section timer")
	s.startTimer()
}

func (s *Session) onSpeakingPart(next int) {
	if next < len(s.test.Speaking) {
		s.activePartID = s.test.Speaking[next].PartID
	}
}

func (s *Session) onRecordingComplete(rec []byte) {
	s.blob = rec
	s.finish(model.FinishCompleted)
}

// Tick advances the countdown and the recording machine by one second.
func (s *Session) Tick(ctx context.Context) {
	if s.timer != nil {
		s.timer.Tick()
	}
	if s.recording != nil && !s.finished {
		s.recording.Tick(ctx)
	}
}

// Submit finishes the test on the student's request.
func (s *Session) Submit() error {
	if s.finished {
		return ErrFinished
	}
	s.finish(model.FinishManual)
	return nil
}

// finish is the one-way terminal transition. The submission runs in the
// background so local state is final even while the network call is pending.
func (s *Session) finish(reason model.FinishReason) {
	if s.finished {
		return
	}
	s.finished = true
	s.reason = reason
	s.deps.Store.Freeze()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.playback != nil {
		s.playback.Stop()
	}
	if s.recording != nil {
		// Collects the blob through onRecordingComplete.
		s.recording.Finish()
	}
	s.guard.Deactivate()

	s.log.Info().Str("reason", string(reason)).Msg("Session finished")
	s.submit(reason, s.deps.Store.Snapshot(), s.blob)
}

func (s *Session) submit(reason model.FinishReason, answers []model.Answer, blob []byte) {
	speaking := s.recording != nil
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SubmitTimeout)
		defer cancel()

		var errs []error
		if err := s.deps.Submitter.SubmitAnswers(ctx, s.test.ID, s.opts.UserID, answers, reason); err != nil {
			errs = append(errs, fmt.Errorf("submit answers: %w", err))
		}
		if speaking {
			if err := s.deps.Submitter.SubmitRecording(ctx, s.test.ID, s.opts.UserID, blob); err != nil {
				errs = append(errs, fmt.Errorf("submit recording: %w", err))
			}
		}

		res := Result{Reason: reason, Err: errors.Join(errs...)}
		if res.Err != nil {
			s.log.Error().Err(res.Err).Msg("Submission failed")
		} else {
			s.log.Info().Int("answers", len(answers)).Int("recording_bytes", len(blob)).Msg("Submission delivered")
		}
		s.deps.Observer.Submitted(res)
	}()
}

// Wait blocks until a pending submission has returned.
func (s *Session) Wait() { s.wg.Wait() }

// SetAnswer records an answer. Rejected once the test is finished.
func (s *Session) SetAnswer(questionNumber int, a model.Answer) error {
	if s.finished {
		return ErrFinished
	}
	return s.deps.Store.Set(questionNumber, a)
}

// Answer returns the current answer for questionNumber.
func (s *Session) Answer(questionNumber int) (model.Answer, error) {
	return s.deps.Store.Get(questionNumber)
}

// Answers returns every answer slot in question order.
func (s *Session) Answers() []model.Answer { return s.deps.Store.Snapshot() }

// Close releases every component on abnormal exit. The test is not finished.
func (s *Session) Close() {
	s.guard.Close()
	if s.playback != nil {
		s.playback.Close()
	}
	if s.recording != nil {
		s.recording.Close()
	}
}

// Finished reports whether the terminal transition has happened.
func (s *Session) Finished() bool { return s.finished }

// Reason returns why the test finished.
func (s *Session) Reason() model.FinishReason { return s.reason }

// Role returns the viewer role the session was opened with.
func (s *Session) Role() model.Role { return s.opts.Role }

// Guard returns the page-leave guard.
func (s *Session) Guard() *guard.Guard { return s.guard }

// Playback returns the listening engine.
func (s *Session) Playback() (*playback.Engine, error) {
	if s.playback == nil {
		return nil, ErrUnsupported
	}
	return s.playback, nil
}

// Recording returns the speaking machine.
func (s *Session) Recording() (*recording.Session, error) {
	if s.recording == nil {
		return nil, ErrUnsupported
	}
	return s.recording, nil
}

// TimeRemaining returns the countdown value, or false when untimed.
func (s *Session) TimeRemaining() (int, bool) {
	if s.timer == nil {
		return 0, false
	}
	return s.timer.Remaining(), true
}

// TimerStarted reports whether the countdown is running.
func (s *Session) TimerStarted() bool { return s.timer != nil && s.timer.Started() }

type nopObserver struct{}

func (nopObserver) Changed(State)                 {}
func (nopObserver) TrackSkipped(model.AudioTrack) {}
func (nopObserver) Failed(error)                  {}
func (nopObserver) Submitted(Result)              {}
