package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/recording"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakePlatform struct{ listeners int }

func (p *fakePlatform) Subscribe(guard.Listener) func() {
	p.listeners++
	return func() { p.listeners-- }
}

type fakeFullscreen struct{ active bool }

func (f *fakeFullscreen) Enter() error {
	f.active = true
	return nil
}

func (f *fakeFullscreen) Exit() error {
	f.active = false
	return nil
}

func (f *fakeFullscreen) Active() bool { return f.active }

type fakeNavigator struct{}

func (fakeNavigator) Location() string { return "/tests/1" }
func (fakeNavigator) Restore(string)   {}

type fakeConfirmer struct{}

func (fakeConfirmer) ConfirmLeave() bool { return false }

type fakeNotifier struct{}

func (fakeNotifier) Warn(guard.Warning) {}

type fakeSubmitter struct {
	mu         sync.Mutex
	release    chan struct{}
	answerErr  error
	answers    [][]model.Answer
	reasons    []model.FinishReason
	recordings [][]byte
}

func (f *fakeSubmitter) SubmitAnswers(_ context.Context, _ uuid.UUID, _ int, answers []model.Answer, reason model.FinishReason) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answers)
	f.reasons = append(f.reasons, reason)
	return f.answerErr
}

func (f *fakeSubmitter) SubmitRecording(_ context.Context, _ uuid.UUID, _ int, rec []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings = append(f.recordings, rec)
	return nil
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

type fakeObserver struct {
	mu      sync.Mutex
	changes int
	failed  []error
	skipped []model.AudioTrack
	results []Result
}

func (o *fakeObserver) Changed(State) {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *fakeObserver) TrackSkipped(t model.AudioTrack) { o.skipped = append(o.skipped, t) }
func (o *fakeObserver) Failed(err error)                { o.failed = append(o.failed, err) }

func (o *fakeObserver) Submitted(r Result) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
}

type fakeHandle struct{}

func (fakeHandle) Play() error             { return nil }
func (fakeHandle) Pause()                  {}
func (fakeHandle) Reset()                  {}
func (fakeHandle) SetVolume(float64, bool) {}
func (fakeHandle) Close()                  {}

type fakeLoader struct{}

func (fakeLoader) Load(model.AudioTrack) (playback.Handle, error) { return fakeHandle{}, nil }

type fakeStream struct{}

func (fakeStream) Release() {}

type fakeGraph struct{}

func (fakeGraph) Close() error { return nil }

type fakeRecorder struct {
	sink   func([]byte)
	active bool
	n      int
}

func (r *fakeRecorder) Start(time.Duration) error { return r.set(true) }
func (r *fakeRecorder) Pause() error              { return r.set(false) }
func (r *fakeRecorder) Resume() error             { return r.set(true) }
func (r *fakeRecorder) Stop() error               { return r.set(false) }

func (r *fakeRecorder) set(active bool) error {
	r.active = active
	return nil
}

func (r *fakeRecorder) Flush() error {
	if r.active {
		r.n++
		r.sink([]byte(fmt.Sprintf("<%d>", r.n)))
	}
	return nil
}

type fakeBackend struct{}

func (fakeBackend) OpenMicrophone(context.Context) (recording.Stream, error) {
	return fakeStream{}, nil
}

func (fakeBackend) BuildGraph(recording.Stream, recording.GraphConfig) (recording.Graph, error) {
	return fakeGraph{}, nil
}

func (fakeBackend) NewRecorder(_ recording.Graph, sink func([]byte)) (recording.Recorder, error) {
	return &fakeRecorder{sink: sink}, nil
}

func intPtr(v int) *int { return &v }

type harness struct {
	submitter  *fakeSubmitter
	observer   *fakeObserver
	platform   *fakePlatform
	fullscreen *fakeFullscreen
	store      *answer.Dense
	opts       Options
	clock      ClockRecorder
}

func newHarness() *harness {
	return &harness{
		submitter:  &fakeSubmitter{},
		observer:   &fakeObserver{},
		platform:   &fakePlatform{},
		fullscreen: &fakeFullscreen{},
	}
}

func (h *harness) open(t *testing.T, test *model.Test) *Session {
	t.Helper()
	h.store = answer.NewDense(test.TotalQuestions)
	opts := h.opts
	opts.UserID, opts.Role = 7, model.RoleStudent
	s, err := New(test, opts, Deps{
		Store:     h.store,
		Submitter: h.submitter,
		Observer:  h.observer,
		Guard: guard.Deps{
			Platform:   h.platform,
			Fullscreen: h.fullscreen,
			Navigator:  fakeNavigator{},
			Confirmer:  fakeConfirmer{},
			Notifier:   fakeNotifier{},
		},
		Loader:  fakeLoader{},
		Backend: fakeBackend{},
		Clock:   h.clock,
		Log:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func readingTest(seconds int) *model.Test {
	return &model.Test{
		ID:              uuid.New(),
		Kind:            model.KindReading,
		Variant:         model.VariantMock,
		DurationSeconds: intPtr(seconds),
		TotalQuestions:  40,
		Parts: []model.Part{
			{ID: 30, OrderKey: 3, QuestionNumbers: []int{27, 28}},
			{ID: 10, OrderKey: 1, QuestionNumbers: []int{1, 2, 3}},
			{ID: 20, OrderKey: 2, QuestionNumbers: []int{14}},
		},
	}
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestReadingExpiryFinishesWhileSubmitPending(t *testing.T) {
	h := newHarness()
	h.submitter.release = make(chan struct{})
	s := h.open(t, readingTest(1200))

	s.Start()
	if !s.Guard().Blocking() || !h.fullscreen.active {
		t.Fatal("expected guard active and fullscreen entered")
	}
	if err := s.SetAnswer(3, model.Answer{Value: "TRUE"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	for i := 0; i < 1199; i++ {
		s.Tick(context.Background())
	}
	if s.Finished() {
		t.Fatal("finished one second early")
	}
	s.Tick(context.Background())

	if !s.Finished() || s.Reason() != model.FinishExpired {
		t.Fatalf("expected EXPIRED finish, got finished=%v reason=%s", s.Finished(), s.Reason())
	}
	if rem, _ := s.TimeRemaining(); rem != 0 {
		t.Errorf("expected 0 remaining, got %d", rem)
	}
	if s.Guard().Blocking() || h.platform.listeners != 0 {
		t.Error("expected guard deactivated on finish")
	}
	if err := s.SetAnswer(4, model.Answer{Value: "late"}); !errors.Is(err, ErrFinished) {
		t.Errorf("expected ErrFinished after expiry, got %v", err)
	}

	close(h.submitter.release)
	s.Wait()

	if h.submitter.calls() != 1 {
		t.Fatalf("expected one submission, got %d", h.submitter.calls())
	}
	got := h.submitter.answers[0]
	if len(got) != 40 || got[2].Value != "TRUE" || got[3].Value != "" {
		t.Errorf("unexpected submitted answers: len=%d q3=%q q4=%q", len(got), got[2].Value, got[3].Value)
	}
	if len(h.observer.results) != 1 || h.observer.results[0].Reason != model.FinishExpired {
		t.Errorf("expected one EXPIRED result, got %+v", h.observer.results)
	}
}

func TestManualSubmitIsAtMostOnce(t *testing.T) {
	h := newHarness()
	s := h.open(t, readingTest(60))
	s.Start()

	if err := s.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(); !errors.Is(err, ErrFinished) {
		t.Errorf("expected ErrFinished on second submit, got %v", err)
	}
	for i := 0; i < 120; i++ {
		s.Tick(context.Background())
	}
	s.Wait()

	if h.submitter.calls() != 1 || h.submitter.reasons[0] != model.FinishManual {
		t.Errorf("expected a single MANUAL submission, got %v", h.submitter.reasons)
	}
}

func TestSubmitFailureKeepsFinished(t *testing.T) {
	h := newHarness()
	h.submitter.answerErr = errors.New("503")
	s := h.open(t, readingTest(60))
	s.Start()

	_ = s.Submit()
	s.Wait()

	if !s.Finished() {
		t.Fatal("expected finished to stay true")
	}
	if len(h.observer.results) != 1 || h.observer.results[0].Err == nil {
		t.Errorf("expected failure surfaced, got %+v", h.observer.results)
	}
	if !h.store.Frozen() {
		t.Error("expected store frozen")
	}
}

func TestUntimedReadingNeverExpires(t *testing.T) {
	h := newHarness()
	test := readingTest(0)
	test.DurationSeconds = nil
	s := h.open(t, test)
	s.Start()

	for i := 0; i < 5000; i++ {
		s.Tick(context.Background())
	}
	if s.Finished() {
		t.Error("expected untimed test to stay open")
	}
	if _, ok := s.TimeRemaining(); ok {
		t.Error("expected no countdown")
	}
}

func TestNavigationFollowsOrderKey(t *testing.T) {
	h := newHarness()
	s := h.open(t, readingTest(60))

	if s.ActivePartID() != 10 {
		t.Fatalf("expected first part 10, got %d", s.ActivePartID())
	}
	s.Previous()
	if s.ActivePartID() != 10 {
		t.Errorf("expected Previous bounded at first part, got %d", s.ActivePartID())
	}
	s.Next()
	s.Next()
	s.Next()
	if s.ActivePartID() != 30 {
		t.Errorf("expected Next bounded at last part, got %d", s.ActivePartID())
	}
	if err := s.Select(20); err != nil || s.ActivePartID() != 20 {
		t.Errorf("expected Select(20), got %d / %v", s.ActivePartID(), err)
	}
	if err := s.Select(99); !errors.Is(err, ErrUnknownPart) {
		t.Errorf("expected ErrUnknownPart, got %v", err)
	}
	if id, ok := s.PartForQuestion(28); !ok || id != 30 {
		t.Errorf("expected question 28 in part 30, got %d/%v", id, ok)
	}
	if _, ok := s.PartForQuestion(40); ok {
		t.Error("expected question 40 unassigned")
	}
}

func TestListeningTimerWaitsForAllTracks(t *testing.T) {
	h := newHarness()
	test := &model.Test{
		ID:              uuid.New(),
		Kind:            model.KindListening,
		Variant:         model.VariantMock,
		DurationSeconds: intPtr(120),
		TotalQuestions:  20,
		Parts: []model.Part{
			{ID: 2, OrderKey: 2, AudioURL: "https://cdn/2.mp3"},
			{ID: 1, OrderKey: 1, AudioURL: "https://cdn/1.mp3"},
		},
	}
	s := h.open(t, test)
	s.Start()

	eng, err := s.Playback()
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	if err := s.Begin(); !errors.Is(err, playback.ErrNotPreloaded) {
		t.Fatalf("expected ErrNotPreloaded, got %v", err)
	}
	eng.HandleCanPlayThrough(1)
	eng.HandleCanPlayThrough(2)
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Tick(context.Background())
	}
	if s.TimerStarted() {
		t.Fatal("timer started before audio finished")
	}
	if rem, _ := s.TimeRemaining(); rem != 120 {
		t.Fatalf("expected 120 remaining, got %d", rem)
	}

	eng.HandleEnded(1)
	if s.TimerStarted() {
		t.Fatal("timer started after the first of two tracks")
	}
	eng.HandleEnded(2)
	if !s.TimerStarted() {
		t.Fatal("expected timer started after the last track")
	}
	s.Tick(context.Background())
	if rem, _ := s.TimeRemaining(); rem != 119 {
		t.Errorf("expected 119 remaining, got %d", rem)
	}
}

func TestSpeakingSubmitsCombinedRecording(t *testing.T) {
	h := newHarness()
	q := []model.SpeakingQuestion{{Number: 1, Content: "a"}, {Number: 2, Content: "b"}}
	test := &model.Test{
		ID:             uuid.New(),
		Kind:           model.KindSpeaking,
		Variant:        model.VariantMock,
		TotalQuestions: 4,
		Parts:          []model.Part{{ID: 1, OrderKey: 1}, {ID: 2, OrderKey: 2}},
		Speaking: []model.SpeakingPart{
			{PartID: 1, PrepTimeSeconds: 10, AnswerTimeSeconds: 20, Questions: q},
			{PartID: 2, PrepTimeSeconds: 10, AnswerTimeSeconds: 20, Questions: q},
		},
	}
	s := h.open(t, test)
	s.Start()

	if _, ok := s.TimeRemaining(); ok {
		t.Fatal("expected speaking to be untimed")
	}
	for i := 0; i < 2*31; i++ {
		s.Tick(context.Background())
	}
	if s.ActivePartID() != 2 {
		t.Errorf("expected second part active after the first part, got %d", s.ActivePartID())
	}
	for i := 0; i < 2*31; i++ {
		s.Tick(context.Background())
	}
	s.Wait()

	if !s.Finished() || s.Reason() != model.FinishCompleted {
		t.Fatalf("expected COMPLETED, got finished=%v reason=%s", s.Finished(), s.Reason())
	}
	if len(h.submitter.recordings) != 1 || string(h.submitter.recordings[0]) != "<1><2><3><4>" {
		t.Errorf("expected one combined recording, got %q", h.submitter.recordings)
	}
}

func TestSpeakingManualSubmitStopsRecording(t *testing.T) {
	h := newHarness()
	test := &model.Test{
		ID:   uuid.New(),
		Kind: model.KindSpeaking,
		Speaking: []model.SpeakingPart{
			{PartID: 1, PrepTimeSeconds: 5, AnswerTimeSeconds: 5, Questions: []model.SpeakingQuestion{{Number: 1}}},
		},
	}
	s := h.open(t, test)
	s.Start()
	rec, _ := s.Recording()
	_ = rec.StartAnswering(context.Background())

	_ = s.Submit()
	s.Wait()

	if rec.Phase() != recording.PhaseFinished || rec.Capturing() {
		t.Errorf("expected recording finished and released, got %s capturing=%v", rec.Phase(), rec.Capturing())
	}
	if len(h.submitter.recordings) != 1 || string(h.submitter.recordings[0]) != "<1>" {
		t.Errorf("expected partial recording submitted once, got %q", h.submitter.recordings)
	}
	if h.submitter.reasons[0] != model.FinishManual {
		t.Errorf("expected MANUAL, got %s", h.submitter.reasons[0])
	}
}

func TestContainRecoversPanics(t *testing.T) {
	h := newHarness()
	s := h.open(t, readingTest(60))
	_ = s.SetAnswer(1, model.Answer{Value: "kept"})

	err := s.Contain(func() error { panic("bad question markup") })
	if !errors.Is(err, ErrContentFailure) {
		t.Fatalf("expected ErrContentFailure, got %v", err)
	}
	if a, _ := s.Answer(1); a.Value != "kept" {
		t.Errorf("expected answers untouched, got %q", a.Value)
	}
}

func TestLoopAppliesCommandsAndReleases(t *testing.T) {
	h := newHarness()
	test := readingTest(60)
	h.store = answer.NewDense(test.TotalQuestions)
	s, err := New(test, Options{TickInterval: time.Hour}, Deps{
		Store:     h.store,
		Submitter: h.submitter,
		Observer:  h.observer,
		Guard: guard.Deps{
			Platform:   h.platform,
			Fullscreen: h.fullscreen,
			Navigator:  fakeNavigator{},
			Confirmer:  fakeConfirmer{},
			Notifier:   fakeNotifier{},
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cmds := make(chan Command, 2)
	cmds <- func(_ context.Context, s *Session) error {
		return s.SetAnswer(2, model.Answer{Selection: "B"})
	}
	cmds <- func(context.Context, *Session) error { panic("boom") }
	close(cmds)

	s.Loop(context.Background(), cmds)

	if a, _ := s.Answer(2); a.Selection != "B" {
		t.Errorf("expected command applied, got %+v", a)
	}
	if len(h.observer.failed) != 1 || !errors.Is(h.observer.failed[0], ErrContentFailure) {
		t.Errorf("expected contained failure reported, got %v", h.observer.failed)
	}
	if h.observer.changes < 3 {
		t.Errorf("expected a state push per step, got %d", h.observer.changes)
	}
	if h.platform.listeners != 0 || h.fullscreen.active {
		t.Error("expected guard released when the loop exits")
	}
}

func TestNewRejectsInvalidKind(t *testing.T) {
	h := newHarness()
	_, err := New(&model.Test{Kind: "ESSAY"}, Options{}, Deps{Store: answer.NewDense(1), Submitter: h.submitter})
	if !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestListeningSubmitStopsAudioAndClock(t *testing.T) {
	h := newHarness()
	test := &model.Test{
		ID:              uuid.New(),
		Kind:            model.KindListening,
		Variant:         model.VariantMock,
		DurationSeconds: intPtr(120),
		TotalQuestions:  10,
		Parts:           []model.Part{{ID: 1, OrderKey: 1, AudioURL: "https://cdn/1.mp3"}},
	}
	s := h.open(t, test)
	s.Start()
	eng, _ := s.Playback()
	eng.HandleCanPlayThrough(1)
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := s.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Wait()

	eng.HandleEnded(1)
	for i := 0; i < 5; i++ {
		s.Tick(context.Background())
	}
	if s.TimerStarted() {
		t.Fatal("section timer started after the test finished")
	}
	if rem, _ := s.TimeRemaining(); rem != 120 {
		t.Errorf("remaining = %d, want 120", rem)
	}
	if eng.State() != playback.StateFinished {
		t.Errorf("playback state = %s, want FINISHED", eng.State())
	}
}

type fakeClock struct{ marks []time.Time }

func (c *fakeClock) MarkStarted(at time.Time) error {
	c.marks = append(c.marks, at)
	return nil
}

func TestClockStartIsPersistedOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{}
	h := newHarness()
	h.clock = clock
	h.opts = Options{Now: func() time.Time { return now }}

	s := h.open(t, readingTest(600))
	s.Start()
	s.Start()
	s.Tick(context.Background())

	if len(clock.marks) != 1 || !clock.marks[0].Equal(now) {
		t.Fatalf("marks = %v, want one at %v", clock.marks, now)
	}
}

func TestReconnectResumesClock(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		elapsed   time.Duration
		remaining int
		expires   bool
	}{
		{"mid test", 250 * time.Second, 350, false},
		{"deadline passed while away", 20 * time.Minute, 0, true},
		{"exactly at deadline", 600 * time.Second, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{}
			h := newHarness()
			h.clock = clock
			h.opts = Options{
				ClockStartedAt: started,
				Now:            func() time.Time { return started.Add(tt.elapsed) },
			}

			s := h.open(t, readingTest(600))
			if rem, _ := s.TimeRemaining(); rem != tt.remaining {
				t.Fatalf("remaining = %d, want %d", rem, tt.remaining)
			}
			s.Start()
			s.Tick(context.Background())
			s.Wait()

			if s.Finished() != tt.expires {
				t.Fatalf("finished = %v, want %v", s.Finished(), tt.expires)
			}
			if tt.expires && s.Reason() != model.FinishExpired {
				t.Errorf("reason = %s, want EXPIRED", s.Reason())
			}
			if len(clock.marks) != 0 {
				t.Errorf("resumed clock should not be persisted again, got %v", clock.marks)
			}
		})
	}
}

func TestListeningReconnectSkipsFinishedAudio(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness()
	h.opts = Options{
		ClockStartedAt: started,
		Now:            func() time.Time { return started.Add(20 * time.Second) },
	}
	test := &model.Test{
		ID:              uuid.New(),
		Kind:            model.KindListening,
		Variant:         model.VariantMock,
		DurationSeconds: intPtr(120),
		TotalQuestions:  10,
		Parts:           []model.Part{{ID: 1, OrderKey: 1, AudioURL: "https://cdn/1.mp3"}},
	}
	s := h.open(t, test)
	s.Start()

	if !s.TimerStarted() {
		t.Fatal("resumed listening clock should run without replaying audio")
	}
	eng, _ := s.Playback()
	if eng.State() != playback.StateFinished {
		t.Errorf("playback state = %s, want FINISHED", eng.State())
	}
	s.Tick(context.Background())
	if rem, _ := s.TimeRemaining(); rem != 99 {
		t.Errorf("remaining = %d, want 99", rem)
	}
}
