package playback

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type recorder struct {
	played []int
}

type fakeHandle struct {
	partID  int
	rec     *recorder
	playing bool
	resets  int
	level   float64
	muted   bool
	closed  bool
	playErr error
}

func (h *fakeHandle) Play() error {
	if h.playErr != nil {
		return h.playErr
	}
	h.playing = true
	h.rec.played = append(h.rec.played, h.partID)
	return nil
}

func (h *fakeHandle) Pause() { h.playing = false }
func (h *fakeHandle) Reset() { h.resets++ }

func (h *fakeHandle) SetVolume(level float64, muted bool) {
	h.level = level
	h.muted = muted
}

func (h *fakeHandle) Close() { h.closed = true }

type fakeLoader struct {
	rec     *recorder
	handles map[int]*fakeHandle
	broken  map[string]bool
}

func newLoader() *fakeLoader {
	return &fakeLoader{rec: &recorder{}, handles: map[int]*fakeHandle{}, broken: map[string]bool{}}
}

func (l *fakeLoader) Load(t model.AudioTrack) (Handle, error) {
	if l.broken[t.SourceURL] {
		return nil, errors.New("404")
	}
	h := &fakeHandle{partID: t.PartID, rec: l.rec}
	l.handles[t.PartID] = h
	return h, nil
}

type fakeSaver struct{ saved []Volume }

func (s *fakeSaver) SaveVolume(v Volume) error {
	s.saved = append(s.saved, v)
	return nil
}

func tracks(keys ...int) []model.AudioTrack {
	out := make([]model.AudioTrack, len(keys))
	for i, k := range keys {
		out[i] = model.AudioTrack{PartID: 100 + i, OrderKey: k, SourceURL: "https://cdn/a" + string(rune('0'+i)) + ".mp3"}
	}
	return out
}

func readyAll(e *Engine) {
	for _, t := range e.Tracks() {
		e.HandleCanPlayThrough(t.PartID)
	}
}

func TestSortTracksByKeyThenID(t *testing.T) {
	in := []model.AudioTrack{
		{PartID: 9, OrderKey: 3},
		{PartID: 5, OrderKey: 1},
		{PartID: 7, OrderKey: 2},
		{PartID: 2, OrderKey: 2},
	}
	got := SortTracks(in)
	want := []int{5, 2, 7, 9}
	for i, id := range want {
		if got[i].PartID != id {
			t.Fatalf("position %d: expected part %d, got %d", i, id, got[i].PartID)
		}
	}
	if in[0].PartID != 9 {
		t.Error("expected input slice untouched")
	}
}

func TestMockPlaysInOrderAndFinishesOnce(t *testing.T) {
	l := newLoader()
	finished := 0
	e := New(Config{
		Variant:       model.VariantMock,
		Tracks:        tracks(3, 1, 2),
		OnAllFinished: func() { finished++ },
	}, l, nil, zerolog.Nop())

	if err := e.Begin(); !errors.Is(err, ErrNotPreloaded) {
		t.Fatalf("expected ErrNotPreloaded before preload, got %v", err)
	}

	e.Preload()
	readyAll(e)
	if e.State() != StateReady {
		t.Fatalf("expected READY, got %s", e.State())
	}
	if err := e.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// part ids: key 3 -> 100, key 1 -> 101, key 2 -> 102
	for _, id := range []int{101, 102, 100} {
		e.HandleEnded(id)
	}

	want := []int{101, 102, 100}
	if len(l.rec.played) != len(want) {
		t.Fatalf("expected %v, got %v", want, l.rec.played)
	}
	for i := range want {
		if l.rec.played[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, l.rec.played)
		}
	}
	if finished != 1 || e.State() != StateFinished {
		t.Errorf("expected one finish and FINISHED, got %d / %s", finished, e.State())
	}
	if l.handles[101].resets != 1 {
		t.Errorf("expected ended track reset to 0, got %d resets", l.handles[101].resets)
	}

	e.HandleEnded(100)
	if finished != 1 {
		t.Errorf("expected finish to stay at 1, got %d", finished)
	}
}

func TestBrokenTrackIsSkippedWithoutStalling(t *testing.T) {
	l := newLoader()
	in := tracks(2, 1, 3)
	l.broken[in[0].SourceURL] = true // key 2

	var skipped []int
	finished := false
	e := New(Config{
		Variant:       model.VariantMock,
		Tracks:        in,
		OnAllFinished: func() { finished = true },
		OnSkipped:     func(t model.AudioTrack) { skipped = append(skipped, t.OrderKey) },
	}, l, nil, zerolog.Nop())

	preloaded := false
	e.cfg.OnPreloaded = func() { preloaded = true }
	e.Preload()
	e.HandleCanPlayThrough(101)
	e.HandleCanPlayThrough(102)
	if !preloaded {
		t.Fatal("expected preload to complete with a failed track")
	}

	_ = e.Begin()
	e.HandleEnded(101) // key 1 ends, key 2 is broken, key 3 plays
	if finished {
		t.Fatal("finished before the last track ended")
	}
	if len(skipped) != 1 || skipped[0] != 2 {
		t.Fatalf("expected key 2 skipped, got %v", skipped)
	}
	e.HandleEnded(102)
	if !finished {
		t.Error("expected finish after the last track ended")
	}
}

func TestErrorDuringPlaybackSkipsToNext(t *testing.T) {
	l := newLoader()
	e := New(Config{Variant: model.VariantMock, Tracks: tracks(1, 2)}, l, nil, zerolog.Nop())
	e.Preload()
	readyAll(e)
	_ = e.Begin()

	e.HandleError(100, errors.New("decode error"))

	if e.Index() != 1 || e.State() != StatePlaying {
		t.Errorf("expected second track playing, got index %d state %s", e.Index(), e.State())
	}
}

func TestThematicPauseGating(t *testing.T) {
	l := newLoader()
	e := New(Config{Variant: model.VariantThematic, Tracks: tracks(1, 2)}, l, nil, zerolog.Nop())
	e.Preload()
	readyAll(e)
	_ = e.Begin()

	if e.State() != StatePaused {
		t.Fatalf("expected thematic to start paused, got %s", e.State())
	}
	if len(l.rec.played) != 0 {
		t.Fatalf("expected nothing played yet, got %v", l.rec.played)
	}
	if !e.CanPause(model.RoleStudent) {
		t.Error("expected student pause available before first resume")
	}

	e.Resume(model.RoleStudent)
	if e.State() != StatePlaying {
		t.Fatalf("expected PLAYING after resume, got %s", e.State())
	}
	if err := e.Pause(model.RoleStudent); !errors.Is(err, ErrPauseNotAllowed) {
		t.Errorf("expected student pause refused after resume, got %v", err)
	}
	if err := e.Pause(model.RoleTeacher); err != nil {
		t.Errorf("expected teacher pause allowed, got %v", err)
	}
	if e.State() != StatePaused {
		t.Errorf("expected PAUSED after teacher pause, got %s", e.State())
	}
}

func TestMockForbidsStudentPause(t *testing.T) {
	l := newLoader()
	e := New(Config{Variant: model.VariantMock, Tracks: tracks(1)}, l, nil, zerolog.Nop())
	e.Preload()
	readyAll(e)
	_ = e.Begin()

	if err := e.MediaKey(KeyPlayPause, model.RoleStudent); !errors.Is(err, ErrPauseNotAllowed) {
		t.Errorf("expected media key pause refused, got %v", err)
	}
	if e.State() != StatePlaying {
		t.Errorf("expected still PLAYING, got %s", e.State())
	}
}

func TestMediaKeyJumpsAreBounded(t *testing.T) {
	l := newLoader()
	e := New(Config{Variant: model.VariantMock, Tracks: tracks(1, 2, 3)}, l, nil, zerolog.Nop())
	e.Preload()
	readyAll(e)
	_ = e.Begin()

	tests := []struct {
		key  MediaKey
		want int
	}{
		{KeyPrevious, 0},
		{KeyNext, 1},
		{KeyNext, 2},
		{KeyNext, 2},
		{KeyPrevious, 1},
	}
	for i, tt := range tests {
		_ = e.MediaKey(tt.key, model.RoleStudent)
		if e.Index() != tt.want {
			t.Fatalf("step %d (%s): expected index %d, got %d", i, tt.key, tt.want, e.Index())
		}
	}
	if e.State() != StatePlaying {
		t.Errorf("expected PLAYING after jumps, got %s", e.State())
	}
}

func TestVolumeAppliesToActiveAndLaterTracks(t *testing.T) {
	l := newLoader()
	saver := &fakeSaver{}
	stored := Volume{Level: 0.4}
	e := New(Config{Variant: model.VariantMock, Tracks: tracks(1, 2), Volume: &stored}, l, saver, zerolog.Nop())
	e.Preload()
	readyAll(e)
	_ = e.Begin()

	if l.handles[100].level != 0.4 {
		t.Fatalf("expected persisted volume on first track, got %v", l.handles[100].level)
	}

	e.SetVolume(Volume{Level: 1.7, Muted: true})
	if l.handles[100].level != 1 || !l.handles[100].muted {
		t.Errorf("expected clamped muted volume on active track, got %v/%v", l.handles[100].level, l.handles[100].muted)
	}
	if len(saver.saved) != 1 || saver.saved[0].Level != 1 {
		t.Errorf("expected one persisted volume of 1, got %+v", saver.saved)
	}

	e.HandleEnded(100)
	if l.handles[101].level != 1 || !l.handles[101].muted {
		t.Errorf("expected volume carried to next track, got %v/%v", l.handles[101].level, l.handles[101].muted)
	}
}

func TestCloseReleasesHandles(t *testing.T) {
	l := newLoader()
	e := New(Config{Variant: model.VariantMock, Tracks: tracks(1, 2)}, l, nil, zerolog.Nop())
	e.Preload()
	e.Close()

	for id, h := range l.handles {
		if !h.closed {
			t.Errorf("handle %d not closed", id)
		}
	}
}

func TestStopEndsSectionWithoutFinishCallback(t *testing.T) {
	l := newLoader()
	finished := 0
	e := New(Config{
		Variant:       model.VariantMock,
		Tracks:        tracks(1, 2),
		OnAllFinished: func() { finished++ },
	}, l, nil, zerolog.Nop())
	e.Preload()
	readyAll(e)
	if err := e.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	e.Stop()
	if l.handles[100].playing {
		t.Error("active track still playing after Stop")
	}
	for id, h := range l.handles {
		if !h.closed {
			t.Errorf("handle %d not closed", id)
		}
	}

	e.HandleEnded(100)
	e.HandleEnded(101)
	if finished != 0 {
		t.Fatalf("OnAllFinished fired %d times after Stop", finished)
	}
	if e.State() != StateFinished {
		t.Errorf("state = %s, want FINISHED", e.State())
	}
	if len(l.rec.played) != 1 {
		t.Errorf("played %v, want only the first track", l.rec.played)
	}
}
