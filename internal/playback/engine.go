// Package playback plays the listening section audio back-to-back and signals
// when every track has been heard.
package playback

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrNotPreloaded    = errors.New("tracks are still preloading")
	ErrPauseNotAllowed = errors.New("pause is not allowed for this role")
)

// State is the engine's playback state.
type State string

const (
	StateIdle       State = "IDLE"
	StatePreloading State = "PRELOADING"
	StateReady      State = "READY"
	StatePlaying    State = "PLAYING"
	StatePaused     State = "PAUSED"
	StateFinished   State = "FINISHED"
)

// MediaKey is a hardware/OS media control.
type MediaKey string

const (
	KeyPlayPause MediaKey = "play_pause"
	KeyNext      MediaKey = "next"
	KeyPrevious  MediaKey = "previous"
)

// Volume is the single volume setting shared by every track.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// DefaultVolume is used when nothing has been persisted yet.
var DefaultVolume = Volume{Level: 1}

func (v Volume) clamp() Volume {
	if v.Level < 0 {
		v.Level = 0
	}
	if v.Level > 1 {
		v.Level = 1
	}
	return v
}

// Handle is a loaded, playable audio element.
type Handle interface {
	Play() error
	Pause()
	Reset()
	SetVolume(level float64, muted bool)
	Close()
}

// Loader constructs a handle and starts preloading it. Readiness is reported
// later through HandleCanPlayThrough or HandleError.
type Loader interface {
	Load(track model.AudioTrack) (Handle, error)
}

// VolumeSaver persists volume changes.
type VolumeSaver interface {
	SaveVolume(v Volume) error
}

// Config describes one listening session.
type Config struct {
	Variant model.Variant
	Tracks  []model.AudioTrack
	// Volume is the persisted setting; nil means DefaultVolume.
	Volume *Volume
	// OnPreloaded fires once every track is ready or failed.
	OnPreloaded func()
	// OnAllFinished fires once, after the last track ends or is skipped.
	OnAllFinished func()
	// OnSkipped fires for each failed track passed over during playback.
	OnSkipped func(track model.AudioTrack)
}

type entry struct {
	track  model.AudioTrack
	handle Handle
}

// Engine sequences the tracks. Not safe for concurrent use.
type Engine struct {
	cfg            Config
	loader         Loader
	saver          VolumeSaver
	log            zerolog.Logger
	entries        []*entry
	index          int
	state          State
	volume         Volume
	studentResumed bool
	preloadFired   bool
	finishFired    bool
}

// SortTracks orders tracks by OrderKey ascending with PartID as tiebreak.
func SortTracks(tracks []model.AudioTrack) []model.AudioTrack {
	out := make([]model.AudioTrack, len(tracks))
	copy(out, tracks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].PartID < out[j].PartID
	})
	return out
}

// New creates an idle engine. saver may be nil.
func New(cfg Config, loader Loader, saver VolumeSaver, log zerolog.Logger) *Engine {
	sorted := SortTracks(cfg.Tracks)
	entries := make([]*entry, len(sorted))
	for i, t := range sorted {
		t.PreloadState = model.PreloadPending
		entries[i] = &entry{track: t}
	}
	vol := DefaultVolume
	if cfg.Volume != nil {
		vol = *cfg.Volume
	}
	return &Engine{
		cfg:     cfg,
		loader:  loader,
		saver:   saver,
		log:     log.With().Str("component", "playback_engine").Logger(),
		entries: entries,
		state:   StateIdle,
		volume:  vol.clamp(),
	}
}

// Preload creates a handle for every track.
func (e *Engine) Preload() {
	if e.state != StateIdle {
		return
	}
	e.state = StatePreloading

	for _, en := range e.entries {
		h, err := e.loader.Load(en.track)
		if err != nil {
			e.log.Error().Err(err).Int("part_id", en.track.PartID).Msg("Track load failed")
			en.track.PreloadState = model.PreloadFailed
			continue
		}
		en.handle = h
	}
	e.checkPreloaded()
}

func (e *Engine) find(partID int) (int, *entry) {
	for i, en := range e.entries {
		if en.track.PartID == partID {
			return i, en
		}
	}
	return -1, nil
}

// HandleCanPlayThrough marks a track ready.
func (e *Engine) HandleCanPlayThrough(partID int) {
	_, en := e.find(partID)
	if en == nil || en.track.PreloadState != model.PreloadPending {
		return
	}
	en.track.PreloadState = model.PreloadReady
	e.checkPreloaded()
}

// HandleError marks a track failed. A failing active track is skipped.
func (e *Engine) HandleError(partID int, err error) {
	i, en := e.find(partID)
	if en == nil {
		return
	}
	e.log.Error().Err(err).Int("part_id", partID).Msg("Track error")
	en.track.PreloadState = model.PreloadFailed

	if e.state == StatePreloading {
		e.checkPreloaded()
		return
	}
	if i == e.index && e.state == StatePlaying {
		e.playFrom(i + 1)
	}
}

func (e *Engine) checkPreloaded() {
	if e.state != StatePreloading {
		return
	}
	for _, en := range e.entries {
		if en.track.PreloadState == model.PreloadPending {
			return
		}
	}
	e.state = StateReady
	if !e.preloadFired {
		e.preloadFired = true
		if e.cfg.OnPreloaded != nil {
			e.cfg.OnPreloaded()
		}
	}
}

// Begin starts the section after the audio check. Mock tests start playing,
// thematic ones wait paused on the first track.
func (e *Engine) Begin() error {
	switch e.state {
	case StateIdle, StatePreloading:
		return ErrNotPreloaded
	case StateReady:
	default:
		return nil
	}

	if len(e.entries) == 0 {
		e.finish()
		return nil
	}
	if e.cfg.Variant == model.VariantThematic {
		e.index = 0
		e.state = StatePaused
		e.applyVolume()
		return nil
	}
	e.playFrom(0)
	return nil
}

// playFrom plays the first playable track at or after i.
func (e *Engine) playFrom(i int) {
	for ; i < len(e.entries); i++ {
		en := e.entries[i]
		if en.track.PreloadState == model.PreloadFailed || en.handle == nil {
			e.skip(en)
			continue
		}
		e.index = i
		e.applyVolume()
		if err := en.handle.Play(); err != nil {
			e.log.Error().Err(err).Int("part_id", en.track.PartID).Msg("Track play failed")
			en.track.PreloadState = model.PreloadFailed
			e.skip(en)
			continue
		}
		e.state = StatePlaying
		e.log.Debug().Int("index", i).Int("part_id", en.track.PartID).Msg("Track playing")
		return
	}
	e.index = len(e.entries) - 1
	e.finish()
}

func (e *Engine) skip(en *entry) {
	e.log.Error().Int("part_id", en.track.PartID).Str("src", en.track.SourceURL).Msg("Skipping unplayable track")
	if e.cfg.OnSkipped != nil {
		e.cfg.OnSkipped(en.track)
	}
}

func (e *Engine) finish() {
	e.state = StateFinished
	if e.finishFired {
		return
	}
	e.finishFired = true
	e.log.Info().Msg("All tracks finished")
	if e.cfg.OnAllFinished != nil {
		e.cfg.OnAllFinished()
	}
}

// HandleEnded advances past the track that just ended naturally.
func (e *Engine) HandleEnded(partID int) {
	if e.state != StatePlaying {
		return
	}
	i, en := e.find(partID)
	if en == nil || i != e.index || en.handle == nil {
		return
	}
	en.handle.Pause()
	en.handle.Reset()
	e.playFrom(i + 1)
}

// CanPause reports whether role may pause right now.
func (e *Engine) CanPause(role model.Role) bool {
	if role == model.RoleTeacher {
		return true
	}
	return e.cfg.Variant == model.VariantThematic && !e.studentResumed
}

// Pause suspends the active track.
func (e *Engine) Pause(role model.Role) error {
	if !e.CanPause(role) {
		return ErrPauseNotAllowed
	}
	if e.state != StatePlaying {
		return nil
	}
	if h := e.entries[e.index].handle; h != nil {
		h.Pause()
	}
	e.state = StatePaused
	return nil
}

// Resume continues the active track. A student's first resume removes
// their pause control for the rest of the section.
func (e *Engine) Resume(role model.Role) {
	if e.state != StatePaused {
		return
	}
	if role == model.RoleStudent {
		e.studentResumed = true
	}
	e.playFrom(e.index)
}

// MediaKey maps an OS media control onto the engine.
func (e *Engine) MediaKey(key MediaKey, role model.Role) error {
	switch key {
	case KeyPlayPause:
		switch e.state {
		case StatePlaying:
			return e.Pause(role)
		case StatePaused:
			e.Resume(role)
		}
	case KeyNext:
		e.jump(e.index + 1)
	case KeyPrevious:
		e.jump(e.index - 1)
	}
	return nil
}

func (e *Engine) jump(target int) {
	if e.state != StatePlaying && e.state != StatePaused {
		return
	}
	if target < 0 || target >= len(e.entries) || target == e.index {
		return
	}
	if cur := e.entries[e.index]; cur.handle != nil {
		cur.handle.Pause()
		cur.handle.Reset()
	}
	if e.state == StatePlaying {
		e.playFrom(target)
		return
	}
	e.index = target
	e.applyVolume()
}

// SetVolume applies v to the active track and persists it.
func (e *Engine) SetVolume(v Volume) {
	e.volume = v.clamp()
	e.applyVolume()
	if e.saver != nil {
		if err := e.saver.SaveVolume(e.volume); err != nil {
			e.log.Warn().Err(err).Msg("Persist volume failed")
		}
	}
}

func (e *Engine) applyVolume() {
	if e.index < 0 || e.index >= len(e.entries) {
		return
	}
	if h := e.entries[e.index].handle; h != nil {
		h.SetVolume(e.volume.Level, e.volume.Muted)
	}
}

// Stop ends the section early: the active track is paused, every handle is
// released and OnAllFinished never fires.
func (e *Engine) Stop() {
	if e.state == StatePlaying {
		if h := e.entries[e.index].handle; h != nil {
			h.Pause()
		}
	}
	e.finishFired = true
	e.state = StateFinished
	e.Close()
}

// Close releases every handle.
func (e *Engine) Close() {
	for _, en := range e.entries {
		if en.handle != nil {
			en.handle.Close()
			en.handle = nil
		}
	}
}

// State returns the current playback state.
func (e *Engine) State() State { return e.state }

// Index returns the active track index.
func (e *Engine) Index() int { return e.index }

// Volume returns the current volume.
func (e *Engine) Volume() Volume { return e.volume }

// Tracks returns the tracks in playback order with their preload state.
func (e *Engine) Tracks() []model.AudioTrack {
	out := make([]model.AudioTrack, len(e.entries))
	for i, en := range e.entries {
		out[i] = en.track
	}
	return out
}
