package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/recording"
)

// FlushTimeout bounds how long a recorder flush waits for the tab's reply.
var FlushTimeout = 3 * time.Second

var ErrFlushTimeout = errors.New("recorder flush not acknowledged")

// ─── playback ──────────────────────────────────────────────────────

// Load implements playback.Loader. Readiness arrives later as media_ready
// or media_error.
func (c *Client) Load(t model.AudioTrack) (playback.Handle, error) {
	if err := c.send(MediaLoadResponse{Event: EventMediaLoad, Track: t}); err != nil {
		return nil, err
	}
	return &remoteHandle{c: c, partID: t.PartID}, nil
}

type remoteHandle struct {
	c      *Client
	partID int
}

func (h *remoteHandle) Play() error {
	return h.c.send(MediaResponse{Event: EventMediaPlay, PartID: h.partID})
}

func (h *remoteHandle) Pause() { h.c.Send(MediaResponse{Event: EventMediaPause, PartID: h.partID}) }
func (h *remoteHandle) Reset() { h.c.Send(MediaResponse{Event: EventMediaReset, PartID: h.partID}) }
func (h *remoteHandle) Close() { h.c.Send(MediaResponse{Event: EventMediaClose, PartID: h.partID}) }

func (h *remoteHandle) SetVolume(level float64, muted bool) {
	h.c.Send(MediaVolumeResponse{Event: EventMediaVolume, PartID: h.partID, Level: level, Muted: muted})
}

// ─── recording ─────────────────────────────────────────────────────

// OpenMicrophone implements recording.Backend. A tab that already refused
// the microphone is not asked again.
func (c *Client) OpenMicrophone(context.Context) (recording.Stream, error) {
	if c.micDenied {
		return nil, ErrMicrophoneDenied
	}
	if err := c.command(EventMicOpen); err != nil {
		return nil, err
	}
	return remoteStream{c: c}, nil
}

// BuildGraph implements recording.Backend.
func (c *Client) BuildGraph(_ recording.Stream, cfg recording.GraphConfig) (recording.Graph, error) {
	if err := c.send(GraphBuildResponse{Event: EventGraphBuild, Graph: cfg}); err != nil {
		return nil, err
	}
	return remoteGraph{c: c}, nil
}

// NewRecorder implements recording.Backend.
func (c *Client) NewRecorder(_ recording.Graph, sink func([]byte)) (recording.Recorder, error) {
	r := &remoteRecorder{c: c, sink: sink, acks: make(chan struct{}, 1)}
	c.rmu.Lock()
	c.recorder = r
	c.rmu.Unlock()
	return r, nil
}

// PushChunk hands a recorder_data message to the active recorder. It is
// called from the read loop, not the session loop.
func (c *Client) PushChunk(chunk []byte, flushed bool) {
	c.rmu.Lock()
	r := c.recorder
	c.rmu.Unlock()
	if r == nil {
		c.log.Warn().Int("bytes", len(chunk)).Msg("Chunk without an active recorder")
		return
	}
	r.push(chunk, flushed)
}

type remoteStream struct{ c *Client }

func (s remoteStream) Release() { s.c.Send(CommandResponse{Event: EventMicRelease}) }

type remoteGraph struct{ c *Client }

func (g remoteGraph) Close() error { return g.c.command(EventGraphClose) }

// remoteRecorder buffers chunks as they arrive and hands them to the sink
// on the session loop, in arrival order, at every Flush.
type remoteRecorder struct {
	c    *Client
	sink func([]byte)

	mu      sync.Mutex
	pending [][]byte
	acks    chan struct{}
}

func (r *remoteRecorder) push(chunk []byte, flushed bool) {
	r.mu.Lock()
	if len(chunk) > 0 {
		r.pending = append(r.pending, chunk)
	}
	r.mu.Unlock()
	if flushed {
		select {
		case r.acks <- struct{}{}:
		default:
		}
	}
}

func (r *remoteRecorder) deliver() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, chunk := range pending {
		r.sink(chunk)
	}
}

func (r *remoteRecorder) Start(timeslice time.Duration) error {
	return r.c.send(RecorderStartResponse{Event: EventRecorderStart, TimesliceMS: timeslice.Milliseconds()})
}

func (r *remoteRecorder) Pause() error  { return r.c.command(EventRecorderPause) }
func (r *remoteRecorder) Resume() error { return r.c.command(EventRecorderResume) }

// Flush asks the tab for buffered audio and waits for its reply. A tab
// that refused the microphone has no recorder running, so nothing is
// awaited.
func (r *remoteRecorder) Flush() error {
	if r.c.micDenied {
		r.deliver()
		return nil
	}
	select {
	case <-r.acks:
	default:
	}
	if err := r.c.command(EventRecorderFlush); err != nil {
		r.deliver()
		return err
	}

	var err error
	select {
	case <-r.acks:
	case <-time.After(FlushTimeout):
		err = ErrFlushTimeout
	}
	r.deliver()
	return err
}

func (r *remoteRecorder) Stop() error {
	err := r.c.command(EventRecorderStop)
	r.c.rmu.Lock()
	if r.c.recorder == r {
		r.c.recorder = nil
	}
	r.c.rmu.Unlock()
	return err
}

// ─── speech ────────────────────────────────────────────────────────

// Speak implements recording.Speech.
func (c *Client) Speak(text string) {
	c.Send(SpeakResponse{Event: EventSpeak, Text: text})
}

// Cancel implements recording.Speech.
func (c *Client) Cancel() {
	c.Send(CommandResponse{Event: EventSpeechCancel})
}
