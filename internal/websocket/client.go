package websocket

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

var ErrMicrophoneDenied = errors.New("microphone permission denied")

// Client is the server-side face of one connected browser tab. It writes
// platform commands to the socket and remembers the last state the tab
// reported. Writes are serialised so the session loop and the submission
// goroutine can both use it; every other method must be called from the
// session loop.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger
	wmu  sync.Mutex

	location   string
	fullscreen bool
	confirmed  bool
	micDenied  bool
	listener   guard.Listener

	rmu      sync.Mutex
	recorder *remoteRecorder
}

// NewClient wraps conn. location is the page the guard pins the tab to.
func NewClient(conn *websocket.Conn, location string, log zerolog.Logger) *Client {
	return &Client{
		conn:     conn,
		location: location,
		log:      log.With().Str("component", "ws_client").Logger(),
	}
}

// Send writes v, logging instead of failing; a dead socket ends the read
// loop on its own.
func (c *Client) Send(v interface{}) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteTyped(c.conn, v); err != nil {
		c.log.Debug().Err(err).Msg("Write failed")
	}
}

func (c *Client) send(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteTyped(c.conn, v)
}

// SendError reports a failure with optional field details.
func (c *Client) SendError(msg string, fields map[string]string) {
	c.Send(ErrorResponse{Event: EventError, Error: msg, Fields: fields})
}

func (c *Client) command(e Event) error {
	return c.send(CommandResponse{Event: e})
}

// ─── Reported state ─────────────────────────────────────────────────

// SetLocation records where the tab currently is.
func (c *Client) SetLocation(loc string) {
	if loc != "" {
		c.location = loc
	}
}

// SetFullscreen records the reported fullscreen state.
func (c *Client) SetFullscreen(active bool) { c.fullscreen = active }

// SetConfirmed records the answer to the leave prompt of the current attempt.
func (c *Client) SetConfirmed(ok bool) { c.confirmed = ok }

// SetMicDenied records a refused microphone.
func (c *Client) SetMicDenied() { c.micDenied = true }

// Listener returns the subscribed guard, if any.
func (c *Client) Listener() guard.Listener { return c.listener }

// ─── guard adapters ────────────────────────────────────────────────

// Subscribe implements guard.Platform.
func (c *Client) Subscribe(l guard.Listener) func() {
	c.listener = l
	return func() {
		if c.listener == l {
			c.listener = nil
		}
	}
}

// Enter implements guard.Fullscreen.
func (c *Client) Enter() error {
	if err := c.command(EventFullscreenEnter); err != nil {
		return err
	}
	c.fullscreen = true
	return nil
}

// Exit implements guard.Fullscreen.
func (c *Client) Exit() error {
	c.fullscreen = false
	return c.command(EventFullscreenExit)
}

// Active implements guard.Fullscreen.
func (c *Client) Active() bool { return c.fullscreen }

// Location implements guard.Navigator.
func (c *Client) Location() string { return c.location }

// Restore implements guard.Navigator.
func (c *Client) Restore(loc string) {
	c.location = loc
	c.Send(LocationResponse{Event: EventRestoreLocation, Location: loc})
}

// ConfirmLeave implements guard.Confirmer.
func (c *Client) ConfirmLeave() bool { return c.confirmed }

// Warn implements guard.Notifier.
func (c *Client) Warn(w guard.Warning) {
	c.Send(WarnResponse{Event: EventWarn, Warning: w})
}

// ─── session.Observer ──────────────────────────────────────────────

// Changed implements session.Observer.
func (c *Client) Changed(st session.State) {
	c.Send(StateResponse{Event: EventState, State: st})
}

// TrackSkipped implements session.Observer.
func (c *Client) TrackSkipped(t model.AudioTrack) {
	c.Send(TrackSkippedResponse{Event: EventTrackSkipped, Track: t})
}

// Failed implements session.Observer.
func (c *Client) Failed(err error) {
	c.SendError(err.Error(), nil)
}

// Submitted implements session.Observer.
func (c *Client) Submitted(res session.Result) {
	out := FinishedResponse{Event: EventFinished, Reason: res.Reason, Status: "submitted"}
	if res.Err != nil {
		out.Status = "failed"
		out.Error = "Your answers could not be submitted. Please contact your proctor."
	}
	c.Send(out)
}
