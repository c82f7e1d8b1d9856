package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// pair returns a server-side Client and the browser end of the socket.
func pair(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	validator.Setup()

	ready := make(chan *Client, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ready <- NewClient(conn, "/tests/1/reading", zerolog.Nop())
	}))
	t.Cleanup(srv.Close)

	browser, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { browser.Close() })

	select {
	case c := <-ready:
		return c, browser
	case <-time.After(2 * time.Second):
		t.Fatal("server side never connected")
	}
	return nil, nil
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return m
}

type nopSubmitter struct{}

func (nopSubmitter) SubmitAnswers(context.Context, uuid.UUID, int, []model.Answer, model.FinishReason) error {
	return nil
}

func (nopSubmitter) SubmitRecording(context.Context, uuid.UUID, int, []byte) error { return nil }

func openSession(t *testing.T, c *Client) *session.Session {
	t.Helper()
	secs := 60
	s, err := session.New(&model.Test{
		ID:              uuid.New(),
		Kind:            model.KindReading,
		DurationSeconds: &secs,
		TotalQuestions:  5,
		Parts:           []model.Part{{ID: 1, OrderKey: 1, QuestionNumbers: []int{1, 2, 3, 4, 5}}},
	}, session.Options{}, session.Deps{
		Store:     answer.NewDense(5),
		Submitter: nopSubmitter{},
		Observer:  c,
		Guard: guard.Deps{
			Platform:   c,
			Fullscreen: c,
			Navigator:  c,
			Confirmer:  c,
			Notifier:   c,
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func TestPingAnsweredInline(t *testing.T) {
	c, browser := pair(t)

	cmd, err := c.Translate([]byte(`{"action":"ping"}`))
	if err != nil || cmd != nil {
		t.Fatalf("expected inline pong, got cmd=%v err=%v", cmd != nil, err)
	}
	if ev := readEvent(t, browser); ev["event"] != string(EventPong) {
		t.Errorf("expected pong, got %v", ev)
	}
}

func TestTranslateRejectsInvalidPayloads(t *testing.T) {
	c, _ := pair(t)

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing question", `{"action":"answer","value":"x"}`, "question_number"},
		{"bad direction", `{"action":"navigate_part","direction":"sideways"}`, "direction"},
		{"volume too loud", `{"action":"volume","level":1.5}`, "level"},
		{"unknown media key", `{"action":"media_key","key":"rewind"}`, "key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Translate([]byte(tt.raw))
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if _, ok := fe.Fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, fe.Fields)
			}
		})
	}

	if _, err := c.Translate([]byte(`{"action":"teleport"}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage for unknown action, got %v", err)
	}
}

func TestAnswerCommandSavesAndAcks(t *testing.T) {
	c, browser := pair(t)
	s := openSession(t, c)

	cmd, err := c.Translate([]byte(`{"action":"answer","question_number":2,"selection":"C"}`))
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if err := cmd(context.Background(), s); err != nil {
		t.Fatalf("command: %v", err)
	}

	ev := readEvent(t, browser)
	if ev["event"] != string(EventSaved) || ev["question_number"] != float64(2) {
		t.Errorf("expected saved ack for question 2, got %v", ev)
	}
	if a, _ := s.Answer(2); a.Selection != "C" {
		t.Errorf("expected selection stored, got %+v", a)
	}
}

func TestNavAttemptRestoresUnlessConfirmed(t *testing.T) {
	c, browser := pair(t)
	s := openSession(t, c)
	s.Start()
	if ev := readEvent(t, browser); ev["event"] != string(EventFullscreenEnter) {
		t.Fatalf("expected fullscreen_enter on start, got %v", ev)
	}

	cmd, _ := c.Translate([]byte(`{"action":"nav_attempt","target":"/dashboard"}`))
	_ = cmd(context.Background(), s)

	ev := readEvent(t, browser)
	if ev["event"] != string(EventRestoreLocation) || ev["location"] != "/tests/1/reading" {
		t.Fatalf("expected restore to the test page, got %v", ev)
	}
	if ev := readEvent(t, browser); ev["event"] != string(EventWarn) {
		t.Fatalf("expected warn, got %v", ev)
	}

	cmd, _ = c.Translate([]byte(`{"action":"nav_attempt","target":"/dashboard","confirmed":true}`))
	_ = cmd(context.Background(), s)

	if ev := readEvent(t, browser); ev["event"] != string(EventFullscreenExit) {
		t.Errorf("expected fullscreen_exit after confirmed leave, got %v", ev)
	}
	if s.Guard().Blocking() {
		t.Error("expected guard released")
	}
	if c.ConfirmLeave() {
		t.Error("expected confirmation reset after the attempt")
	}
}

func TestRemoteRecorderFlushWaitsForReply(t *testing.T) {
	c, browser := pair(t)

	var got [][]byte
	rec, _ := c.NewRecorder(nil, func(b []byte) { got = append(got, b) })

	go func() {
		var m map[string]interface{}
		browser.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := browser.ReadJSON(&m); err != nil || m["event"] != string(EventRecorderFlush) {
			return
		}
		c.PushChunk([]byte("one"), false)
		c.PushChunk([]byte("two"), true)
	}()

	if err := rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "one" || string(got[1]) != "two" {
		t.Errorf("expected chunks in arrival order, got %q", got)
	}
}

func TestRemoteRecorderFlushTimesOut(t *testing.T) {
	c, _ := pair(t)
	old := FlushTimeout
	FlushTimeout = 50 * time.Millisecond
	t.Cleanup(func() { FlushTimeout = old })

	var got [][]byte
	rec, _ := c.NewRecorder(nil, func(b []byte) { got = append(got, b) })
	c.PushChunk([]byte("early"), false)

	if err := rec.Flush(); !errors.Is(err, ErrFlushTimeout) {
		t.Fatalf("expected ErrFlushTimeout, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected buffered chunk delivered anyway, got %q", got)
	}
}

func TestDeniedMicrophoneIsNotReopened(t *testing.T) {
	c, _ := pair(t)
	c.SetMicDenied()

	if _, err := c.OpenMicrophone(context.Background()); !errors.Is(err, ErrMicrophoneDenied) {
		t.Errorf("expected ErrMicrophoneDenied, got %v", err)
	}
}

func TestFlushAfterMicDeniedDoesNotWait(t *testing.T) {
	c, _ := pair(t)
	old := FlushTimeout
	FlushTimeout = time.Minute
	t.Cleanup(func() { FlushTimeout = old })

	var got [][]byte
	rec, _ := c.NewRecorder(nil, func(b []byte) { got = append(got, b) })
	c.PushChunk([]byte("before denial"), false)
	c.SetMicDenied()

	done := make(chan error, 1)
	go func() { done <- rec.Flush() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush waited for an ack from a denied microphone")
	}
	if len(got) != 1 {
		t.Errorf("expected buffered chunk kept, got %q", got)
	}
}
