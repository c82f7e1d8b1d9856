package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/playback"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ErrInvalidMessage wraps malformed or invalid client messages.
var ErrInvalidMessage = errors.New("invalid message")

// FieldError carries validation details for an invalid message.
type FieldError struct {
	Fields map[string]string
}

func (e *FieldError) Error() string { return ErrInvalidMessage.Error() }

func (e *FieldError) Unwrap() error { return ErrInvalidMessage }

func decode(raw []byte, dst interface{}) error {
	if fields := Decode(raw, dst); fields != nil {
		return &FieldError{Fields: fields}
	}
	return nil
}

// Translate turns one client message into a session command. Messages the
// read loop answers itself (ping, recorder_data) return a nil command.
func (c *Client) Translate(raw []byte) (session.Command, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &FieldError{Fields: map[string]string{"detail": err.Error()}}
	}

	switch env.Action {
	case ActionPing:
		c.Send(PongResponse{Event: EventPong})
		return nil, nil

	case ActionRecorderData:
		var req RecorderDataRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		c.PushChunk(req.Chunk, req.Flushed)
		return nil, nil

	case ActionBegin:
		return func(_ context.Context, s *session.Session) error { return s.Begin() }, nil

	case ActionSubmit:
		return func(_ context.Context, s *session.Session) error { return s.Submit() }, nil

	case ActionAnswer:
		var req AnswerRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(_ context.Context, s *session.Session) error {
			n := req.QuestionNumber
			if err := s.SetAnswer(n, model.Answer{Value: req.Value, Selection: req.Selection}); err != nil {
				return err
			}
			c.Send(SavedResponse{Event: EventSaved, QuestionNumber: n})
			return nil
		}, nil

	case ActionNavigatePart:
		var req NavigatePartRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(_ context.Context, s *session.Session) error {
			switch {
			case req.Direction == DirectionNext:
				s.Next()
			case req.Direction == DirectionPrevious:
				s.Previous()
			case req.PartID > 0:
				return s.Select(req.PartID)
			case req.QuestionNumber > 0:
				id, ok := s.PartForQuestion(req.QuestionNumber)
				if !ok {
					return fmt.Errorf("%w: question %d", session.ErrUnknownPart, req.QuestionNumber)
				}
				return s.Select(id)
			}
			return nil
		}, nil

	case ActionNavAttempt:
		var req NavAttemptRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(context.Context, *session.Session) error {
			c.SetConfirmed(req.Confirmed)
			defer c.SetConfirmed(false)
			if l := c.Listener(); l != nil {
				l.OnNavigate(req.Target)
			}
			return nil
		}, nil

	case ActionKey:
		var req KeyRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(context.Context, *session.Session) error {
			if l := c.Listener(); l != nil {
				l.OnKey(req.Key)
			}
			return nil
		}, nil

	case ActionFullscreenChange:
		var req FullscreenChangeRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(context.Context, *session.Session) error {
			c.SetFullscreen(req.Active)
			if l := c.Listener(); l != nil {
				l.OnFullscreenChange(req.Active)
			}
			return nil
		}, nil

	case ActionBeforeUnload:
		return func(context.Context, *session.Session) error {
			if l := c.Listener(); l != nil {
				l.OnBeforeUnload()
			}
			return nil
		}, nil

	case ActionMediaReady, ActionMediaError, ActionMediaEnded:
		var req MediaRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		action := env.Action
		return func(_ context.Context, s *session.Session) error {
			eng, err := s.Playback()
			if err != nil {
				return err
			}
			switch action {
			case ActionMediaReady:
				eng.HandleCanPlayThrough(req.PartID)
			case ActionMediaError:
				eng.HandleError(req.PartID, errors.New(req.Error))
			case ActionMediaEnded:
				eng.HandleEnded(req.PartID)
			}
			return nil
		}, nil

	case ActionMediaKey:
		var req MediaKeyRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return withPlayback(func(s *session.Session, eng *playback.Engine) error {
			return eng.MediaKey(req.Key, s.Role())
		}), nil

	case ActionPause:
		return withPlayback(func(s *session.Session, eng *playback.Engine) error {
			return eng.Pause(s.Role())
		}), nil

	case ActionResume:
		return withPlayback(func(s *session.Session, eng *playback.Engine) error {
			eng.Resume(s.Role())
			return nil
		}), nil

	case ActionVolume:
		var req VolumeRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return withPlayback(func(_ *session.Session, eng *playback.Engine) error {
			eng.SetVolume(playback.Volume{Level: req.Level, Muted: req.Muted})
			return nil
		}), nil

	case ActionStartAnswering:
		return func(ctx context.Context, s *session.Session) error {
			rec, err := s.Recording()
			if err != nil {
				return err
			}
			return rec.StartAnswering(ctx)
		}, nil

	case ActionStopAnswering:
		return func(_ context.Context, s *session.Session) error {
			rec, err := s.Recording()
			if err != nil {
				return err
			}
			return rec.StopAnswering()
		}, nil

	case ActionReadAloud, ActionStopReadAloud:
		action := env.Action
		return func(_ context.Context, s *session.Session) error {
			rec, err := s.Recording()
			if err != nil {
				return err
			}
			if action == ActionReadAloud {
				rec.ReadAloud()
			} else {
				rec.StopReadAloud()
			}
			return nil
		}, nil

	case ActionMicDenied:
		var req MicDeniedRequest
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		return func(_ context.Context, s *session.Session) error {
			c.SetMicDenied()
			rec, err := s.Recording()
			if err != nil {
				return err
			}
			rec.HandleMicrophoneDenied(fmt.Errorf("%w: %s", ErrMicrophoneDenied, req.Reason))
			return nil
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, env.Action)
}

func withPlayback(fn func(s *session.Session, eng *playback.Engine) error) session.Command {
	return func(_ context.Context, s *session.Session) error {
		eng, err := s.Playback()
		if err != nil {
			return err
		}
		return fn(s, eng)
	}
}
