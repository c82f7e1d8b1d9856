package session

import (
	"context"
	"errors"
	"runtime/debug"
	"time"
)

// ErrContentFailure replaces a panic raised while handling an event.
var ErrContentFailure = errors.New("something went wrong while showing this test, your answers are kept")

// Command is one client event applied on the session goroutine.
type Command func(ctx context.Context, s *Session) error

// Contain runs fn and turns a panic into ErrContentFailure. Answers and
// the recording live outside fn and are left as they were.
func (s *Session) Contain(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in session handler")
			err = ErrContentFailure
		}
	}()
	return fn()
}

// Loop owns the session until ctx is done or cmds is closed. It ticks once
// per TickInterval, applies commands in arrival order, and publishes the
// state after each step. Resources are released on return.
func (s *Session) Loop(ctx context.Context, cmds <-chan Command) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	defer s.Close()

	if err := s.Contain(func() error {
		s.Start()
		return nil
	}); err != nil {
		s.deps.Observer.Failed(err)
	}
	s.deps.Observer.Changed(s.State())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Contain(func() error {
				s.Tick(ctx)
				return nil
			}); err != nil {
				s.deps.Observer.Failed(err)
			}
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if err := s.Contain(func() error { return cmd(ctx, s) }); err != nil {
				s.deps.Observer.Failed(err)
			}
		}
		s.deps.Observer.Changed(s.State())
	}
}
