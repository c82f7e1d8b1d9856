// Package guard blocks escape paths (navigation, reload, fullscreen exit,
// page close) while a test session is running.
package guard

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Key is a keyboard event as reported by the platform.
type Key struct {
	Code  string `json:"code"`
	Ctrl  bool   `json:"ctrl"`
	Meta  bool   `json:"meta"`
	Shift bool   `json:"shift"`
}

// IsReload reports whether k is a page reload shortcut.
func (k Key) IsReload() bool {
	code := strings.ToLower(k.Code)
	if code == "f5" {
		return true
	}
	return (code == "r" || code == "keyr") && (k.Ctrl || k.Meta)
}

// Listener receives intercepted platform events while subscribed.
type Listener interface {
	// OnNavigate returns true when the navigation to target may proceed.
	OnNavigate(target string) bool
	// OnKey returns true when the key press must be suppressed.
	OnKey(k Key) bool
	OnFullscreenChange(active bool)
	// OnBeforeUnload returns true when the leave prompt must be shown.
	OnBeforeUnload() bool
}

// Platform attaches and detaches event listeners.
type Platform interface {
	Subscribe(l Listener) (unsubscribe func())
}

// Fullscreen is the viewport fullscreen API.
type Fullscreen interface {
	Enter() error
	Exit() error
	Active() bool
}

// Navigator exposes the current location and resets it after a blocked move.
type Navigator interface {
	Location() string
	Restore(location string)
}

// Confirmer asks the user whether they really want to leave the test.
type Confirmer interface {
	ConfirmLeave() bool
}

// WarningKind identifies a user-facing warning.
type WarningKind string

const (
	WarnNavigation WarningKind = "navigation_blocked"
	WarnReload     WarningKind = "reload_blocked"
	WarnFullscreen WarningKind = "fullscreen_required"
)

// Warning is surfaced to the student when an escape path is blocked.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// Notifier shows warnings to the user.
type Notifier interface {
	Warn(w Warning)
}

// Reporter records proctoring violations. It may be nil.
type Reporter interface {
	Report(eventType model.ProctorEventType, detail string)
}

// Deps bundles the platform adapters used by a Guard.
type Deps struct {
	Platform   Platform
	Fullscreen Fullscreen
	Navigator  Navigator
	Confirmer  Confirmer
	Notifier   Notifier
	Reporter   Reporter
}

// Guard owns every intercept for one session. Not safe for concurrent use.
type Guard struct {
	deps        Deps
	log         zerolog.Logger
	blocking    bool
	location    string
	unsubscribe func()
}

// New creates an inactive Guard.
func New(deps Deps, log zerolog.Logger) *Guard {
	return &Guard{
		deps: deps,
		log:  log.With().Str("component", "page_leave_guard").Logger(),
	}
}

// Activate turns the intercepts on (isBlocking) or off.
func (g *Guard) Activate(isBlocking bool) {
	if !isBlocking {
		g.Deactivate()
		return
	}
	if g.blocking {
		return
	}

	g.blocking = true
	g.location = g.deps.Navigator.Location()
	g.unsubscribe = g.deps.Platform.Subscribe(g)
	g.enterFullscreen()

	g.log.Debug().Str("location", g.location).Msg("Guard activated")
}

// Deactivate removes all intercepts and leaves fullscreen.
func (g *Guard) Deactivate() {
	if !g.blocking {
		return
	}
	g.blocking = false
	g.detach()

	if g.deps.Fullscreen.Active() {
		if err := g.deps.Fullscreen.Exit(); err != nil {
			g.log.Warn().Err(err).Msg("Exit fullscreen failed")
		}
	}
	g.log.Debug().Msg("Guard deactivated")
}

// Close tears the guard down on abnormal exit. Safe to call repeatedly.
func (g *Guard) Close() {
	g.Deactivate()
}

// Blocking reports whether intercepts are active.
func (g *Guard) Blocking() bool { return g.blocking }

func (g *Guard) detach() {
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}
}

func (g *Guard) enterFullscreen() {
	if g.deps.Fullscreen.Active() {
		return
	}
	if err := g.deps.Fullscreen.Enter(); err != nil {
		g.log.Warn().Err(err).Msg("Fullscreen request rejected")
	}
}

func (g *Guard) report(t model.ProctorEventType, detail string) {
	if g.deps.Reporter != nil {
		g.deps.Reporter.Report(t, detail)
	}
}

// OnNavigate implements Listener.
func (g *Guard) OnNavigate(target string) bool {
	if !g.blocking {
		return true
	}

	if g.deps.Confirmer.ConfirmLeave() {
		g.report(model.ProctorNavigationLeft, target)
		g.Deactivate()
		return true
	}

	g.deps.Navigator.Restore(g.location)
	g.deps.Notifier.Warn(Warning{
		Kind:    WarnNavigation,
		Message: "Leaving the page is not allowed during the test.",
	})
	g.report(model.ProctorNavigation, target)
	return false
}

// OnKey implements Listener.
func (g *Guard) OnKey(k Key) bool {
	if !g.blocking || !k.IsReload() {
		return false
	}
	g.deps.Notifier.Warn(Warning{
		Kind:    WarnReload,
		Message: "Reloading the page is disabled during the test.",
	})
	g.report(model.ProctorReload, k.Code)
	return true
}

// OnFullscreenChange implements Listener.
func (g *Guard) OnFullscreenChange(active bool) {
	if !g.blocking || active {
		return
	}
	g.deps.Notifier.Warn(Warning{
		Kind:    WarnFullscreen,
		Message: "The test must stay in fullscreen mode.",
	})
	g.report(model.ProctorFullscreenExit, "")
	g.enterFullscreen()
}

// OnBeforeUnload implements Listener.
func (g *Guard) OnBeforeUnload() bool {
	if !g.blocking {
		return false
	}
	g.report(model.ProctorBeforeUnload, "")
	return true
}
