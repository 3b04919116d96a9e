// Package browser owns the lifecycle of remotely steered browser pages: the
// engine seam over the underlying automation engine, the session state
// machine, and the pluggable capture strategies that stream a session's
// activity outward.
package browser

import (
	"context"

	"github.com/courierlabs/runner/internal/protocol"
)

// Profile is the fixed automation profile applied to every page. Evasion of
// automation detection is the engine's concern, not reimplemented here.
type Profile struct {
	Headless  bool
	Viewport  protocol.Viewport
	UserAgent string
	Locale    string
	Timezone  string
	Latitude  float64
	Longitude float64
}

// DefaultProfile returns the profile used when session options leave fields
// unset.
func DefaultProfile() Profile {
	return Profile{
		Headless:  true,
		Viewport:  protocol.Viewport{Width: 1280, Height: 800},
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Locale:    "en-US",
		Timezone:  "America/New_York",
		Latitude:  40.7128,
		Longitude: -74.0060,
	}
}

// NetEventKind discriminates raw network observations from the engine.
type NetEventKind string

// Raw network event kinds.
const (
	NetRequest  NetEventKind = "request"
	NetResponse NetEventKind = "response"
	NetFinished NetEventKind = "finished"
	NetFailed   NetEventKind = "failed"
)

// NetEvent is one raw network observation for an in-page request. The ID ties
// the request, response, and completion events of one exchange together.
type NetEvent struct {
	Kind    NetEventKind
	ID      string
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Status  int
	Error   string
}

// Page is the per-page capability surface the session and capture strategies
// consume.
type Page interface {
	// Navigate loads the URL and waits, bounded by ctx, for basic readiness.
	Navigate(ctx context.Context, url string) error
	// Reload refreshes the current page with the same bounded wait.
	Reload(ctx context.Context) error
	// Screenshot captures a compressed still image of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// DispatchInput applies exactly one input action to the page.
	DispatchInput(ctx context.Context, action protocol.InputAction) error
	// ObserveNetwork streams raw network events to fn until the returned stop
	// function is called. Events for one page arrive in occurrence order.
	ObserveNetwork(fn func(NetEvent)) (stop func())
	// Close releases the page.
	Close() error
}

// Engine is the narrow boundary to the browser automation engine. One engine
// instance backs at most one session.
type Engine interface {
	// Launch acquires a browser instance with the given profile.
	Launch(ctx context.Context, profile Profile) error
	// NewPage opens the session's page. Valid only after Launch.
	NewPage(ctx context.Context) (Page, error)
	// OnExternalClose registers fn to run if the browser terminates outside
	// of an explicit Close (for example, the window was closed by hand).
	// Passing nil unregisters the handler.
	OnExternalClose(fn func())
	// Close releases the browser instance. Safe to call more than once.
	Close() error
}
