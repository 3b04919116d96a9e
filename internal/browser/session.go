package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/protocol"
)

// Status is a session lifecycle state.
type Status string

// Session lifecycle: Created → Starting → Active → Stopping → Stopped.
// A failed start falls back to Stopped carrying the error.
const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ErrNoActivePage is returned by input and capture operations outside the
// Active state.
var ErrNoActivePage = errors.New("no active page")

const navigationTimeout = 30 * time.Second

// Session owns exactly one engine-backed page and its lifecycle.
type Session struct {
	id     string
	opts   protocol.SessionOptions
	engine Engine
	logger *logging.Logger

	mu     sync.Mutex
	status Status
	page   Page

	// inputMu serializes mutating page operations: input replay is
	// single-writer per page.
	inputMu sync.Mutex

	closeMu sync.Mutex
	onClose func()
}

// NewSession creates a session in the Created state. The engine is owned by
// the session from here on.
func NewSession(id string, opts *protocol.SessionOptions, engine Engine, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.NewNop()
	}
	resolved := protocol.SessionOptions{}
	if opts != nil {
		resolved = *opts
	}
	return &Session{
		id:     id,
		opts:   resolved,
		engine: engine,
		logger: logger.Named("session").With(zap.String("session_id", id)),
		status: StatusCreated,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsActive reports whether the session accepts input and capture operations.
func (s *Session) IsActive() bool { return s.Status() == StatusActive }

// SetCloseHandler registers fn to run when the engine terminates outside of
// an explicit Stop. Pass nil to unregister on teardown.
func (s *Session) SetCloseHandler(fn func()) {
	s.closeMu.Lock()
	s.onClose = fn
	s.closeMu.Unlock()
}

// Start acquires the engine instance and page and transitions to Active.
// Valid from Created or Stopped; a failure lands back in Stopped.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusCreated, StatusStopped:
		s.status = StatusStarting
	default:
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %q", status)
	}
	s.mu.Unlock()

	profile := s.profile()
	if err := s.engine.Launch(ctx, profile); err != nil {
		s.failStart()
		return fmt.Errorf("launch engine: %w", err)
	}

	page, err := s.engine.NewPage(ctx)
	if err != nil {
		_ = s.engine.Close()
		s.failStart()
		return fmt.Errorf("open page: %w", err)
	}

	s.engine.OnExternalClose(s.handleExternalClose)

	s.mu.Lock()
	s.page = page
	s.status = StatusActive
	s.mu.Unlock()

	s.logger.Info("session active")
	return nil
}

// OpenInitialURL issues the one-time initial navigation, when the start
// command supplied one. It runs after capture wiring so the first
// navigation's traffic is observable.
func (s *Session) OpenInitialURL(ctx context.Context) error {
	if s.opts.URL == "" {
		return nil
	}
	return s.HandleInput(ctx, protocol.InputAction{
		Kind: protocol.ActionNavigate,
		URL:  s.opts.URL,
	})
}

// HandleInput applies exactly one input action to the page, in call order.
// Valid only while Active.
func (s *Session) HandleInput(ctx context.Context, action protocol.InputAction) error {
	s.mu.Lock()
	page := s.page
	active := s.status == StatusActive
	s.mu.Unlock()
	if !active || page == nil {
		return ErrNoActivePage
	}

	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	switch action.Kind {
	case protocol.ActionNavigate, protocol.ActionRefresh:
		navCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
		defer cancel()
		ctx = navCtx
	}
	return page.DispatchInput(ctx, action)
}

// Page returns the underlying page for the capture strategies, or
// ErrNoActivePage outside the Active state.
func (s *Session) Page() (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive || s.page == nil {
		return nil, ErrNoActivePage
	}
	return s.page, nil
}

// Stop releases the page and engine. Valid from Starting or Active; a no-op
// when already Stopped.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusStopped, StatusStopping:
		s.mu.Unlock()
		return nil
	case StatusCreated:
		s.status = StatusStopped
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	page := s.page
	s.page = nil
	s.mu.Unlock()

	s.engine.OnExternalClose(nil)
	if page != nil {
		_ = page.Close()
	}
	err := s.engine.Close()

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()

	s.logger.Info("session stopped")
	return err
}

func (s *Session) failStart() {
	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
}

// handleExternalClose runs when the engine reports the browser died outside
// of Stop, for example the automated window was closed by hand.
func (s *Session) handleExternalClose() {
	s.mu.Lock()
	alreadyDown := s.status == StatusStopping || s.status == StatusStopped
	s.status = StatusStopped
	s.page = nil
	s.mu.Unlock()
	if alreadyDown {
		return
	}

	s.logger.Warn("browser terminated externally")
	s.closeMu.Lock()
	handler := s.onClose
	s.closeMu.Unlock()
	if handler != nil {
		handler()
	}
}

func (s *Session) profile() Profile {
	profile := DefaultProfile()
	if s.opts.Headless != nil {
		profile.Headless = *s.opts.Headless
	}
	if s.opts.Viewport != nil && s.opts.Viewport.Width > 0 && s.opts.Viewport.Height > 0 {
		profile.Viewport = *s.opts.Viewport
	}
	return profile
}
