// Package ws implements the runner's two persistent connections: the primary
// control channel that receives jobs and session commands, and the secondary
// browser channel that streams capture data and carries input events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/browser"
	"github.com/courierlabs/runner/internal/httpexec"
	"github.com/courierlabs/runner/internal/identity"
	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/monitoring"
	"github.com/courierlabs/runner/internal/protocol"
)

const (
	handshakeTimeout = 15 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 90 * time.Second
)

// ControlConfig wires the control channel's collaborators.
type ControlConfig struct {
	ServerURL string
	Identity  identity.Identity
	Executor  *httpexec.Executor

	// NewEngine builds one browser engine per session.
	NewEngine func() browser.Engine
	// NewStrategy builds the configured capture strategy per session.
	NewStrategy browser.StrategyFactory
	// AckOnAttach forwards to the browser channel (traffic capture mode).
	AckOnAttach bool
	// DefaultHeadless applies when a start command leaves headless unset.
	DefaultHeadless bool

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// ControlChannel is the single point of contact with the control plane. It
// dispatches inbound messages, runs HTTP jobs concurrently, and lazily owns
// the at-most-one browser channel.
type ControlChannel struct {
	cfg    ControlConfig
	logger *logging.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	browserCh *BrowserChannel
	session   *browser.Session
	pending   *protocol.BrowserStart
	starting  bool
	closed    bool
}

// NewControlChannel creates an unconnected control channel.
func NewControlChannel(cfg ControlConfig) *ControlChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ControlChannel{
		cfg:    cfg,
		logger: logger.Named("control"),
	}
}

// Connect opens the primary connection and announces the runner identity.
// Reconnection after a drop is not attempted here; Run returns the terminal
// disconnect cause instead.
func (c *ControlChannel) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	c.conn = conn

	hello := protocol.Hello{
		Type:         protocol.TypeHello,
		RunnerID:     c.cfg.Identity.RunnerID,
		Token:        c.cfg.Identity.Token,
		Version:      c.cfg.Identity.Version,
		Capabilities: c.cfg.Identity.Capabilities,
	}
	if err := c.send(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	c.logger.Info("connected to control plane",
		zap.String("runner_id", c.cfg.Identity.RunnerID),
		zap.Strings("capabilities", c.cfg.Identity.Capabilities))
	return nil
}

// Run processes inbound messages until the connection drops or ctx is
// canceled. Long-running jobs never stall the loop; they execute in their
// own goroutines and emit results in completion order.
func (c *ControlChannel) Run(ctx context.Context) error {
	stopPing := c.startKeepalive()
	defer stopPing()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control connection lost: %w", err)
		}
		c.cfg.Metrics.RecordWSMessage("control", "in")
		c.dispatch(ctx, raw)
	}
}

// dispatch decodes one tagged frame. Malformed or unrecognized frames are
// logged and dropped; the connection stays open.
func (c *ControlChannel) dispatch(ctx context.Context, raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		c.logger.Warn("malformed frame dropped", zap.Error(err))
		return
	}

	switch msgType {
	case protocol.TypeExecute:
		var job protocol.Execute
		if err := decode(raw, &job); err != nil {
			c.logger.Warn("malformed execute dropped", zap.Error(err))
			return
		}
		go c.runJob(ctx, job)
	case protocol.TypeBrowserStart:
		var cmd protocol.BrowserStart
		if err := decode(raw, &cmd); err != nil {
			c.logger.Warn("malformed browser:start dropped", zap.Error(err))
			return
		}
		go c.handleBrowserStart(ctx, cmd)
	case protocol.TypeBrowserStop:
		var cmd protocol.BrowserStop
		if err := decode(raw, &cmd); err != nil {
			c.logger.Warn("malformed browser:stop dropped", zap.Error(err))
			return
		}
		go c.handleBrowserStop(ctx, cmd)
	default:
		c.logger.Debug("unrecognized message type dropped", zap.String("type", msgType))
	}
}

// runJob executes one HTTP job and emits exactly one result.
func (c *ControlChannel) runJob(ctx context.Context, job protocol.Execute) {
	start := time.Now()
	c.cfg.Metrics.RecordJobStart()

	var result protocol.Result
	switch {
	case job.Kind != "" && job.Kind != "http":
		result = protocol.Result{
			Type:   protocol.TypeResult,
			JobID:  job.JobID,
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("unsupported job kind %q", job.Kind),
		}
	default:
		result = c.cfg.Executor.Execute(ctx, job)
	}

	c.cfg.Metrics.RecordJobDone(result.Status, time.Since(start))
	if err := c.send(result); err != nil {
		c.logger.Warn("send result failed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
	}
}

// handleBrowserStart runs the start flow. A start while a session is Active,
// or while an earlier start is still in progress, is suppressed silently;
// otherwise the request is held pending until the browser channel reports
// connected, then executed.
func (c *ControlChannel) handleBrowserStart(ctx context.Context, cmd protocol.BrowserStart) {
	c.mu.Lock()
	if (c.session != nil && c.session.IsActive()) || c.starting {
		c.mu.Unlock()
		c.logger.Debug("duplicate browser start suppressed",
			zap.String("session_id", cmd.SessionID))
		return
	}
	c.starting = true
	c.pending = &cmd

	if ch := c.browserCh; ch != nil {
		c.mu.Unlock()
		// A channel still dialing runs the held start itself once its
		// connect completes.
		if ch.Connected() {
			c.executePendingStart(ctx)
		}
		return
	}
	c.mu.Unlock()

	ch, err := NewBrowserChannel(BrowserChannelConfig{
		PrimaryURL:  c.cfg.ServerURL,
		Identity:    c.cfg.Identity,
		SessionID:   cmd.SessionID,
		NewStrategy: c.cfg.NewStrategy,
		AckOnAttach: c.cfg.AckOnAttach,
		Logger:      c.logger,
		Metrics:     c.cfg.Metrics,
	})
	if err != nil {
		c.logger.Error("browser channel setup failed", zap.Error(err))
		c.mu.Lock()
		c.pending = nil
		c.starting = false
		c.mu.Unlock()
		return
	}
	ch.SetDownHandler(func() { c.clearBrowserState(ch) })
	ch.SetSessionClosedHandler(func() { c.teardownChannel(ch) })
	c.mu.Lock()
	c.browserCh = ch
	c.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		c.logger.Error("browser channel connect failed", zap.Error(err))
		c.clearBrowserState(ch)
		return
	}
	c.executePendingStart(ctx)
}

// executePendingStart creates, starts, and attaches the session for the held
// start request. Failures become an error ack and release the channel: with
// no session to scope it to, the channel has no reason to stay open.
func (c *ControlChannel) executePendingStart(ctx context.Context) {
	c.mu.Lock()
	cmd := c.pending
	ch := c.browserCh
	c.pending = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()
	if cmd == nil || ch == nil {
		return
	}

	opts := cmd.Options
	if opts == nil {
		opts = &protocol.SessionOptions{}
	}
	if opts.Headless == nil {
		headless := c.cfg.DefaultHeadless
		opts.Headless = &headless
	}

	session := browser.NewSession(cmd.SessionID, opts, c.cfg.NewEngine(), c.cfg.Logger)
	if err := session.Start(ctx); err != nil {
		c.logger.Error("browser session start failed",
			zap.String("session_id", cmd.SessionID),
			zap.Error(err))
		ch.SendAck(protocol.AckError, err.Error())
		c.teardownChannel(ch)
		return
	}
	if err := ch.Attach(ctx, session); err != nil {
		c.logger.Error("browser session attach failed",
			zap.String("session_id", cmd.SessionID),
			zap.Error(err))
		_ = session.Stop(ctx)
		ch.SendAck(protocol.AckError, err.Error())
		c.teardownChannel(ch)
		return
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.logger.Info("browser session started", zap.String("session_id", cmd.SessionID))
}

// handleBrowserStop detaches, acknowledges, and closes the channel when the
// id matches the active session; anything else is a silent no-op. The channel
// is scoped to the session it was opened for, so it never outlives the stop —
// a later start dials and authenticates a fresh one.
func (c *ControlChannel) handleBrowserStop(ctx context.Context, cmd protocol.BrowserStop) {
	c.mu.Lock()
	session := c.session
	ch := c.browserCh
	if session == nil || ch == nil || session.ID() != cmd.SessionID {
		c.mu.Unlock()
		c.logger.Debug("browser stop ignored", zap.String("session_id", cmd.SessionID))
		return
	}
	// Claimed before teardown so a start racing the stop dials a fresh
	// channel instead of reusing this one.
	c.browserCh = nil
	c.session = nil
	c.mu.Unlock()

	ch.Detach(ctx)
	ch.SendAck(protocol.AckStopped, "")
	ch.Close(ctx)
	c.logger.Info("browser session stopped", zap.String("session_id", cmd.SessionID))
}

// Disconnect releases resources in dependency order: the browser channel
// (cascading to any active session) first, then the primary connection.
func (c *ControlChannel) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.browserCh
	c.browserCh = nil
	c.session = nil
	c.pending = nil
	c.starting = false
	c.mu.Unlock()

	if ch != nil {
		ch.Close(ctx)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.logger.Info("disconnected")
}

// clearBrowserState drops the channel and everything scoped to it, but only
// while ch is still the current channel: a stop or teardown may already have
// replaced it. Called when the browser channel goes down; the channel has
// already torn down any attached session.
func (c *ControlChannel) clearBrowserState(ch *BrowserChannel) {
	c.mu.Lock()
	if c.browserCh == ch {
		c.browserCh = nil
		c.session = nil
		c.pending = nil
		c.starting = false
	}
	c.mu.Unlock()
}

// teardownChannel closes ch and clears it from the owner state when still
// current. Used when the session a channel was opened for ends without an
// explicit stop command.
func (c *ControlChannel) teardownChannel(ch *BrowserChannel) {
	c.clearBrowserState(ch)
	ch.Close(context.Background())
}

// startKeepalive runs the ping ticker and read-deadline refresh. A missed
// pong surfaces as a read error in Run, the same terminal disconnect a
// dropped connection produces.
func (c *ControlChannel) startKeepalive() (stop func()) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *ControlChannel) send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel not connected")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	c.cfg.Metrics.RecordWSMessage("control", "out")
	return nil
}

func decode(raw []byte, dst any) error {
	return json.Unmarshal(raw, dst)
}
