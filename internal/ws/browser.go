package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/browser"
	"github.com/courierlabs/runner/internal/identity"
	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/monitoring"
	"github.com/courierlabs/runner/internal/protocol"
)

// BrowserChannel owns the secondary real-time connection for exactly one
// session id: it authenticates on connect, forwards inbound input to the
// attached session, and relays capture output outward. It is discarded once
// its underlying connection closes.
type BrowserChannel struct {
	url       string
	id        identity.Identity
	sessionID string

	newStrategy browser.StrategyFactory
	ackOnAttach bool

	logger  *logging.Logger
	metrics *monitoring.Metrics

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	session   *browser.Session
	strategy  browser.Strategy
	connected bool
	closed    bool

	onDown          func()
	onSessionClosed func()
}

// BrowserChannelConfig wires a channel's collaborators.
type BrowserChannelConfig struct {
	PrimaryURL  string
	Identity    identity.Identity
	SessionID   string
	NewStrategy browser.StrategyFactory
	// AckOnAttach makes attach readiness explicit (traffic capture); frame
	// capture signals readiness by streaming instead.
	AckOnAttach bool
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// NewBrowserChannel derives the channel endpoint from the primary connection
// address and prepares an unconnected channel.
func NewBrowserChannel(cfg BrowserChannelConfig) (*BrowserChannel, error) {
	target, err := DeriveBrowserURL(cfg.PrimaryURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BrowserChannel{
		url:         target,
		id:          cfg.Identity,
		sessionID:   cfg.SessionID,
		newStrategy: cfg.NewStrategy,
		ackOnAttach: cfg.AckOnAttach,
		logger:      logger.Named("browserch").With(zap.String("session_id", cfg.SessionID)),
		metrics:     cfg.Metrics,
	}, nil
}

// DeriveBrowserURL rewrites the primary connection's path to the browser
// sub-path. The query string is preserved, and a primary URL already ending
// in the sub-path is returned unchanged.
func DeriveBrowserURL(primary string) (string, error) {
	parsed, err := url.Parse(primary)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/browser") {
		path += "/browser"
	}
	parsed.Path = path
	return parsed.String(), nil
}

// SetDownHandler registers fn to run once when the connection closes for any
// reason, after any attached session has been torn down.
func (c *BrowserChannel) SetDownHandler(fn func()) {
	c.mu.Lock()
	c.onDown = fn
	c.mu.Unlock()
}

// SetSessionClosedHandler registers fn to run when the attached session
// terminates externally (engine death rather than a stop command).
func (c *BrowserChannel) SetSessionClosedHandler(fn func()) {
	c.mu.Lock()
	c.onSessionClosed = fn
	c.mu.Unlock()
}

// Connect dials the endpoint and authenticates. The authentication frame is
// written before the read loop starts, so no capture or input traffic can
// precede it.
func (c *BrowserChannel) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial browser channel: %w", err)
	}
	c.conn = conn

	hello := protocol.BrowserHello{
		Type:      protocol.TypeBrowserHello,
		RunnerID:  c.id.RunnerID,
		Token:     c.id.Token,
		SessionID: c.sessionID,
	}
	if err := c.send(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send browser hello: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	go c.readLoop()
	c.logger.Info("browser channel connected")
	return nil
}

// Connected reports whether the dial and authentication frame have completed
// and the channel has not gone down since.
func (c *BrowserChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attach binds a started session to the channel: any previous session is
// detached first, the capture strategy starts, and only then is the initial
// navigation issued so its traffic is observable.
func (c *BrowserChannel) Attach(ctx context.Context, session *browser.Session) error {
	c.mu.Lock()
	if c.session != nil {
		c.detachLocked(ctx)
	}
	c.mu.Unlock()

	page, err := session.Page()
	if err != nil {
		return err
	}

	strategy := c.newStrategy(session.ID())
	if err := strategy.Start(ctx, page, c.emitCapture); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	session.SetCloseHandler(func() { c.handleExternalClose(session) })

	c.mu.Lock()
	c.session = session
	c.strategy = strategy
	c.mu.Unlock()
	c.metrics.SetSessionActive(true)

	if err := session.OpenInitialURL(ctx); err != nil {
		c.Detach(ctx)
		return fmt.Errorf("initial navigation: %w", err)
	}

	if c.ackOnAttach {
		c.SendAck(protocol.AckStarted, "")
	}
	return nil
}

// Detach stops the capture strategy and the session and clears the
// attachment. Idempotent when nothing is attached.
func (c *BrowserChannel) Detach(ctx context.Context) {
	c.mu.Lock()
	c.detachLocked(ctx)
	c.mu.Unlock()
}

// detachLocked does the teardown under c.mu.
func (c *BrowserChannel) detachLocked(ctx context.Context) {
	session := c.session
	strategy := c.strategy
	c.session = nil
	c.strategy = nil
	if strategy != nil {
		strategy.Stop()
	}
	if session != nil {
		session.SetCloseHandler(nil)
		if err := session.Stop(ctx); err != nil {
			c.logger.Warn("session stop failed", zap.Error(err))
		}
		c.metrics.SetSessionActive(false)
	}
}

// Close tears down any attached session and closes the connection.
func (c *BrowserChannel) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.detachLocked(ctx)
	c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// SendAck emits a lifecycle acknowledgement for the channel's session.
func (c *BrowserChannel) SendAck(status, errMsg string) {
	ack := protocol.BrowserAck{
		Type:      protocol.TypeBrowserAck,
		SessionID: c.sessionID,
		Status:    status,
		Error:     errMsg,
	}
	if err := c.send(ack); err != nil {
		c.logger.Warn("send ack failed", zap.Error(err))
	}
}

// handleExternalClose runs via the session's close callback when the engine
// dies out from under us: release the capture strategy, notify outward, and
// tell the owner to clear its state.
func (c *BrowserChannel) handleExternalClose(session *browser.Session) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	strategy := c.strategy
	c.strategy = nil
	notify := c.onSessionClosed
	c.mu.Unlock()

	if strategy != nil {
		strategy.Stop()
	}
	c.metrics.SetSessionActive(false)

	closed := protocol.BrowserClosed{
		Type:      protocol.TypeBrowserClosed,
		SessionID: session.ID(),
	}
	if err := c.send(closed); err != nil {
		c.logger.Warn("send closed failed", zap.Error(err))
	}
	if notify != nil {
		notify()
	}
}

// readLoop forwards inbound input frames to the attached session. Frames for
// a different session id, or arriving while the session is not active, are
// dropped without error.
func (c *BrowserChannel) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDown(err)
			return
		}
		c.metrics.RecordWSMessage("browser", "in")

		msgType, err := protocol.PeekType(raw)
		if err != nil {
			c.logger.Debug("malformed frame dropped", zap.Error(err))
			continue
		}
		if msgType != protocol.TypeBrowserInput {
			c.logger.Debug("unexpected message type dropped", zap.String("type", msgType))
			continue
		}

		var input protocol.BrowserInput
		if err := decode(raw, &input); err != nil {
			c.logger.Debug("malformed input dropped", zap.Error(err))
			continue
		}

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		if session == nil || session.ID() != input.SessionID || !session.IsActive() {
			c.logger.Debug("stale input dropped", zap.String("session_id", input.SessionID))
			continue
		}

		// Applied synchronously in frame order: single-writer discipline on
		// the page.
		if err := session.HandleInput(context.Background(), input.Action); err != nil {
			c.logger.Warn("input failed",
				zap.String("kind", input.Action.Kind),
				zap.Error(err))
		}
	}
}

// handleDown tears down on connection loss and notifies the owner so pending
// state can be cleared.
func (c *BrowserChannel) handleDown(cause error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.connected = false
	c.detachLocked(context.Background())
	notify := c.onDown
	c.mu.Unlock()

	if !wasClosed {
		c.logger.Info("browser channel down", zap.Error(cause))
	}
	if notify != nil {
		notify()
	}
}

// emitCapture relays one capture message outward.
func (c *BrowserChannel) emitCapture(msg any) {
	switch msg.(type) {
	case protocol.BrowserFrame:
		c.metrics.RecordCaptureEvent("frame")
	case protocol.BrowserTraffic:
		c.metrics.RecordCaptureEvent("traffic")
	}
	if err := c.send(msg); err != nil {
		c.logger.Debug("capture emit failed", zap.Error(err))
	}
}

func (c *BrowserChannel) send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("browser channel not connected")
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	c.metrics.RecordWSMessage("browser", "out")
	return nil
}
