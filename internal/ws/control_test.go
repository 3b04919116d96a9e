package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierlabs/runner/internal/browser"
	"github.com/courierlabs/runner/internal/httpexec"
	"github.com/courierlabs/runner/internal/identity"
	"github.com/courierlabs/runner/internal/protocol"
)

// fakePlane is an in-process control plane: one websocket endpoint for the
// primary channel and one for the browser channel.
type fakePlane struct {
	server       *httptest.Server
	controlConns chan *websocket.Conn
	browserConns chan *websocket.Conn
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	plane := &fakePlane{
		controlConns: make(chan *websocket.Conn, 4),
		browserConns: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/runner", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		plane.controlConns <- conn
	})
	mux.HandleFunc("/runner/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		plane.browserConns <- conn
	})
	plane.server = httptest.NewServer(mux)
	t.Cleanup(plane.server.Close)
	return plane
}

func (p *fakePlane) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/runner"
}

func (p *fakePlane) acceptControl(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.controlConns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("runner never connected the control channel")
		return nil
	}
}

func (p *fakePlane) acceptBrowser(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.browserConns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("runner never connected the browser channel")
		return nil
	}
}

// pump drains a connection into a channel so tests can both await messages
// and assert their absence without poisoning the read side with deadlines.
func pump(conn *websocket.Conn) <-chan map[string]any {
	out := make(chan map[string]any, 64)
	go func() {
		defer close(out)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(raw, &msg) == nil {
				out <- msg
			}
		}
	}()
	return out
}

func awaitMsg(t *testing.T, msgs <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "connection closed while awaiting a message")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out awaiting a message")
		return nil
	}
}

// awaitTyped skips frames until one with the wanted type tag arrives.
func awaitTyped(t *testing.T, msgs <-chan map[string]any, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			require.True(t, ok, "connection closed while awaiting %q", msgType)
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out awaiting %q", msgType)
			return nil
		}
	}
}

func assertQuiet(t *testing.T, msgs <-chan map[string]any, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-msgs:
		t.Fatalf("expected no message, got %v", msg)
	case <-time.After(wait):
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func testIdentity() identity.Identity {
	return identity.Identity{
		RunnerID:     "host-test",
		Token:        "secret-token",
		Version:      "0.0.0-test",
		Capabilities: []string{identity.CapabilityHTTP, identity.CapabilityBrowser},
	}
}

// planeEngine is the fake browser engine used for channel-level tests.
type planeEngine struct {
	launchDelay time.Duration

	mu      sync.Mutex
	page    *planePage
	closed  bool
	onClose func()
}

type planePage struct {
	mu      sync.Mutex
	actions []protocol.InputAction
	netFn   func(browser.NetEvent)
}

func (p *planePage) Navigate(ctx context.Context, url string) error { return nil }
func (p *planePage) Reload(ctx context.Context) error               { return nil }
func (p *planePage) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

func (p *planePage) DispatchInput(ctx context.Context, action protocol.InputAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
	return nil
}

func (p *planePage) ObserveNetwork(fn func(browser.NetEvent)) (stop func()) {
	p.mu.Lock()
	p.netFn = fn
	p.mu.Unlock()
	return func() {}
}

func (p *planePage) Close() error { return nil }

func (p *planePage) recorded() []protocol.InputAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.InputAction, len(p.actions))
	copy(out, p.actions)
	return out
}

func (p *planePage) pushNet(ev browser.NetEvent) {
	p.mu.Lock()
	fn := p.netFn
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *planeEngine) Launch(ctx context.Context, profile browser.Profile) error {
	if e.launchDelay > 0 {
		time.Sleep(e.launchDelay)
	}
	return nil
}

func (e *planeEngine) NewPage(ctx context.Context) (browser.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.page == nil {
		e.page = &planePage{}
	}
	return e.page, nil
}

func (e *planeEngine) OnExternalClose(fn func()) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

func (e *planeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *planeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// newTestChannel wires a control channel against the fake plane with a fake
// engine and traffic capture.
func newTestChannel(plane *fakePlane, engine *planeEngine) *ControlChannel {
	return NewControlChannel(ControlConfig{
		ServerURL: plane.url(),
		Identity:  testIdentity(),
		Executor:  httpexec.New(nil),
		NewEngine: func() browser.Engine { return engine },
		NewStrategy: func(sessionID string) browser.Strategy {
			return browser.NewTrafficStrategy(sessionID, nil)
		},
		AckOnAttach: true,
	})
}

func startChannel(t *testing.T, ctrl *ControlChannel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Connect(ctx))
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		ctrl.Disconnect(context.Background())
	})
}

func TestConnectAnnouncesIdentityFirst(t *testing.T) {
	plane := newFakePlane(t)
	ctrl := newTestChannel(plane, &planeEngine{})
	startChannel(t, ctrl)

	msgs := pump(plane.acceptControl(t))
	hello := awaitMsg(t, msgs)
	assert.Equal(t, protocol.TypeHello, hello["type"])
	assert.Equal(t, "host-test", hello["runnerId"])
	assert.Equal(t, "secret-token", hello["token"])
	assert.ElementsMatch(t, []any{"http/s", "browser"}, hello["capabilities"])
}

func TestJobsRunConcurrently(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, "slow")
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fast")
	}))
	defer fast.Close()

	plane := newFakePlane(t)
	ctrl := newTestChannel(plane, &planeEngine{})
	startChannel(t, ctrl)

	conn := plane.acceptControl(t)
	msgs := pump(conn)
	awaitTyped(t, msgs, protocol.TypeHello)

	sendJSON(t, conn, protocol.Execute{Type: protocol.TypeExecute, JobID: "slow-job",
		Request: protocol.HTTPRequest{Method: "GET", URL: slow.URL}})
	sendJSON(t, conn, protocol.Execute{Type: protocol.TypeExecute, JobID: "fast-job",
		Request: protocol.HTTPRequest{Method: "GET", URL: fast.URL}})

	first := awaitTyped(t, msgs, protocol.TypeResult)
	second := awaitTyped(t, msgs, protocol.TypeResult)

	// A slow job never blocks a later fast one; results arrive in completion
	// order, each exactly once.
	assert.Equal(t, "fast-job", first["jobId"])
	assert.Equal(t, "slow-job", second["jobId"])
	assert.Equal(t, protocol.StatusSuccess, first["status"])
	assert.Equal(t, protocol.StatusSuccess, second["status"])
}

func TestMalformedFramesAreDropped(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer target.Close()

	plane := newFakePlane(t)
	ctrl := newTestChannel(plane, &planeEngine{})
	startChannel(t, ctrl)

	conn := plane.acceptControl(t)
	msgs := pump(conn)
	awaitTyped(t, msgs, protocol.TypeHello)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	sendJSON(t, conn, map[string]any{"type": "no-such-type"})

	// The connection survives garbage; a well-formed job still executes.
	sendJSON(t, conn, protocol.Execute{Type: protocol.TypeExecute, JobID: "after-junk",
		Request: protocol.HTTPRequest{Method: "GET", URL: target.URL}})
	result := awaitTyped(t, msgs, protocol.TypeResult)
	assert.Equal(t, "after-junk", result["jobId"])
}

func TestUnsupportedJobKind(t *testing.T) {
	plane := newFakePlane(t)
	ctrl := newTestChannel(plane, &planeEngine{})
	startChannel(t, ctrl)

	conn := plane.acceptControl(t)
	msgs := pump(conn)
	awaitTyped(t, msgs, protocol.TypeHello)

	sendJSON(t, conn, protocol.Execute{Type: protocol.TypeExecute, JobID: "odd-job", Kind: "ftp",
		Request: protocol.HTTPRequest{Method: "GET", URL: "ftp://example.com"}})
	result := awaitTyped(t, msgs, protocol.TypeResult)
	assert.Equal(t, "odd-job", result["jobId"])
	assert.Equal(t, protocol.StatusError, result["status"])
	assert.Contains(t, result["error"], "unsupported job kind")
}

func TestBrowserSessionFlow(t *testing.T) {
	plane := newFakePlane(t)
	engine := &planeEngine{}
	ctrl := newTestChannel(plane, engine)
	startChannel(t, ctrl)

	controlConn := plane.acceptControl(t)
	controlMsgs := pump(controlConn)
	awaitTyped(t, controlMsgs, protocol.TypeHello)

	sendJSON(t, controlConn, protocol.BrowserStart{
		Type:      protocol.TypeBrowserStart,
		SessionID: "sess-1",
		Options:   &protocol.SessionOptions{URL: "https://example.com"},
	})

	browserConn := plane.acceptBrowser(t)
	browserMsgs := pump(browserConn)

	// Authentication precedes everything else on the browser channel.
	hello := awaitMsg(t, browserMsgs)
	assert.Equal(t, protocol.TypeBrowserHello, hello["type"])
	assert.Equal(t, "secret-token", hello["token"])
	assert.Equal(t, "sess-1", hello["sessionId"])

	ack := awaitTyped(t, browserMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStarted, ack["status"])

	// The start URL was navigated to after capture wiring.
	require.Eventually(t, func() bool {
		for _, a := range engine.page.recorded() {
			if a.Kind == protocol.ActionNavigate && a.URL == "https://example.com" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Input for the attached session is applied; input for any other session
	// id is dropped.
	before := len(engine.page.recorded())
	sendJSON(t, browserConn, protocol.BrowserInput{
		Type:      protocol.TypeBrowserInput,
		SessionID: "sess-1",
		Action:    protocol.InputAction{Kind: protocol.ActionClick, X: 5, Y: 5, Button: "left"},
	})
	require.Eventually(t, func() bool {
		return len(engine.page.recorded()) == before+1
	}, 2*time.Second, 10*time.Millisecond)

	sendJSON(t, browserConn, protocol.BrowserInput{
		Type:      protocol.TypeBrowserInput,
		SessionID: "someone-else",
		Action:    protocol.InputAction{Kind: protocol.ActionClick},
	})
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, engine.page.recorded(), before+1)

	// Observed page traffic streams outward as traffic events.
	engine.page.pushNet(browser.NetEvent{Kind: browser.NetRequest, ID: "r1",
		Method: "GET", URL: "https://example.com/asset"})
	engine.page.pushNet(browser.NetEvent{Kind: browser.NetResponse, ID: "r1", Status: 200})
	engine.page.pushNet(browser.NetEvent{Kind: browser.NetFinished, ID: "r1"})
	traffic := awaitTyped(t, browserMsgs, protocol.TypeBrowserTraffic)
	assert.Equal(t, "sess-1", traffic["sessionId"])

	// A stop naming a different session is a silent no-op.
	sendJSON(t, controlConn, protocol.BrowserStop{Type: protocol.TypeBrowserStop, SessionID: "someone-else"})
	assertQuiet(t, browserMsgs, 300*time.Millisecond)
	assert.False(t, engine.isClosed())

	// A matching stop tears down and acknowledges.
	sendJSON(t, controlConn, protocol.BrowserStop{Type: protocol.TypeBrowserStop, SessionID: "sess-1"})
	stopped := awaitTyped(t, browserMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStopped, stopped["status"])
	assert.True(t, engine.isClosed())
}

func TestDuplicateStartSuppressed(t *testing.T) {
	plane := newFakePlane(t)
	engine := &planeEngine{}
	ctrl := newTestChannel(plane, engine)
	startChannel(t, ctrl)

	controlConn := plane.acceptControl(t)
	controlMsgs := pump(controlConn)
	awaitTyped(t, controlMsgs, protocol.TypeHello)

	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-1"})
	browserMsgs := pump(plane.acceptBrowser(t))
	awaitTyped(t, browserMsgs, protocol.TypeBrowserHello)
	ack := awaitTyped(t, browserMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStarted, ack["status"])

	// While a session is active, further starts are suppressed without error
	// or acknowledgement.
	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-2"})
	assertQuiet(t, browserMsgs, 300*time.Millisecond)
}

func TestStopThenStartDialsFreshChannel(t *testing.T) {
	plane := newFakePlane(t)
	ctrl := NewControlChannel(ControlConfig{
		ServerURL: plane.url(),
		Identity:  testIdentity(),
		Executor:  httpexec.New(nil),
		NewEngine: func() browser.Engine { return &planeEngine{} },
		NewStrategy: func(sessionID string) browser.Strategy {
			return browser.NewTrafficStrategy(sessionID, nil)
		},
		AckOnAttach: true,
	})
	startChannel(t, ctrl)

	controlConn := plane.acceptControl(t)
	controlMsgs := pump(controlConn)
	awaitTyped(t, controlMsgs, protocol.TypeHello)

	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-1"})
	firstMsgs := pump(plane.acceptBrowser(t))
	hello := awaitTyped(t, firstMsgs, protocol.TypeBrowserHello)
	assert.Equal(t, "sess-1", hello["sessionId"])
	awaitTyped(t, firstMsgs, protocol.TypeBrowserAck)

	sendJSON(t, controlConn, protocol.BrowserStop{Type: protocol.TypeBrowserStop, SessionID: "sess-1"})
	stopped := awaitTyped(t, firstMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStopped, stopped["status"])

	// The channel is scoped to the session it was opened for; the stop closes
	// it along with the session.
	select {
	case msg, ok := <-firstMsgs:
		require.False(t, ok, "expected connection close after stop, got %v", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("first browser connection stayed open after the stop")
	}

	// A later start dials a fresh channel whose authentication and
	// acknowledgement carry the new session id, not the stopped one.
	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-2"})
	secondMsgs := pump(plane.acceptBrowser(t))
	hello = awaitTyped(t, secondMsgs, protocol.TypeBrowserHello)
	assert.Equal(t, "sess-2", hello["sessionId"])
	ack := awaitTyped(t, secondMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStarted, ack["status"])
	assert.Equal(t, "sess-2", ack["sessionId"])
}

func TestStartWhileStartingSuppressed(t *testing.T) {
	plane := newFakePlane(t)
	var engines atomic.Int32
	ctrl := NewControlChannel(ControlConfig{
		ServerURL: plane.url(),
		Identity:  testIdentity(),
		Executor:  httpexec.New(nil),
		NewEngine: func() browser.Engine {
			engines.Add(1)
			return &planeEngine{launchDelay: 400 * time.Millisecond}
		},
		NewStrategy: func(sessionID string) browser.Strategy {
			return browser.NewTrafficStrategy(sessionID, nil)
		},
		AckOnAttach: true,
	})
	startChannel(t, ctrl)

	controlConn := plane.acceptControl(t)
	controlMsgs := pump(controlConn)
	awaitTyped(t, controlMsgs, protocol.TypeHello)

	// The second start lands while the first is still launching its engine
	// and must be suppressed, not run against the half-set-up channel.
	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-1"})
	time.Sleep(50 * time.Millisecond)
	sendJSON(t, controlConn, protocol.BrowserStart{Type: protocol.TypeBrowserStart, SessionID: "sess-2"})

	browserMsgs := pump(plane.acceptBrowser(t))
	hello := awaitTyped(t, browserMsgs, protocol.TypeBrowserHello)
	assert.Equal(t, "sess-1", hello["sessionId"])
	ack := awaitTyped(t, browserMsgs, protocol.TypeBrowserAck)
	assert.Equal(t, protocol.AckStarted, ack["status"])
	assert.Equal(t, "sess-1", ack["sessionId"])

	assertQuiet(t, browserMsgs, 300*time.Millisecond)
	assert.Equal(t, int32(1), engines.Load())
	select {
	case <-plane.browserConns:
		t.Fatal("suppressed start dialed its own channel")
	default:
	}
}
