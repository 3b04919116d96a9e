// Package protocol defines the JSON messages exchanged with the control plane
// over the primary and browser channels. Every frame is a tagged object whose
// "type" field selects the concrete message.
package protocol

import "encoding/json"

// Message type tags for the primary channel.
const (
	TypeHello        = "hello"
	TypeResult       = "result"
	TypeExecute      = "execute"
	TypeBrowserStart = "browser:start"
	TypeBrowserStop  = "browser:stop"
)

// Message type tags for the browser channel.
const (
	TypeBrowserHello   = "browser:hello"
	TypeBrowserAck     = "browser:ack"
	TypeBrowserFrame   = "browser:frame"
	TypeBrowserTraffic = "browser:traffic"
	TypeBrowserClosed  = "browser:closed"
	TypeBrowserInput   = "browser:input"
)

// Envelope carries only the discriminator; payloads are decoded a second time
// into their concrete message once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the type tag from a raw frame.
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// Hello announces the runner identity on the primary channel.
type Hello struct {
	Type         string   `json:"type"`
	RunnerID     string   `json:"runnerId"`
	Token        string   `json:"token"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// HTTPRequest describes the request portion of an execute job.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ExecOptions tunes how a single job is executed. Pointer fields distinguish
// "absent" from an explicit false/zero so executor defaults apply correctly.
type ExecOptions struct {
	HTTPVersion        string `json:"httpVersion,omitempty"`
	FollowRedirects    *bool  `json:"followRedirects,omitempty"`
	MaxRedirects       *int   `json:"maxRedirects,omitempty"`
	KeepAlive          *bool  `json:"keepAlive,omitempty"`
	RejectUnauthorized *bool  `json:"rejectUnauthorized,omitempty"`
}

// Execute is an inbound HTTP job.
type Execute struct {
	Type      string       `json:"type"`
	JobID     string       `json:"jobId"`
	Kind      string       `json:"kind"`
	Request   HTTPRequest  `json:"request"`
	Options   *ExecOptions `json:"options,omitempty"`
	TimeoutMs int          `json:"timeoutMs,omitempty"`
}

// HTTPResponse is the normalized outcome of a successful job.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	TimeMs  int64             `json:"timeMs"`
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result reports the single outcome of a job.
type Result struct {
	Type     string        `json:"type"`
	JobID    string        `json:"jobId"`
	Status   string        `json:"status"`
	Response *HTTPResponse `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Viewport is the requested page size for a browser session.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionOptions configures a browser session at start.
type SessionOptions struct {
	URL      string    `json:"url,omitempty"`
	Viewport *Viewport `json:"viewport,omitempty"`
	Headless *bool     `json:"headless,omitempty"`
}

// BrowserStart requests a new browser session.
type BrowserStart struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Options   *SessionOptions `json:"options,omitempty"`
}

// BrowserStop requests teardown of the named session.
type BrowserStop struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// BrowserHello authenticates the browser channel before any other traffic.
type BrowserHello struct {
	Type      string `json:"type"`
	RunnerID  string `json:"runnerId"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

// Ack statuses for the browser channel.
const (
	AckStarted = "started"
	AckStopped = "stopped"
	AckError   = "error"
)

// BrowserAck acknowledges a session lifecycle transition.
type BrowserAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// BrowserFrame carries one captured still image, base64-encoded.
type BrowserFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mime      string `json:"mime"`
	Data      string `json:"data"`
}

// TrafficRequest is the request half of an observed in-page network exchange.
type TrafficRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// TrafficResponse is the response half, when one arrived.
type TrafficResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// BrowserTraffic is one observed request/response pair or failure.
type BrowserTraffic struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId"`
	Request   TrafficRequest   `json:"request"`
	Response  *TrafficResponse `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
	TimedOut  bool             `json:"timedOut,omitempty"`
	TimeMs    int64            `json:"timeMs"`
}

// BrowserClosed notifies the control plane that the session ended outside of
// an explicit stop.
type BrowserClosed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Input action kinds.
const (
	ActionClick       = "click"
	ActionDoubleClick = "dblclick"
	ActionMove        = "move"
	ActionScroll      = "scroll"
	ActionKeyDown     = "keydown"
	ActionKeyUp       = "keyup"
	ActionType        = "type"
	ActionNavigate    = "navigate"
	ActionRefresh     = "refresh"
)

// InputAction is a closed variant over the replayable page interactions. The
// Kind field selects which parameter group is meaningful.
type InputAction struct {
	Kind      string   `json:"kind"`
	X         float64  `json:"x,omitempty"`
	Y         float64  `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	DeltaX    float64  `json:"deltaX,omitempty"`
	DeltaY    float64  `json:"deltaY,omitempty"`
	Key       string   `json:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
	Text      string   `json:"text,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// BrowserInput forwards one input action to the attached session.
type BrowserInput struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Action    InputAction `json:"action"`
}
