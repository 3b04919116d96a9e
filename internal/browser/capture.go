package browser

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/protocol"
)

// Emit sends one outward capture message on the browser channel.
type Emit func(msg any)

// Strategy streams an active session's observable activity outward. Start
// may be called once per attachment; Stop is idempotent and halts emission
// immediately.
type Strategy interface {
	Start(ctx context.Context, page Page, emit Emit) error
	Stop()
}

// StrategyFactory builds the configured strategy for one session.
type StrategyFactory func(sessionID string) Strategy

// FrameStrategy periodically captures a compressed still of the page and
// emits it as a frame event, nominally every 200ms (~5 fps).
type FrameStrategy struct {
	sessionID string
	interval  time.Duration
	logger    *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFrameStrategy creates a frame-capture strategy.
func NewFrameStrategy(sessionID string, interval time.Duration, logger *logging.Logger) *FrameStrategy {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &FrameStrategy{
		sessionID: sessionID,
		interval:  interval,
		logger:    logger.Named("frames"),
	}
}

// Start begins the capture loop. The limiter paces screenshots without burst
// catch-up after a slow capture.
func (f *FrameStrategy) Start(ctx context.Context, page Page, emit Emit) error {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	limiter := rate.NewLimiter(rate.Every(f.interval), 1)
	go func() {
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			data, err := page.Screenshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Debug("screenshot failed", zap.Error(err))
				continue
			}
			mime := "image/jpeg"
			if detected := mimetype.Detect(data); detected != nil {
				mime = detected.String()
			}
			emit(protocol.BrowserFrame{
				Type:      protocol.TypeBrowserFrame,
				SessionID: f.sessionID,
				Mime:      mime,
				Data:      base64.StdEncoding.EncodeToString(data),
			})
		}
	}()
	return nil
}

// Stop halts the capture loop.
func (f *FrameStrategy) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// inflightRequest tracks one observed exchange until its outcome is emitted,
// bounding memory to in-flight requests only.
type inflightRequest struct {
	started  time.Time
	request  protocol.TrafficRequest
	response *protocol.TrafficResponse
}

// TrafficStrategy emits one event per completed or failed in-page network
// exchange, with elapsed time measured from the request-start observation.
type TrafficStrategy struct {
	sessionID string
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	stopped  bool
	stopNet  func()
	inflight map[string]*inflightRequest
}

// NewTrafficStrategy creates a traffic-capture strategy.
func NewTrafficStrategy(sessionID string, logger *logging.Logger) *TrafficStrategy {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TrafficStrategy{
		sessionID: sessionID,
		logger:    logger.Named("traffic"),
		now:       time.Now,
		inflight:  make(map[string]*inflightRequest),
	}
}

// Start subscribes to the page's network events.
func (t *TrafficStrategy) Start(ctx context.Context, page Page, emit Emit) error {
	t.mu.Lock()
	t.stopped = false
	t.stopNet = page.ObserveNetwork(func(ev NetEvent) {
		t.handle(ev, emit)
	})
	t.mu.Unlock()
	return nil
}

// handle assembles raw network observations into traffic events. Emission
// happens under the lock so per-session event order matches occurrence order.
func (t *TrafficStrategy) handle(ev NetEvent, emit Emit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	switch ev.Kind {
	case NetRequest:
		t.inflight[ev.ID] = &inflightRequest{
			started: t.now(),
			request: protocol.TrafficRequest{
				Method:  ev.Method,
				URL:     ev.URL,
				Headers: ev.Headers,
				Body:    ev.Body,
			},
		}
	case NetResponse:
		entry, ok := t.inflight[ev.ID]
		if !ok {
			return
		}
		entry.response = &protocol.TrafficResponse{
			Status:  ev.Status,
			Headers: ev.Headers,
		}
	case NetFinished:
		entry, ok := t.inflight[ev.ID]
		if !ok {
			return
		}
		delete(t.inflight, ev.ID)
		if entry.response != nil {
			entry.response.Body = ev.Body
		}
		emit(protocol.BrowserTraffic{
			Type:      protocol.TypeBrowserTraffic,
			SessionID: t.sessionID,
			Request:   entry.request,
			Response:  entry.response,
			TimeMs:    t.now().Sub(entry.started).Milliseconds(),
		})
	case NetFailed:
		entry, ok := t.inflight[ev.ID]
		if !ok {
			return
		}
		delete(t.inflight, ev.ID)
		emit(protocol.BrowserTraffic{
			Type:      protocol.TypeBrowserTraffic,
			SessionID: t.sessionID,
			Request:   entry.request,
			Error:     ev.Error,
			TimedOut:  isTimeoutError(ev.Error),
			TimeMs:    t.now().Sub(entry.started).Milliseconds(),
		})
	}
}

// Stop unsubscribes and drops in-flight state. Requests that started before
// the stop but complete after it are never emitted.
func (t *TrafficStrategy) Stop() {
	t.mu.Lock()
	stopNet := t.stopNet
	t.stopNet = nil
	t.stopped = true
	t.inflight = make(map[string]*inflightRequest)
	t.mu.Unlock()
	if stopNet != nil {
		stopNet()
	}
}

func isTimeoutError(errText string) bool {
	return strings.Contains(strings.ToUpper(errText), "TIMED_OUT") ||
		strings.Contains(strings.ToLower(errText), "timeout")
}
