package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/protocol"
)

// RodEngine drives a Chromium instance through go-rod.
type RodEngine struct {
	logger *logging.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	profile Profile
	closing bool
	onClose func()
}

// NewRodEngine creates an unlaunched engine.
func NewRodEngine(logger *logging.Logger) *RodEngine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RodEngine{logger: logger.Named("engine")}
}

// Launch starts a Chromium instance and connects to its DevTools endpoint.
func (e *RodEngine) Launch(ctx context.Context, profile Profile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return errors.New("engine already launched")
	}

	controlURL, err := launcher.New().Headless(profile.Headless).Launch()
	if err != nil {
		return fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chromium: %w", err)
	}

	e.browser = browser
	e.profile = profile
	return nil
}

// NewPage opens the engine's single page and applies the automation profile.
func (e *RodEngine) NewPage(ctx context.Context) (Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser == nil {
		return nil, errors.New("engine not launched")
	}
	if e.page != nil {
		return nil, errors.New("page already open")
	}

	page, err := e.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	profile := e.profile
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             profile.Viewport.Width,
		Height:            profile.Viewport.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		e.logger.Warn("set viewport failed", zap.Error(err))
	}
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      profile.UserAgent,
		AcceptLanguage: profile.Locale,
	}).Call(page); err != nil {
		e.logger.Warn("set user agent failed", zap.Error(err))
	}
	if err := (proto.EmulationSetTimezoneOverride{
		TimezoneID: profile.Timezone,
	}).Call(page); err != nil {
		e.logger.Warn("set timezone failed", zap.Error(err))
	}
	lat, lon, acc := profile.Latitude, profile.Longitude, float64(50)
	if err := (proto.EmulationSetGeolocationOverride{
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &acc,
	}).Call(page); err != nil {
		e.logger.Warn("set geolocation failed", zap.Error(err))
	}

	e.page = page
	e.watchTargetLocked(page)
	return &rodPage{engine: e, page: page}, nil
}

// watchTargetLocked fires the external-close handler when the page's target
// disappears without an explicit Close. Caller holds e.mu.
func (e *RodEngine) watchTargetLocked(page *rod.Page) {
	targetID := page.TargetID
	wait := e.browser.EachEvent(func(ev *proto.TargetTargetDestroyed) bool {
		if ev.TargetID != targetID {
			return false
		}
		e.mu.Lock()
		closing := e.closing
		handler := e.onClose
		e.mu.Unlock()
		if !closing && handler != nil {
			handler()
		}
		return true
	})
	go wait()
}

// OnExternalClose registers the external-termination handler.
func (e *RodEngine) OnExternalClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// Close releases the page and the browser instance.
func (e *RodEngine) Close() error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	page := e.page
	browser := e.browser
	e.page = nil
	e.browser = nil
	e.mu.Unlock()

	if page != nil {
		_ = page.Close()
	}
	if browser != nil {
		return browser.Close()
	}
	return nil
}

var _ Engine = (*RodEngine)(nil)

// rodPage adapts one rod page to the Page seam.
type rodPage struct {
	engine *RodEngine
	page   *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}
	return nil
}

func (p *rodPage) Reload(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := (proto.PageReload{}).Call(page); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	quality := 70
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
}

func (p *rodPage) DispatchInput(ctx context.Context, action protocol.InputAction) error {
	page := p.page.Context(ctx)

	switch action.Kind {
	case protocol.ActionClick:
		return p.click(page, action, 1)
	case protocol.ActionDoubleClick:
		return p.click(page, action, 2)
	case protocol.ActionMove:
		return (proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    action.X,
			Y:    action.Y,
		}).Call(page)
	case protocol.ActionScroll:
		if err := (proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    action.X,
			Y:    action.Y,
		}).Call(page); err != nil {
			return err
		}
		return (proto.InputDispatchMouseEvent{
			Type:   proto.InputDispatchMouseEventTypeMouseWheel,
			X:      action.X,
			Y:      action.Y,
			DeltaX: action.DeltaX,
			DeltaY: action.DeltaY,
		}).Call(page)
	case protocol.ActionKeyDown:
		return (proto.InputDispatchKeyEvent{
			Type:      proto.InputDispatchKeyEventTypeKeyDown,
			Key:       action.Key,
			Modifiers: modifierMask(action.Modifiers),
		}).Call(page)
	case protocol.ActionKeyUp:
		return (proto.InputDispatchKeyEvent{
			Type:      proto.InputDispatchKeyEventTypeKeyUp,
			Key:       action.Key,
			Modifiers: modifierMask(action.Modifiers),
		}).Call(page)
	case protocol.ActionType:
		// Literal text, one character at a time.
		for _, r := range action.Text {
			if err := (proto.InputDispatchKeyEvent{
				Type: proto.InputDispatchKeyEventTypeChar,
				Text: string(r),
			}).Call(page); err != nil {
				return err
			}
		}
		return nil
	case protocol.ActionNavigate:
		return p.Navigate(ctx, action.URL)
	case protocol.ActionRefresh:
		return p.Reload(ctx)
	default:
		// Unknown kinds are a no-op.
		return nil
	}
}

func (p *rodPage) click(page *rod.Page, action protocol.InputAction, clicks int) error {
	button := mouseButton(action.Button)
	if err := (proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    action.X,
		Y:    action.Y,
	}).Call(page); err != nil {
		return err
	}
	for i := 1; i <= clicks; i++ {
		if err := (proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMousePressed,
			X:          action.X,
			Y:          action.Y,
			Button:     button,
			ClickCount: i,
		}).Call(page); err != nil {
			return err
		}
		if err := (proto.InputDispatchMouseEvent{
			Type:       proto.InputDispatchMouseEventTypeMouseReleased,
			X:          action.X,
			Y:          action.Y,
			Button:     button,
			ClickCount: i,
		}).Call(page); err != nil {
			return err
		}
	}
	return nil
}

func (p *rodPage) ObserveNetwork(fn func(NetEvent)) (stop func()) {
	ctx, cancel := context.WithCancel(p.page.GetContext())
	page := p.page.Context(ctx)

	wait := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			fn(NetEvent{
				Kind:    NetRequest,
				ID:      string(ev.RequestID),
				Method:  ev.Request.Method,
				URL:     ev.Request.URL,
				Headers: flattenNetHeaders(ev.Request.Headers),
				Body:    ev.Request.PostData,
			})
		},
		func(ev *proto.NetworkResponseReceived) {
			fn(NetEvent{
				Kind:    NetResponse,
				ID:      string(ev.RequestID),
				Status:  ev.Response.Status,
				Headers: flattenNetHeaders(ev.Response.Headers),
			})
		},
		func(ev *proto.NetworkLoadingFinished) {
			body := ""
			// Body may be unavailable (cached, redirected, evicted); the
			// event still goes out with the field empty.
			if res, err := (proto.NetworkGetResponseBody{RequestID: ev.RequestID}).Call(page); err == nil && !res.Base64Encoded {
				body = res.Body
			}
			fn(NetEvent{Kind: NetFinished, ID: string(ev.RequestID), Body: body})
		},
		func(ev *proto.NetworkLoadingFailed) {
			fn(NetEvent{Kind: NetFailed, ID: string(ev.RequestID), Error: ev.ErrorText})
		},
	)
	go wait()
	return cancel
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// CDP keyboard modifier bitmask: Alt=1, Ctrl=2, Meta=4, Shift=8.
func modifierMask(modifiers []string) int {
	mask := 0
	for _, m := range modifiers {
		switch strings.ToLower(m) {
		case "alt":
			mask |= 1
		case "ctrl", "control":
			mask |= 2
		case "meta", "cmd", "command":
			mask |= 4
		case "shift":
			mask |= 8
		}
	}
	return mask
}

func mouseButton(name string) proto.InputMouseButton {
	switch strings.ToLower(name) {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func flattenNetHeaders(headers proto.NetworkHeaders) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		out[name] = value.String()
	}
	return out
}
