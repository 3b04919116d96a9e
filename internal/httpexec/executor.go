// Package httpexec executes one HTTP request per job under a per-job policy:
// protocol version, redirect handling, TLS verification, and a deadline that
// covers the entire multi-hop sequence. Every outcome becomes a normalized
// response or an error string on the job result; nothing escapes as a process
// failure.
package httpexec

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/protocol"
)

// ErrRedirectLimit is returned when following one more redirect would exceed
// the configured maximum.
var ErrRedirectLimit = errors.New("redirect limit exceeded")

type transportKey struct {
	version   string
	verify    bool
	keepAlive string // "", "on", "off"
}

// Executor runs HTTP jobs. It holds no per-job state; transports are cached
// by policy so keep-alive jobs share connection pools.
type Executor struct {
	logger *logging.Logger

	mu         sync.Mutex
	transports map[transportKey]http.RoundTripper
}

// New creates an executor.
func New(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		logger:     logger.Named("httpexec"),
		transports: make(map[transportKey]http.RoundTripper),
	}
}

// Execute runs one job to completion and returns its single Result. Elapsed
// time covers everything from this call to result construction, including all
// redirect hops.
func (e *Executor) Execute(ctx context.Context, job protocol.Execute) protocol.Result {
	start := time.Now()
	opts := FromProto(job.Options, job.TimeoutMs)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := e.perform(ctx, job.Request, opts)
	if err != nil {
		e.logger.Debug("job failed",
			zap.String("job_id", job.JobID),
			zap.String("url", job.Request.URL),
			zap.Error(err))
		return protocol.Result{
			Type:   protocol.TypeResult,
			JobID:  job.JobID,
			Status: protocol.StatusError,
			Error:  describeError(err, opts),
		}
	}

	return protocol.Result{
		Type:   protocol.TypeResult,
		JobID:  job.JobID,
		Status: protocol.StatusSuccess,
		Response: &protocol.HTTPResponse{
			Status:  resp.StatusCode(),
			Headers: flattenHeaders(resp.Header()),
			Body:    resp.String(),
			TimeMs:  time.Since(start).Milliseconds(),
		},
	}
}

// perform issues the request and follows redirects manually. Every hop
// re-sends the original method, headers, and body, including for 301/302;
// clients relying on the conventional switch-to-GET behavior do not get it
// here.
func (e *Executor) perform(ctx context.Context, req protocol.HTTPRequest, opts Options) (*resty.Response, error) {
	client, err := e.client(opts)
	if err != nil {
		return nil, err
	}

	currentURL := req.URL
	for hop := 0; ; hop++ {
		r := client.R().SetContext(ctx)
		for k, v := range req.Headers {
			r.SetHeader(k, v)
		}
		if req.Body != "" {
			r.SetBody(req.Body)
		}

		method := strings.ToUpper(strings.TrimSpace(req.Method))
		if method == "" {
			method = http.MethodGet
		}

		resp, err := r.Execute(method, currentURL)
		if err != nil {
			return nil, err
		}

		location := resp.Header().Get("Location")
		if !opts.FollowRedirects || !isRedirect(resp.StatusCode()) || location == "" {
			return resp, nil
		}
		if hop+1 > opts.MaxRedirects {
			return nil, ErrRedirectLimit
		}

		next, err := resolveLocation(currentURL, location)
		if err != nil {
			return nil, fmt.Errorf("resolve redirect target: %w", err)
		}
		currentURL = next
	}
}

// client builds a resty client for the policy. Auto-redirects are disabled at
// the net/http layer so redirect responses come back with readable bodies and
// the hop loop above stays in charge.
func (e *Executor) client(opts Options) (*resty.Client, error) {
	transport, err := e.transportFor(opts)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetTransport(transport)
	client.GetClient().CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client, nil
}

func (e *Executor) transportFor(opts Options) (http.RoundTripper, error) {
	key := transportKey{version: opts.HTTPVersion, verify: opts.RejectUnauthorized}
	if opts.KeepAlive != nil {
		if *opts.KeepAlive {
			key.keepAlive = "on"
		} else {
			key.keepAlive = "off"
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.transports[key]; ok {
		return cached, nil
	}

	transport, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}
	e.transports[key] = transport
	return transport, nil
}

// buildTransport selects the wire protocol. HTTP/2 needs its own transport; a
// plain-scheme HTTP/2 target is dialed as h2c. HTTP/1.0 has no persistent
// connections, so it forces keep-alive off unless explicitly re-enabled.
func buildTransport(opts Options) (http.RoundTripper, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !opts.RejectUnauthorized,
	}

	switch opts.HTTPVersion {
	case Version2:
		return &h2Transport{
			tls: &http2.Transport{TLSClientConfig: tlsConfig},
			h2c: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		}, nil
	case Version10, Version11, "":
		transport := &http.Transport{
			TLSClientConfig:     tlsConfig,
			ForceAttemptHTTP2:   false,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		if opts.HTTPVersion == Version10 {
			transport.DisableKeepAlives = true
		}
		if opts.KeepAlive != nil {
			transport.DisableKeepAlives = !*opts.KeepAlive
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported http version %q", opts.HTTPVersion)
	}
}

// h2Transport speaks HTTP/2 over TLS for https targets and h2c (cleartext)
// for http targets.
type h2Transport struct {
	tls *http2.Transport
	h2c *http2.Transport
}

func (t *h2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL != nil && req.URL.Scheme == "http" {
		return t.h2c.RoundTrip(req)
	}
	return t.tls.RoundTrip(req)
}

func isRedirect(status int) bool {
	return status >= 300 && status <= 399
}

// resolveLocation resolves a Location header relative to the URL that
// produced it.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	target, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(target).String(), nil
}

// flattenHeaders joins repeated header values with ", " into a flat map.
func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// describeError turns transport failures into the terse strings carried on
// error results.
func describeError(err error, opts Options) string {
	switch {
	case errors.Is(err, ErrRedirectLimit):
		return fmt.Sprintf("redirect limit exceeded (max %d)", opts.MaxRedirects)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("request timed out after %s", opts.Timeout)
	default:
		return err.Error()
	}
}
