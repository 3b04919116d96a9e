package httpexec

import (
	"time"

	"github.com/courierlabs/runner/internal/protocol"
)

// Protocol versions a job may request.
const (
	Version10 = "1.0"
	Version11 = "1.1"
	Version2  = "2"
)

// Options resolves a job's execution policy. Zero value is not usable; build
// through DefaultOptions or FromProto.
type Options struct {
	HTTPVersion        string
	FollowRedirects    bool
	MaxRedirects       int
	KeepAlive          *bool // nil leaves the transport default
	RejectUnauthorized bool
	Timeout            time.Duration
}

// DefaultOptions returns the executor defaults: HTTP/1.1, follow up to 10
// redirects, verify TLS, 30s deadline over the whole hop sequence.
func DefaultOptions() Options {
	return Options{
		HTTPVersion:        Version11,
		FollowRedirects:    true,
		MaxRedirects:       10,
		RejectUnauthorized: true,
		Timeout:            30 * time.Second,
	}
}

// FromProto merges wire options onto the defaults. Absent fields keep their
// default; timeoutMs <= 0 keeps the default deadline.
func FromProto(opts *protocol.ExecOptions, timeoutMs int) Options {
	resolved := DefaultOptions()
	if timeoutMs > 0 {
		resolved.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if opts == nil {
		return resolved
	}
	if opts.HTTPVersion != "" {
		resolved.HTTPVersion = opts.HTTPVersion
	}
	if opts.FollowRedirects != nil {
		resolved.FollowRedirects = *opts.FollowRedirects
	}
	if opts.MaxRedirects != nil {
		resolved.MaxRedirects = *opts.MaxRedirects
	}
	if opts.KeepAlive != nil {
		keep := *opts.KeepAlive
		resolved.KeepAlive = &keep
	}
	if opts.RejectUnauthorized != nil {
		resolved.RejectUnauthorized = *opts.RejectUnauthorized
	}
	return resolved
}
