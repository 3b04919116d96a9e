// Package identity builds the runner's process-lifetime identity.
//
// The runner id mixes the host name with random bytes so two runners on the
// same host never collide, while staying stable for the life of the process.
// Construction is a pure function of its inputs; the identity value is created
// once in main and handed to components explicitly.
package identity

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Capability names advertised in the hello frame.
const (
	CapabilityHTTP    = "http/s"
	CapabilityBrowser = "browser"
)

// Identity is the immutable runner identity announced to the control plane.
type Identity struct {
	RunnerID     string
	Token        string
	Version      string
	Capabilities []string
}

// New derives an identity from the local host name and a fresh random suffix.
// The token is carried opaquely and never interpreted.
func New(token, version string, capabilities []string) (Identity, error) {
	host, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("resolve hostname: %w", err)
	}
	return NewForHost(host, nil, token, version, capabilities)
}

// NewForHost builds an identity for an explicit host name. A nil entropy
// reader falls back to crypto-grade randomness; tests inject a deterministic
// reader instead.
func NewForHost(host string, entropy io.Reader, token, version string, capabilities []string) (Identity, error) {
	var suffix uuid.UUID
	var err error
	if entropy != nil {
		suffix, err = uuid.NewRandomFromReader(entropy)
	} else {
		suffix, err = uuid.NewRandom()
	}
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity suffix: %w", err)
	}

	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	return Identity{
		RunnerID:     fmt.Sprintf("%s-%s", sanitizeHost(host), strings.ReplaceAll(suffix.String(), "-", "")),
		Token:        token,
		Version:      version,
		Capabilities: caps,
	}, nil
}

// Supports reports whether the runner advertises the given job capability.
func (id Identity) Supports(capability string) bool {
	for _, c := range id.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// sanitizeHost lowers the host name and strips characters that would make the
// runner id awkward in logs or URLs.
func sanitizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "runner"
	}
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "runner"
	}
	return b.String()
}
