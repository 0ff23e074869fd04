// Package token holds the gateway's credential stores: a single rotating
// short-lived access token with a grace window for the superseded value, and
// a bounded set of one-time-use refresh tokens.
package token

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/taskdeck/taskdeck/internal/id"
)

const (
	// DefaultAccessTTL is how long a freshly minted access token is valid.
	DefaultAccessTTL = time.Hour

	// DefaultGrace is how long a superseded access token keeps being
	// accepted after a rotation, so in-flight clients can re-auth.
	DefaultGrace = 60 * time.Second

	// previousCap bounds how many superseded tokens are retained.
	previousCap = 1

	accessTokenBytes = 32
)

type previousToken struct {
	value       string
	graceExpiry time.Time
}

// Access owns the current short-lived access token plus recently superseded
// ones inside their grace window. All methods are safe for concurrent use.
type Access struct {
	mu       sync.Mutex
	current  string
	expiry   time.Time
	previous []previousToken

	ttl   time.Duration
	grace time.Duration
	now   func() time.Time
	gen   func() string
}

// NewAccess mints the initial access token with the default TTL and grace.
func NewAccess() *Access {
	return NewAccessWithOptions(DefaultAccessTTL, DefaultGrace, time.Now, func() string {
		return id.Token(accessTokenBytes)
	})
}

// NewAccessWithOptions is the injectable-seam constructor used by tests and
// by callers that need non-default lifetimes.
func NewAccessWithOptions(ttl, grace time.Duration, now func() time.Time, gen func() string) *Access {
	a := &Access{
		ttl:   ttl,
		grace: grace,
		now:   now,
		gen:   gen,
	}
	a.current = gen()
	a.expiry = now().Add(ttl)
	return a
}

// Accepts reports whether candidate matches the current token or a
// superseded token still inside its grace window. The comparison is
// constant-time in the candidate's content; an empty candidate is rejected
// outright so a zero-length secret can never be matched.
func (a *Access) Accepts(candidate string) bool {
	if candidate == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Before(a.expiry) && constantTimeEq(candidate, a.current) {
		return true
	}
	for _, prev := range a.previous {
		if now.Before(prev.graceExpiry) && constantTimeEq(candidate, prev.value) {
			return true
		}
	}
	return false
}

// Rotate demotes the current token into the grace set and mints a new one.
// The demoted token gets a fresh grace expiry; tokens already in the grace
// set keep theirs and are evicted oldest-first past the cap.
func (a *Access) Rotate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.previous = append(a.previous, previousToken{
		value:       a.current,
		graceExpiry: now.Add(a.grace),
	})
	if len(a.previous) > previousCap {
		a.previous = a.previous[len(a.previous)-previousCap:]
	}
	a.current = a.gen()
	a.expiry = now.Add(a.ttl)
}

// Prune drops superseded tokens whose grace window has passed. Idempotent;
// called on every background tick.
func (a *Access) Prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	kept := a.previous[:0]
	for _, prev := range a.previous {
		if now.Before(prev.graceExpiry) {
			kept = append(kept, prev)
		}
	}
	a.previous = kept
}

// Current returns the current token and its expiry.
func (a *Access) Current() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.expiry
}

// Expired reports whether the current token is past its TTL.
func (a *Access) Expired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.now().Before(a.expiry)
}

func constantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
