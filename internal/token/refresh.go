package token

import (
	"sync"
	"time"

	"github.com/taskdeck/taskdeck/internal/id"
)

const (
	// DefaultRefreshTTL is how long an unredeemed refresh token stays valid.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// DefaultRefreshCap bounds stored refresh tokens; the oldest are evicted
	// past the cap regardless of expiry.
	DefaultRefreshCap = 16

	refreshTokenBytes = 32
)

type refreshEntry struct {
	value  string
	expiry time.Time
}

// Refresh holds long-lived, one-time-use refresh tokens. Exchanging a token
// atomically consumes it and issues a replacement; a consumed value can
// never be exchanged again.
type Refresh struct {
	mu      sync.Mutex
	entries []refreshEntry

	ttl   time.Duration
	limit int
	now   func() time.Time
	gen   func() string
}

// NewRefresh creates an empty store with default TTL and capacity.
func NewRefresh() *Refresh {
	return NewRefreshWithOptions(DefaultRefreshTTL, DefaultRefreshCap, time.Now, func() string {
		return id.Token(refreshTokenBytes)
	})
}

// NewRefreshWithOptions is the injectable-seam constructor used by tests.
func NewRefreshWithOptions(ttl time.Duration, limit int, now func() time.Time, gen func() string) *Refresh {
	return &Refresh{
		ttl:   ttl,
		limit: limit,
		now:   now,
		gen:   gen,
	}
}

// Issue mints, stores and returns a new refresh token. Expired entries are
// pruned first, then the oldest entries are evicted until the cap holds.
func (r *Refresh) Issue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issueLocked()
}

func (r *Refresh) issueLocked() string {
	r.pruneLocked()
	for len(r.entries) >= r.limit {
		r.entries = r.entries[1:]
	}
	tok := r.gen()
	r.entries = append(r.entries, refreshEntry{
		value:  tok,
		expiry: r.now().Add(r.ttl),
	})
	return tok
}

// Exchange consumes candidate and returns a replacement token. The removal
// and the issue happen under one lock hold, so two concurrent exchanges of
// the same value cannot both succeed and a consumed token cannot resurrect.
// Expired entries never match even before they are pruned.
func (r *Refresh) Exchange(candidate string) (string, bool) {
	if candidate == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i, e := range r.entries {
		if !now.Before(e.expiry) {
			continue
		}
		if constantTimeEq(candidate, e.value) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return r.issueLocked(), true
		}
	}
	return "", false
}

// Count returns the number of stored, non-expired tokens.
func (r *Refresh) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, e := range r.entries {
		if now.Before(e.expiry) {
			n++
		}
	}
	return n
}

func (r *Refresh) pruneLocked() {
	now := r.now()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if now.Before(e.expiry) {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}
