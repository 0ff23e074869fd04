package token

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic expiry tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// seqGen returns a generator producing "tok-0", "tok-1", ...
func seqGen(prefix string) func() string {
	n := 0
	return func() string {
		s := fmt.Sprintf("%s-%d", prefix, n)
		n++
		return s
	}
}

func TestAccessAcceptsCurrent(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Minute, clock.now, seqGen("tok"))

	cur, exp := a.Current()
	assert.Equal(t, "tok-0", cur)
	assert.Equal(t, clock.now().Add(time.Hour), exp)

	assert.True(t, a.Accepts("tok-0"))
	assert.False(t, a.Accepts("tok-1"))
	assert.False(t, a.Accepts(""))
}

func TestAccessRejectsExpiredCurrent(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Minute, clock.now, seqGen("tok"))

	clock.advance(time.Hour)
	assert.False(t, a.Accepts("tok-0"))
	assert.True(t, a.Expired())
}

func TestRotatePreservesContinuity(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Minute, clock.now, seqGen("tok"))

	require.True(t, a.Accepts("tok-0"))
	a.Rotate()

	// Old token stays valid through its grace window, new one is live.
	assert.True(t, a.Accepts("tok-0"))
	assert.True(t, a.Accepts("tok-1"))

	clock.advance(time.Minute)
	assert.False(t, a.Accepts("tok-0"))
	assert.True(t, a.Accepts("tok-1"))
}

func TestRotateEvictsOldestPrevious(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Hour, clock.now, seqGen("tok"))

	a.Rotate() // tok-0 -> previous
	a.Rotate() // tok-1 -> previous, tok-0 evicted (cap 1)

	assert.False(t, a.Accepts("tok-0"))
	assert.True(t, a.Accepts("tok-1"))
	assert.True(t, a.Accepts("tok-2"))
}

func TestRotateDoesNotExtendGrace(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Minute, clock.now, seqGen("tok"))

	a.Rotate()
	clock.advance(30 * time.Second)

	// tok-0's grace window is half spent; another 31s must still kill it
	// even though tok-1 was only just demoted.
	a.Rotate()
	clock.advance(31 * time.Second)
	assert.False(t, a.Accepts("tok-0"))
}

func TestPruneIdempotent(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(time.Hour, time.Minute, clock.now, seqGen("tok"))

	a.Rotate()
	clock.advance(2 * time.Minute)

	a.Prune()
	a.Prune()
	a.Prune()
	assert.False(t, a.Accepts("tok-0"))
	assert.True(t, a.Accepts("tok-1"))
}

// Mirrors the rotation-under-load scenario: ttl=100ms, grace=1s.
func TestRotationUnderLoadScenario(t *testing.T) {
	clock := newFakeClock()
	a := NewAccessWithOptions(100*time.Millisecond, time.Second, clock.now, seqGen("tok"))

	require.True(t, a.Accepts("tok-0"))

	clock.advance(150 * time.Millisecond)
	a.Rotate()
	assert.True(t, a.Accepts("tok-0"), "superseded token must survive inside grace")

	clock.advance(1100 * time.Millisecond)
	a.Prune()
	assert.False(t, a.Accepts("tok-0"), "superseded token must die after grace")
}
