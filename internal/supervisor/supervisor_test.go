package supervisor

import (
	"bytes"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects supervisor events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) find(kind EventKind, sessionID string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.SessionID == sessionID {
			return ev, true
		}
	}
	return Event{}, false
}

func TestSpawnCapturesOutputAndExit(t *testing.T) {
	sv := New()
	rec := &eventRecorder{}
	sv.OnEvent(rec.record)

	sessionID, err := sv.Spawn(SpawnSpec{
		TaskID:  "T1",
		Name:    "echo",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello-from-pty"},
	})
	require.NoError(t, err)

	_, spawned := rec.find(EventSpawn, sessionID)
	assert.True(t, spawned)

	require.Eventually(t, func() bool {
		_, ok := rec.find(EventExit, sessionID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	ev, _ := rec.find(EventExit, sessionID)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 0, *ev.ExitCode)

	// The exited session stays in the table with its scrollback.
	assert.Contains(t, sv.LiveSessionIDs(), sessionID)
	require.Eventually(t, func() bool {
		sb, ok := sv.Scrollback(sessionID)
		return ok && bytes.Contains(sb, []byte("hello-from-pty"))
	}, time.Second, 20*time.Millisecond)

	st, ok := sv.Status(sessionID)
	require.True(t, ok)
	assert.Equal(t, StatusExited, st.Status)
	assert.Equal(t, "hello-from-pty", st.LastLine)
}

func TestSubscribeHistoryThenLive(t *testing.T) {
	sv := New()
	sessionID, err := sv.Spawn(SpawnSpec{
		TaskID:  "T1",
		Name:    "cat",
		Command: "/bin/cat",
	})
	require.NoError(t, err)
	defer sv.Kill(sessionID)

	require.NoError(t, sv.Write(sessionID, []byte("first\n")))
	require.Eventually(t, func() bool {
		sb, _ := sv.Scrollback(sessionID)
		return bytes.Contains(sb, []byte("first"))
	}, 5*time.Second, 20*time.Millisecond)

	var mu sync.Mutex
	var live []byte
	snapshot, sub, err := sv.Subscribe(sessionID, func(data []byte) {
		mu.Lock()
		live = append(live, data...)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Contains(t, string(snapshot), "first")

	require.NoError(t, sv.Write(sessionID, []byte("second\n")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(live, []byte("second"))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	sv := New()
	sessionID, err := sv.Spawn(SpawnSpec{TaskID: "T1", Name: "cat", Command: "/bin/cat"})
	require.NoError(t, err)
	defer sv.Kill(sessionID)

	delivered := make(chan struct{}, 16)
	_, sub, err := sv.Subscribe(sessionID, func([]byte) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	sub.Close()
	sub.Close() // closing twice is fine

	require.NoError(t, sv.Write(sessionID, []byte("after\n")))
	select {
	case <-delivered:
		t.Fatal("closed subscription must not receive output")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestKillEmitsExit(t *testing.T) {
	sv := New()
	rec := &eventRecorder{}
	sv.OnEvent(rec.record)

	sessionID, err := sv.Spawn(SpawnSpec{TaskID: "T1", Name: "cat", Command: "/bin/cat"})
	require.NoError(t, err)

	require.NoError(t, sv.Kill(sessionID))
	require.Eventually(t, func() bool {
		_, ok := rec.find(EventExit, sessionID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	st, ok := sv.Status(sessionID)
	require.True(t, ok)
	assert.Equal(t, StatusExited, st.Status)
}

func TestUnknownSessionOperations(t *testing.T) {
	sv := New()

	assert.ErrorIs(t, sv.Write("nope", []byte("x")), ErrSessionNotFound)
	assert.ErrorIs(t, sv.Resize("nope", 80, 24), ErrSessionNotFound)
	assert.ErrorIs(t, sv.Kill("nope"), ErrSessionNotFound)

	_, ok := sv.Scrollback("nope")
	assert.False(t, ok)
	_, ok = sv.Meta("nope")
	assert.False(t, ok)
	assert.Zero(t, sv.Columns("nope"))

	_, _, err := sv.Subscribe("nope", func([]byte) {})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReapDropsSessionAndSignalsRoster(t *testing.T) {
	sv := New()
	rec := &eventRecorder{}
	sv.OnEvent(rec.record)

	sessionID, err := sv.Spawn(SpawnSpec{TaskID: "T1", Name: "sh", Command: "/bin/sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := rec.find(EventExit, sessionID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	sv.Reap(sessionID)
	assert.NotContains(t, sv.LiveSessionIDs(), sessionID)
	_, ok := rec.find(EventRosterChanged, sessionID)
	assert.True(t, ok)

	// Reaping an unknown id is a no-op, not a second event.
	sv.Reap(sessionID)
}

func TestNaturalExitReleasesPTYMaster(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("counts descriptors via /proc/self/fd")
	}

	sv := New()
	rec := &eventRecorder{}
	sv.OnEvent(rec.record)

	before := openDescriptors(t)

	var ids []string
	for i := 0; i < 10; i++ {
		sessionID, err := sv.Spawn(SpawnSpec{TaskID: "T1", Name: "true", Command: "/bin/true"})
		require.NoError(t, err)
		ids = append(ids, sessionID)
	}
	for _, sessionID := range ids {
		sessionID := sessionID
		require.Eventually(t, func() bool {
			_, ok := rec.find(EventExit, sessionID)
			return ok
		}, 5*time.Second, 20*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return openDescriptors(t) <= before
	}, 5*time.Second, 50*time.Millisecond,
		"pty masters of exited sessions must be closed")
}

func openDescriptors(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "", lastLine(nil))
	assert.Equal(t, "one", lastLine([]byte("one")))
	assert.Equal(t, "two", lastLine([]byte("one\ntwo\n")))
	assert.Equal(t, "two", lastLine([]byte("one\r\ntwo\r\n")))
	assert.Equal(t, "one", lastLine([]byte("one\n\n  \n")))
}
