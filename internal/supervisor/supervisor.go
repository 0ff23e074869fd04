// Package supervisor spawns and tracks PTY-backed agent sessions. It owns the
// process lifecycle, buffers scrollback for replay, and emits spawn/exit/
// roster events consumed by the remote gateway.
package supervisor

import (
	"errors"
	"log"
	"sync"

	"github.com/taskdeck/taskdeck/internal/id"
)

var ErrSessionNotFound = errors.New("session not found")

// EventKind discriminates supervisor events.
type EventKind string

const (
	EventSpawn         EventKind = "spawn"
	EventExit          EventKind = "exit"
	EventRosterChanged EventKind = "roster-changed"
)

// Event describes a session lifecycle change. ExitCode is set only for exit
// events, and only when the process exited normally enough to report one.
type Event struct {
	Kind      EventKind
	SessionID string
	ExitCode  *int
}

// SpawnSpec describes the process to start for a new session.
type SpawnSpec struct {
	TaskID  string
	Name    string
	Command string
	Args    []string
	Dir     string
	Cols    uint16
	Rows    uint16
}

// SessionStatus is the per-session view handed to the roster.
type SessionStatus struct {
	Status   string
	ExitCode *int
	LastLine string
}

// Meta is the session metadata visible outside the supervisor.
type Meta struct {
	TaskID string
}

// Supervisor tracks live and recently exited sessions. Exited sessions stay
// in the table (so the roster can still show them) until Reap or Shutdown.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	hmu      sync.RWMutex
	handlers []func(Event)
}

func New() *Supervisor {
	return &Supervisor{
		sessions: make(map[string]*Session),
	}
}

// OnEvent registers a handler for session lifecycle events. Handlers run on
// supervisor goroutines and must not block.
func (sv *Supervisor) OnEvent(h func(Event)) {
	sv.hmu.Lock()
	sv.handlers = append(sv.handlers, h)
	sv.hmu.Unlock()
}

func (sv *Supervisor) emit(ev Event) {
	sv.hmu.RLock()
	handlers := make([]func(Event), len(sv.handlers))
	copy(handlers, sv.handlers)
	sv.hmu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Spawn starts a session and begins pumping its output. The exit watcher
// records the exit code and emits an exit event when the process terminates.
func (sv *Supervisor) Spawn(spec SpawnSpec) (string, error) {
	sessionID, err := id.New()
	if err != nil {
		return "", err
	}
	sess, err := startSession(sessionID, spec)
	if err != nil {
		return "", err
	}

	sv.mu.Lock()
	sv.sessions[sessionID] = sess
	sv.mu.Unlock()

	go sess.readLoop()
	go sv.watchExit(sess)

	sv.emit(Event{Kind: EventSpawn, SessionID: sessionID})
	return sessionID, nil
}

func (sv *Supervisor) watchExit(sess *Session) {
	err := sess.cmd.Wait()

	var code *int
	if err == nil {
		zero := 0
		code = &zero
	} else if st := sess.cmd.ProcessState; st != nil && st.ExitCode() >= 0 {
		c := st.ExitCode()
		code = &c
	}
	sess.markExited(code)

	log.Printf("[supervisor] session %s exited (task=%s)", sess.ID, sess.TaskID)
	sv.emit(Event{Kind: EventExit, SessionID: sess.ID, ExitCode: code})
}

func (sv *Supervisor) get(sessionID string) (*Session, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	sess, ok := sv.sessions[sessionID]
	return sess, ok
}

// Write sends input bytes to a session's PTY.
func (sv *Supervisor) Write(sessionID string, data []byte) error {
	sess, ok := sv.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.write(data)
}

// Resize changes a session's PTY geometry.
func (sv *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	sess, ok := sv.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.resize(cols, rows)
}

// Kill terminates a session's process. The exit watcher handles the rest.
func (sv *Supervisor) Kill(sessionID string) error {
	sess, ok := sv.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	sess.kill()
	return nil
}

// Scrollback returns a copy of the session's buffered output. The second
// return distinguishes "unknown session" from "known session, empty buffer".
func (sv *Supervisor) Scrollback(sessionID string) ([]byte, bool) {
	sess, ok := sv.get(sessionID)
	if !ok {
		return nil, false
	}
	return sess.snapshotScrollback(), true
}

// Columns returns the session's current column count, or 0 if unknown.
func (sv *Supervisor) Columns(sessionID string) uint16 {
	sess, ok := sv.get(sessionID)
	if !ok {
		return 0
	}
	return sess.columns()
}

// LiveSessionIDs lists every tracked session, running or exited.
func (sv *Supervisor) LiveSessionIDs() []string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	ids := make([]string, 0, len(sv.sessions))
	for sessionID := range sv.sessions {
		ids = append(ids, sessionID)
	}
	return ids
}

// Meta returns session metadata, or false for an unknown id.
func (sv *Supervisor) Meta(sessionID string) (Meta, bool) {
	sess, ok := sv.get(sessionID)
	if !ok {
		return Meta{}, false
	}
	return Meta{TaskID: sess.TaskID}, true
}

// Status reports a session's running/exited state, exit code and last
// output line.
func (sv *Supervisor) Status(sessionID string) (SessionStatus, bool) {
	sess, ok := sv.get(sessionID)
	if !ok {
		return SessionStatus{}, false
	}
	status, code, last := sess.currentStatus()
	return SessionStatus{Status: status, ExitCode: code, LastLine: last}, true
}

// Subscribe installs fn as a live output callback and returns the scrollback
// as of installation. Snapshot and installation happen atomically against
// the session's delivery path, so the caller's view is history-then-live
// with no gap and no duplicated bytes.
func (sv *Supervisor) Subscribe(sessionID string, fn func([]byte)) ([]byte, *Subscription, error) {
	sess, ok := sv.get(sessionID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	snapshot, sub := sess.subscribe(fn)
	return snapshot, sub, nil
}

// Reap drops an exited session from the table and emits a roster change.
func (sv *Supervisor) Reap(sessionID string) {
	sv.mu.Lock()
	_, ok := sv.sessions[sessionID]
	delete(sv.sessions, sessionID)
	sv.mu.Unlock()
	if ok {
		sv.emit(Event{Kind: EventRosterChanged, SessionID: sessionID})
	}
}

// Shutdown kills every session and clears the table.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	sessions := make([]*Session, 0, len(sv.sessions))
	for _, sess := range sv.sessions {
		sessions = append(sessions, sess)
	}
	sv.sessions = make(map[string]*Session)
	sv.mu.Unlock()

	for _, sess := range sessions {
		sess.kill()
	}
}
