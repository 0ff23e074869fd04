package remote

import (
	"sync"

	"github.com/taskdeck/taskdeck/internal/supervisor"
)

// fakeSupervisor is an in-memory Supervisor for gateway tests: sessions are
// declared up front and output is pushed by hand.
type fakeSupervisor struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	writes   map[string][][]byte
	killed   []string
}

type fakeSession struct {
	taskID     string
	scrollback []byte
	cols       uint16
	state      SessionState
	subs       map[*fakeHandle]func([]byte)
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		sessions: make(map[string]*fakeSession),
		writes:   make(map[string][][]byte),
	}
}

func (f *fakeSupervisor) addSession(sessionID, taskID, status string, scrollback []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = &fakeSession{
		taskID:     taskID,
		scrollback: scrollback,
		cols:       80,
		state:      SessionState{Status: status},
		subs:       make(map[*fakeHandle]func([]byte)),
	}
}

// push delivers live output to every subscriber of the session.
func (f *fakeSupervisor) push(sessionID string, data []byte) {
	f.mu.Lock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	sess.scrollback = append(sess.scrollback, data...)
	fns := make([]func([]byte), 0, len(sess.subs))
	for _, fn := range sess.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeSupervisor) subscriberCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		return len(sess.subs)
	}
	return 0
}

func (f *fakeSupervisor) Write(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return supervisor.ErrSessionNotFound
	}
	f.writes[sessionID] = append(f.writes[sessionID], data)
	return nil
}

func (f *fakeSupervisor) Resize(sessionID string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return supervisor.ErrSessionNotFound
	}
	sess.cols = cols
	return nil
}

func (f *fakeSupervisor) Kill(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return supervisor.ErrSessionNotFound
	}
	f.killed = append(f.killed, sessionID)
	return nil
}

func (f *fakeSupervisor) Scrollback(sessionID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(sess.scrollback))
	copy(out, sess.scrollback)
	return out, true
}

func (f *fakeSupervisor) Columns(sessionID string) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		return sess.cols
	}
	return 0
}

func (f *fakeSupervisor) LiveSessionIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeSupervisor) Meta(sessionID string) (supervisor.Meta, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return supervisor.Meta{}, false
	}
	return supervisor.Meta{TaskID: sess.taskID}, true
}

func (f *fakeSupervisor) Subscribe(sessionID string, fn func([]byte)) ([]byte, OutputSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil, supervisor.ErrSessionNotFound
	}
	h := &fakeHandle{sv: f, sessionID: sessionID}
	sess.subs[h] = fn
	snapshot := make([]byte, len(sess.scrollback))
	copy(snapshot, sess.scrollback)
	return snapshot, h, nil
}

func (f *fakeSupervisor) resolveState(sessionID string) (SessionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return SessionState{}, false
	}
	return sess.state, true
}

type fakeHandle struct {
	sv        *fakeSupervisor
	sessionID string
	once      sync.Once
}

func (h *fakeHandle) Close() {
	h.once.Do(func() {
		h.sv.mu.Lock()
		defer h.sv.mu.Unlock()
		if sess, ok := h.sv.sessions[h.sessionID]; ok {
			delete(sess.subs, h)
		}
	})
}
