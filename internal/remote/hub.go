package remote

import "sync"

// hub is the registry of persistent connections and the broadcast fan-out.
// Only connections in the authenticated phase receive broadcasts; a failed
// or slow recipient never affects the others.
type hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*conn]struct{})}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// broadcast enqueues msg to every authenticated connection. Delivery is
// best-effort per recipient: a full send buffer drops the message for that
// one connection only.
func (h *hub) broadcast(msg serverMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.state.Authenticated() {
			continue
		}
		c.enqueue(msg)
	}
}

// closeAll closes every registered connection and clears the registry.
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
