package remote

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// authDeadline is how long an unauthenticated connection may wait for
	// its auth message before being closed.
	authDeadline = 10 * time.Second

	sendBufferSize = 256

	// Input throttling. Generous enough for typing and paste bursts;
	// a flood beyond this gets dropped rather than buffered.
	inputRatePerSec = 1000
	inputBurst      = 64
)

// conn is one persistent client connection: the transport wrapper around a
// websocket plus the per-connection protocol state and subscription table.
type conn struct {
	ws     *websocket.Conn
	server *Server
	state  *connState

	send      chan serverMessage
	done      chan struct{}
	closeOnce sync.Once

	// subs is touched only by the read loop and its deferred cleanup, so
	// it needs no lock.
	subs map[string]*outputGate

	limiter   *rate.Limiter
	authTimer *time.Timer
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		ws:      ws,
		server:  srv,
		state:   newConnState(),
		send:    make(chan serverMessage, sendBufferSize),
		done:    make(chan struct{}),
		subs:    make(map[string]*outputGate),
		limiter: rate.NewLimiter(rate.Limit(inputRatePerSec), inputBurst),
	}
}

// enqueue queues a message for the write loop, dropping it if this client's
// buffer is full so one slow client never blocks anyone else.
func (c *conn) enqueue(msg serverMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

// closeWith sends a close frame with the given code, then tears down.
func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// shutdown closes the transport; safe to call from any goroutine, any
// number of times. The read loop's deferred cleanup does the rest.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Close()
		close(c.done)
		c.ws.Close()
	})
}

// readPump consumes client messages sequentially until the socket dies.
// Its deferred cleanup is the single place connection resources (auth
// timer, subscriptions, hub membership) are released.
func (c *conn) readPump() {
	defer func() {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		for sessionID, gate := range c.subs {
			gate.handle.Close()
			delete(c.subs, sessionID)
		}
		c.server.hub.remove(c)
		c.shutdown()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed messages are dropped, not fatal.
			continue
		}
		c.handleMessage(msg)

		if c.state.Phase() == PhaseClosed {
			return
		}
	}
}

// writePump owns all writes to the socket: queued messages, keepalive pings
// and the final close frame.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Full shutdown, not just the socket: the read loop may be
		// waiting on the send buffer for a scrollback replay.
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// armAuthDeadline starts the pending-auth timer for a connection whose
// handshake carried no valid credential.
func (c *conn) armAuthDeadline() {
	c.authTimer = time.AfterFunc(c.server.authDeadline(), func() {
		if _, code := c.state.OnDeadline(); code != 0 {
			c.closeWith(code, "auth timeout")
		}
	})
}

func (c *conn) handleMessage(msg clientMessage) {
	if msg.Type == msgAuth {
		accepted := c.server.access.Accepts(msg.Token)
		transitioned, code := c.state.OnAuthMessage(accepted)
		if code != 0 {
			c.closeWith(code, "unauthorized")
			return
		}
		if transitioned {
			c.server.onAuthenticated(c)
		}
		return
	}

	phase, code := c.state.OnNonAuthMessage()
	if code != 0 {
		c.closeWith(code, "unauthorized")
		return
	}
	if phase != PhaseAuthenticated {
		return
	}

	switch msg.Type {
	case msgInput:
		if msg.SessionID == "" || !c.limiter.Allow() {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		// The session may have vanished since the client's last roster;
		// that is routine, not an error.
		c.server.sup.Write(msg.SessionID, data)

	case msgResize:
		if msg.SessionID == "" || msg.Cols == 0 || msg.Rows == 0 {
			return
		}
		c.server.sup.Resize(msg.SessionID, msg.Cols, msg.Rows)

	case msgKill:
		if msg.SessionID == "" {
			return
		}
		c.server.sup.Kill(msg.SessionID)

	case msgSubscribe:
		c.subscribe(msg.SessionID)

	case msgUnsubscribe:
		if gate, ok := c.subs[msg.SessionID]; ok {
			gate.handle.Close()
			delete(c.subs, msg.SessionID)
		}

	default:
		// Unrecognized message types are dropped.
	}
}

// subscribe installs a live output callback for a session and replays its
// scrollback first. A second subscribe to the same session is a no-op.
func (c *conn) subscribe(sessionID string) {
	if sessionID == "" {
		return
	}
	if _, ok := c.subs[sessionID]; ok {
		return
	}

	gate := &outputGate{c: c, sessionID: sessionID}
	snapshot, handle, err := c.server.sup.Subscribe(sessionID, gate.deliver)
	if err != nil {
		return
	}
	gate.handle = handle
	c.subs[sessionID] = gate

	// The replay must not be dropped the way ordinary messages may be, or
	// the client sees live output with no history. Wait for buffer space;
	// give up only when the connection dies.
	select {
	case c.send <- serverMessage{
		Type:      msgScrollback,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(snapshot),
		Cols:      c.server.sup.Columns(sessionID),
	}:
	case <-c.done:
		handle.Close()
		delete(c.subs, sessionID)
		return
	}
	gate.release()
}

// outputGate holds live output back until the scrollback replay has been
// queued, so the client always sees history-then-live in order.
type outputGate struct {
	c         *conn
	sessionID string
	handle    OutputSubscription

	mu      sync.Mutex
	open    bool
	pending []serverMessage
}

func (g *outputGate) deliver(data []byte) {
	msg := serverMessage{
		Type:      msgOutput,
		SessionID: g.sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.pending = append(g.pending, msg)
		return
	}
	g.c.enqueue(msg)
}

func (g *outputGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	for _, msg := range g.pending {
		g.c.enqueue(msg)
	}
	g.pending = nil
}
