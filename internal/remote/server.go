// Package remote is the session gateway: it lets a secondary device attach
// to the host's PTY-backed agent sessions over HTTP plus a persistent
// websocket channel, guarded by a rotating access token and one-time-use
// refresh tokens.
package remote

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskdeck/taskdeck/internal/supervisor"
	"github.com/taskdeck/taskdeck/internal/token"
)

const (
	// DefaultMaxConns bounds concurrent persistent connections.
	DefaultMaxConns = 32

	defaultTickInterval = 5 * time.Second

	// rosterDebounce keeps an exited agent visible briefly before the
	// roster broadcast that drops it.
	rosterDebounce = 750 * time.Millisecond

	maxRefreshBody = 4096

	// bearerProtoPrefix carries the access token inside a websocket
	// subprotocol name, for clients that cannot set headers.
	bearerProtoPrefix = "taskdeck.bearer."
)

// Config wires the gateway to its collaborators at startup.
type Config struct {
	Port      int
	Exposed   bool // bind all interfaces instead of loopback only
	AssetRoot string

	Supervisor           Supervisor
	ResolveTaskName      func(taskID string) string
	ResolveSessionStatus func(sessionID string) (SessionState, bool)

	// Optional pre-built stores so tests can inject clocks and token
	// generators. Nil means production defaults.
	AccessTokens  *token.Access
	RefreshTokens *token.Refresh

	// MaxConns, TickInterval and AuthDeadline override the defaults when
	// non-zero.
	MaxConns     int
	TickInterval time.Duration
	AuthDeadline time.Duration
}

// Server is the running gateway. Construct with Start, tear down with Stop.
type Server struct {
	cfg     Config
	sup     Supervisor
	access  *token.Access
	refresh *token.Refresh
	hub     *hub

	listener  net.Listener
	httpSrv   *http.Server
	serveDone chan struct{}
	tickStop  chan struct{}
	tickDone  chan struct{}
	stopOnce  sync.Once

	maxConns int

	urlLoopback  string
	urlWifi      string
	urlTailscale string

	debounceMu  sync.Mutex
	rosterTimer *time.Timer

	upgrader websocket.Upgrader
}

// Start binds the listener, mints the initial credentials and begins
// serving. The returned server is live; its current token and URLs are
// available immediately.
func Start(cfg Config) (*Server, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("remote: config requires a supervisor")
	}
	if cfg.ResolveTaskName == nil {
		cfg.ResolveTaskName = func(taskID string) string { return taskID }
	}
	if cfg.ResolveSessionStatus == nil {
		cfg.ResolveSessionStatus = func(string) (SessionState, bool) { return SessionState{}, false }
	}

	s := &Server{
		cfg:       cfg,
		sup:       cfg.Supervisor,
		access:    cfg.AccessTokens,
		refresh:   cfg.RefreshTokens,
		hub:       newHub(),
		serveDone: make(chan struct{}),
		tickStop:  make(chan struct{}),
		tickDone:  make(chan struct{}),
		maxConns:  cfg.MaxConns,
	}
	if s.access == nil {
		s.access = token.NewAccess()
	}
	if s.refresh == nil {
		s.refresh = token.NewRefresh()
	}
	if s.maxConns <= 0 {
		s.maxConns = DefaultMaxConns
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Access is token-gated, not origin-gated: the client bundle may
		// be opened from file:// or a LAN origin we cannot predict.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	host := "127.0.0.1"
	if cfg.Exposed {
		host = ""
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("remote: listen: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.urlLoopback, s.urlWifi, s.urlTailscale = connectionURLs(port, cfg.Exposed)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", s.requireBearer(s.handleAgents))
	mux.HandleFunc("GET /api/agents/{id}", s.requireBearer(s.handleAgent))
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("/", s.serveStatic)

	s.httpSrv = &http.Server{Handler: securityHeaders(mux)}
	go func() {
		defer close(s.serveDone)
		s.httpSrv.Serve(ln)
	}()
	go s.tickLoop()

	log.Printf("[remote] gateway listening on %s", s.urlLoopback)
	return s, nil
}

// Stop tears the gateway down: background tick first, then every open
// connection, then the listener. It returns only once the port is free.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.tickStop)
		<-s.tickDone
		s.cancelPendingRoster()
		s.hub.closeAll()
		s.httpSrv.Close()
		<-s.serveDone
		log.Printf("[remote] gateway stopped")
	})
}

// Token returns the current access token and its expiry.
func (s *Server) Token() (string, time.Time) {
	return s.access.Current()
}

// IssueRefreshToken mints a refresh token for out-of-band delivery to a new
// client (e.g. embedded in a pairing QR code).
func (s *Server) IssueRefreshToken() string {
	return s.refresh.Issue()
}

// URLs returns the loopback, LAN and tailscale base URLs. The latter two
// are empty unless the gateway is exposed beyond loopback.
func (s *Server) URLs() (loopback, wifi, tailscale string) {
	return s.urlLoopback, s.urlWifi, s.urlTailscale
}

// ConnCount returns the number of open persistent connections.
func (s *Server) ConnCount() int {
	return s.hub.count()
}

func (s *Server) authDeadline() time.Duration {
	if s.cfg.AuthDeadline > 0 {
		return s.cfg.AuthDeadline
	}
	return authDeadline
}

// HandleSessionEvent feeds a supervisor lifecycle event into the gateway's
// broadcast pipeline. Exits push an immediate status message and debounce
// the roster refresh; everything else refreshes the roster immediately.
func (s *Server) HandleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case supervisor.EventExit:
		s.hub.broadcast(serverMessage{
			Type:      msgStatus,
			SessionID: ev.SessionID,
			Status:    supervisor.StatusExited,
			ExitCode:  ev.ExitCode,
		})
		s.scheduleRosterBroadcast()
	default:
		s.cancelPendingRoster()
		s.hub.broadcast(s.rosterMessage())
	}
}

func (s *Server) scheduleRosterBroadcast() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.rosterTimer != nil {
		s.rosterTimer.Stop()
	}
	s.rosterTimer = time.AfterFunc(rosterDebounce, func() {
		s.hub.broadcast(s.rosterMessage())
	})
}

func (s *Server) cancelPendingRoster() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.rosterTimer != nil {
		s.rosterTimer.Stop()
		s.rosterTimer = nil
	}
}

func (s *Server) tickLoop() {
	defer close(s.tickDone)

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.access.Prune()
			if s.access.Expired() {
				s.rotateAndBroadcast()
			}
		case <-s.tickStop:
			return
		}
	}
}

// rotateAndBroadcast rotates the access token and announces the new one to
// every authenticated connection. The broadcast deliberately carries no
// refresh token: rotation is not a fresh login.
func (s *Server) rotateAndBroadcast() {
	s.access.Rotate()
	tok, exp := s.access.Current()
	log.Printf("[remote] access token rotated")
	s.hub.broadcast(s.tokenMessage(tok, exp))
}

func (s *Server) tokenMessage(tok string, exp time.Time) serverMessage {
	return serverMessage{
		Type:           msgToken,
		Token:          tok,
		TokenExpiresAt: exp.UTC().Format(time.RFC3339),
		URL:            s.urlLoopback,
		WifiURL:        s.urlWifi,
		TailscaleURL:   s.urlTailscale,
	}
}

func (s *Server) rosterMessage() serverMessage {
	return serverMessage{
		Type:   msgAgents,
		Agents: buildRoster(s.sup, s.cfg.ResolveTaskName, s.cfg.ResolveSessionStatus),
	}
}

// onAuthenticated runs once per connection, on entry to the authenticated
// phase: push the roster, then the credential pair. The token message here
// does include a refresh token, unlike rotation broadcasts, so a client
// that connected with only a refresh-derived token can store a new one.
func (s *Server) onAuthenticated(c *conn) {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.enqueue(s.rosterMessage())

	tok, exp := s.access.Current()
	msg := s.tokenMessage(tok, exp)
	msg.RefreshToken = s.refresh.Issue()
	c.enqueue(msg)
}

// handshakeToken extracts the access token from an upgrade request, in
// header, subprotocol, query order. The second return is the subprotocol to
// echo when the token traveled that way.
func handshakeToken(r *http.Request) (tok string, proto string) {
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1], ""
		}
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, bearerProtoPrefix) {
			return strings.TrimPrefix(p, bearerProtoPrefix), p
		}
	}
	return r.URL.Query().Get("token"), ""
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.count() >= s.maxConns {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	tok, proto := handshakeToken(r)
	accepted := s.access.Accepts(tok)

	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	ws, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Printf("[remote] websocket upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws)
	s.hub.add(c)

	if c.state.CompleteHandshake(accepted) == PhaseAuthenticated {
		s.onAuthenticated(c)
	} else {
		c.armAuthDeadline()
	}

	go c.writePump()
	go c.readPump()
}

// requireBearer guards the REST surface with the access token store.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || !s.access.Accepts(parts[1]) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": buildRoster(s.sup, s.cfg.ResolveTaskName, s.cfg.ResolveSessionStatus),
	})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	scrollback, ok := s.sup.Scrollback(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	resp := map[string]any{
		"sessionId":  sessionID,
		"scrollback": base64.StdEncoding.EncodeToString(scrollback),
		"cols":       s.sup.Columns(sessionID),
	}
	if st, ok := s.cfg.ResolveSessionStatus(sessionID); ok {
		resp["status"] = st.Status
		if st.ExitCode != nil {
			resp["exitCode"] = *st.ExitCode
		}
		if st.LastLine != "" {
			resp["lastLine"] = st.LastLine
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh is the re-authentication path: a valid refresh token buys a
// fresh refresh token plus the current access token, rotating first if the
// current one has already expired.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	body := http.MaxBytesReader(w, r.Body, maxRefreshBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	next, ok := s.refresh.Exchange(req.RefreshToken)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if s.access.Expired() {
		s.rotateAndBroadcast()
	}

	tok, exp := s.access.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":          tok,
		"tokenExpiresAt": exp.UTC().Format(time.RFC3339),
		"refreshToken":   next,
		"url":            s.urlLoopback,
		"wifiUrl":        s.urlWifi,
		"tailscaleUrl":   s.urlTailscale,
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
