package remote

// Wire protocol for the persistent channel. Everything is a JSON text frame;
// PTY byte payloads travel base64-encoded in the data field so any number of
// session streams can share one socket.

// Client -> server message types.
const (
	msgAuth        = "auth"
	msgInput       = "input"
	msgResize      = "resize"
	msgKill        = "kill"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
)

// Server -> client message types.
const (
	msgAgents     = "agents"
	msgStatus     = "status"
	msgToken      = "token"
	msgScrollback = "scrollback"
	msgOutput     = "output"
)

// Close codes for connections that never reach the authenticated state.
const (
	closeUnauthorized = 4401
	closeAuthTimeout  = 4408
)

type clientMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

type serverMessage struct {
	Type           string  `json:"type"`
	Agents         []Agent `json:"agents,omitempty"`
	SessionID      string  `json:"sessionId,omitempty"`
	Status         string  `json:"status,omitempty"`
	ExitCode       *int    `json:"exitCode,omitempty"`
	Token          string  `json:"token,omitempty"`
	TokenExpiresAt string  `json:"tokenExpiresAt,omitempty"`
	RefreshToken   string  `json:"refreshToken,omitempty"`
	URL            string  `json:"url,omitempty"`
	WifiURL        string  `json:"wifiUrl,omitempty"`
	TailscaleURL   string  `json:"tailscaleUrl,omitempty"`
	Data           string  `json:"data,omitempty"`
	Cols           uint16  `json:"cols,omitempty"`
}

// Agent is one roster entry: the externally visible view of a session.
type Agent struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	LastLine  string `json:"lastLine,omitempty"`
}
