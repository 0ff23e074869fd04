package remote

import "sync"

// Phase of a persistent connection's protocol state machine.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseUnauthenticated
	PhaseAuthenticated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// connState is the protocol state machine, kept separate from the transport
// so transitions can be tested without a socket. Authenticated is terminal
// until close; Closed is terminal.
type connState struct {
	mu    sync.Mutex
	phase Phase
}

func newConnState() *connState {
	return &connState{phase: PhaseConnecting}
}

// CompleteHandshake moves Connecting to Authenticated or Unauthenticated
// depending on whether the handshake carried an accepted credential.
func (s *connState) CompleteHandshake(tokenAccepted bool) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseConnecting {
		return s.phase
	}
	if tokenAccepted {
		s.phase = PhaseAuthenticated
	} else {
		s.phase = PhaseUnauthenticated
	}
	return s.phase
}

// OnAuthMessage handles an explicit auth message while Unauthenticated.
// It reports whether the message transitioned the connection to
// Authenticated, and the close code to apply (0 to keep the connection).
// An auth message on an already-authenticated connection is a no-op.
func (s *connState) OnAuthMessage(tokenAccepted bool) (transitioned bool, closeCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseUnauthenticated {
		return false, 0
	}
	if tokenAccepted {
		s.phase = PhaseAuthenticated
		return true, 0
	}
	s.phase = PhaseClosed
	return false, closeUnauthorized
}

// OnNonAuthMessage handles any other message type. While Unauthenticated
// that forces a close with the unauthorized code.
func (s *connState) OnNonAuthMessage() (Phase, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseUnauthenticated {
		s.phase = PhaseClosed
		return s.phase, closeUnauthorized
	}
	return s.phase, 0
}

// OnDeadline fires when the pending-auth timer elapses. Only a connection
// still waiting for its auth message is affected.
func (s *connState) OnDeadline() (Phase, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseUnauthenticated {
		s.phase = PhaseClosed
		return s.phase, closeAuthTimeout
	}
	return s.phase, 0
}

// Close marks the connection closed regardless of phase.
func (s *connState) Close() {
	s.mu.Lock()
	s.phase = PhaseClosed
	s.mu.Unlock()
}

// Phase returns the current phase.
func (s *connState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Authenticated reports whether the connection may receive broadcasts.
func (s *connState) Authenticated() bool {
	return s.Phase() == PhaseAuthenticated
}
