package supervisor

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// maxScrollback bounds the per-session output buffer retained for replay.
const maxScrollback = 256 * 1024

// Status of a session as seen by the roster.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Session is one PTY-backed interactive process. Output is buffered into a
// bounded scrollback and fanned out to subscribers as it arrives.
type Session struct {
	ID     string
	TaskID string
	Name   string

	cmd  *exec.Cmd
	ptmx *os.File

	mu          sync.Mutex
	cols        uint16
	rows        uint16
	closed      bool
	status      string
	exitCode    *int
	scrollback  []byte
	subscribers map[*Subscription]struct{}
}

// Subscription is the handle returned by Subscribe; Close deregisters the
// callback. Closing twice is safe.
type Subscription struct {
	sess *Session
	fn   func([]byte)
	once sync.Once
}

// Close removes the subscription's callback from the session.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.sess.mu.Lock()
		delete(s.sess.subscribers, s)
		s.sess.mu.Unlock()
	})
}

func startSession(id string, spec SpawnSpec) (*Session, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          id,
		TaskID:      spec.TaskID,
		Name:        spec.Name,
		cmd:         cmd,
		ptmx:        ptmx,
		cols:        cols,
		rows:        rows,
		status:      StatusRunning,
		subscribers: make(map[*Subscription]struct{}),
	}, nil
}

// readLoop pumps PTY output into the scrollback and out to subscribers.
// Returns when the PTY read side fails, i.e. when the process is gone.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.deliver(data)
		}
		if err != nil {
			return
		}
	}
}

// deliver appends to the scrollback and fans out under one lock hold, so a
// subscriber installed with a snapshot sees history-then-live with no gap.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scrollback = append(s.scrollback, data...)
	if over := len(s.scrollback) - maxScrollback; over > 0 {
		s.scrollback = s.scrollback[over:]
	}
	for sub := range s.subscribers {
		sub.fn(data)
	}
}

// subscribe installs fn and returns the scrollback as of installation.
func (s *Session) subscribe(fn func([]byte)) ([]byte, *Subscription) {
	sub := &Subscription{sess: s, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]byte, len(s.scrollback))
	copy(snapshot, s.scrollback)
	s.subscribers[sub] = struct{}{}
	return snapshot, sub
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	f := s.ptmx
	s.mu.Unlock()

	_, err := f.Write(data)
	return err
}

func (s *Session) resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	s.cols, s.rows = cols, rows
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *Session) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.ptmx.Close()
}

// markExited records the exit code after cmd.Wait returns and releases the
// PTY master unless kill already did.
func (s *Session) markExited(code *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusExited
	s.exitCode = code
	if !s.closed {
		s.closed = true
		s.ptmx.Close()
	}
}

func (s *Session) snapshotScrollback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.scrollback))
	copy(out, s.scrollback)
	return out
}

func (s *Session) columns() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols
}

// currentStatus returns status, exit code and the last non-empty output line.
func (s *Session) currentStatus() (string, *int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.exitCode, lastLine(s.scrollback)
}

func lastLine(buf []byte) string {
	text := strings.TrimRight(string(buf), "\r\n \t")
	if text == "" {
		return ""
	}
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		text = text[i+1:]
	}
	return text
}
