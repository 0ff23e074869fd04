package remote

import "github.com/taskdeck/taskdeck/internal/supervisor"

// SessionEvent mirrors the supervisor's lifecycle events at the gateway
// boundary.
type SessionEvent struct {
	Kind      supervisor.EventKind
	SessionID string
	ExitCode  *int
}

// OutputSubscription is the handle for a live byte-stream subscription;
// Close deregisters the callback from the supervisor.
type OutputSubscription interface {
	Close()
}

// Supervisor is the narrow view of the PTY process supervisor the gateway
// drives. Write, Resize and Kill may fail for ids that no longer exist; the
// gateway swallows those failures.
type Supervisor interface {
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows uint16) error
	Kill(sessionID string) error
	Scrollback(sessionID string) ([]byte, bool)
	Columns(sessionID string) uint16
	LiveSessionIDs() []string
	Meta(sessionID string) (supervisor.Meta, bool)
	Subscribe(sessionID string, fn func([]byte)) ([]byte, OutputSubscription, error)
}

// SessionState is what the host application reports for one session.
type SessionState struct {
	Status   string
	ExitCode *int
	LastLine string
}

// buildRoster derives the roster from the supervisor's session table.
// Multiple sessions for the same task collapse to one entry, a running
// session always shadowing an exited one. Order is not guaranteed.
func buildRoster(sup Supervisor, name func(taskID string) string, state func(sessionID string) (SessionState, bool)) []Agent {
	byTask := make(map[string]int)
	agents := make([]Agent, 0, 8)

	for _, sessionID := range sup.LiveSessionIDs() {
		meta, ok := sup.Meta(sessionID)
		if !ok {
			continue
		}
		st, ok := state(sessionID)
		if !ok {
			continue
		}
		agent := Agent{
			SessionID: sessionID,
			TaskID:    meta.TaskID,
			Name:      name(meta.TaskID),
			Status:    st.Status,
			ExitCode:  st.ExitCode,
			LastLine:  st.LastLine,
		}

		idx, seen := byTask[meta.TaskID]
		if !seen {
			byTask[meta.TaskID] = len(agents)
			agents = append(agents, agent)
			continue
		}
		// Keep the running session when both a running and an exited one
		// exist for the task.
		if agents[idx].Status != supervisor.StatusRunning && agent.Status == supervisor.StatusRunning {
			agents[idx] = agent
		}
	}
	return agents
}
