// Command remoted runs the taskdeck remote session gateway: it spawns the
// requested agent sessions under the PTY supervisor and serves them to
// remote devices over HTTP and websocket.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/taskdeck/taskdeck/internal/remote"
	"github.com/taskdeck/taskdeck/internal/supervisor"
	"github.com/taskdeck/taskdeck/internal/task"
)

func main() {
	port := pflag.Int("port", envInt("TASKDECK_PORT", 7777), "port to listen on")
	expose := pflag.Bool("expose", false, "bind all interfaces instead of loopback only")
	assets := pflag.String("assets", os.Getenv("TASKDECK_ASSETS"), "directory with the remote client bundle")
	workdir := pflag.String("workdir", ".", "working directory for spawned agents")
	spawns := pflag.StringArray("spawn", nil, "agent to start, as name=command [args...] (repeatable)")
	pflag.Parse()

	tasks := task.NewStore()
	sup := supervisor.New()

	for _, spec := range *spawns {
		name, command, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(command) == "" {
			log.Fatalf("invalid --spawn %q, want name=command [args...]", spec)
		}
		fields := strings.Fields(command)
		t := tasks.Create(name)
		if _, err := sup.Spawn(supervisor.SpawnSpec{
			TaskID:  t.ID,
			Name:    name,
			Command: fields[0],
			Args:    fields[1:],
			Dir:     *workdir,
		}); err != nil {
			log.Fatalf("spawning %q: %v", name, err)
		}
	}

	srv, err := remote.Start(remote.Config{
		Port:            *port,
		Exposed:         *expose,
		AssetRoot:       *assets,
		Supervisor:      supAdapter{sup},
		ResolveTaskName: tasks.Name,
		ResolveSessionStatus: func(sessionID string) (remote.SessionState, bool) {
			st, ok := sup.Status(sessionID)
			if !ok {
				return remote.SessionState{}, false
			}
			return remote.SessionState{
				Status:   st.Status,
				ExitCode: st.ExitCode,
				LastLine: st.LastLine,
			}, true
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	sup.OnEvent(func(ev supervisor.Event) {
		srv.HandleSessionEvent(remote.SessionEvent{
			Kind:      ev.Kind,
			SessionID: ev.SessionID,
			ExitCode:  ev.ExitCode,
		})
	})

	tok, exp := srv.Token()
	loopback, wifi, tailscale := srv.URLs()
	fmt.Printf("taskdeck remote gateway\n")
	fmt.Printf("  url:        %s\n", loopback)
	if wifi != "" {
		fmt.Printf("  wifi url:   %s\n", wifi)
	}
	if tailscale != "" {
		fmt.Printf("  tailscale:  %s\n", tailscale)
	}
	fmt.Printf("  token:      %s (expires %s)\n", tok, exp.Format("15:04:05"))
	fmt.Printf("  refresh:    %s\n", srv.IssueRefreshToken())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	srv.Stop()
	sup.Shutdown()
}

// supAdapter narrows *supervisor.Supervisor to the gateway's interface; the
// subscription handle needs an explicit re-wrap because Go return types are
// invariant.
type supAdapter struct {
	*supervisor.Supervisor
}

func (a supAdapter) Subscribe(sessionID string, fn func([]byte)) ([]byte, remote.OutputSubscription, error) {
	snapshot, sub, err := a.Supervisor.Subscribe(sessionID, fn)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, sub, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
