// Package task is the host-side task model: a named unit of work that owns
// zero or more agent sessions. The remote gateway resolves task names
// through this store when building the roster.
package task

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Task is a unit of work agents run under.
type Task struct {
	ID         string
	Name       string
	BranchName string
	Status     string
}

// Store holds tasks in memory for the lifetime of the process.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewStore() *Store {
	return &Store{tasks: make(map[string]Task)}
}

// Create registers a new active task and derives its branch name from the
// display name.
func (s *Store) Create(name string) Task {
	t := Task{
		ID:         uuid.New().String(),
		Name:       name,
		BranchName: "task/" + Slug(name),
		Status:     StatusActive,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t
}

func (s *Store) Get(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Name returns the task's display name, or the raw id when unknown so the
// roster always has something to show.
func (s *Store) Name(taskID string) string {
	if t, ok := s.Get(taskID); ok {
		return t.Name
	}
	return taskID
}

func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Close marks a task closed. Sessions under it are the supervisor's problem.
func (s *Store) Close(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusClosed
	s.tasks[taskID] = t
	return nil
}

// Slug lowercases a name and collapses non-alphanumerics to single dashes.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return out
}
