package task

import (
	"sync"
	"time"

	"github.com/placescout/backend/internal/domain"
)

// Registry holds every known task, protected by a mutex. Writers go through
// the Set* methods, which only allow queued -> running -> completed|failed.
// Readers get deep copies so they never race with the runner.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*domain.Task),
		now:   time.Now,
	}
}

// AddIfBelow inserts t unless ceiling tasks are already queued or running.
// The check and the insert happen under one lock.
func (r *Registry) AddIfBelow(t *domain.Task, ceiling int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLocked() >= ceiling {
		return ErrCapacity
	}
	r.tasks[t.ID] = t
	return nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (*domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// SetRunning moves a queued task to running. It returns false if the task
// is gone or not queued.
func (r *Registry) SetRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != domain.TaskStatusQueued {
		return false
	}
	now := r.now()
	t.Status = domain.TaskStatusRunning
	t.StartedAt = &now
	return true
}

// SetProgress raises the progress of a running task. Lower values are
// ignored so progress never goes backwards.
func (r *Registry) SetProgress(id string, pct int) {
	pct = max(0, min(100, pct))
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && t.Status == domain.TaskStatusRunning && pct > t.Progress {
		t.Progress = pct
	}
}

// SetCompleted records the outcome of a running task. It returns false if
// the task was deleted or is not running.
func (r *Registry) SetCompleted(id string, o domain.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != domain.TaskStatusRunning {
		return false
	}
	now := r.now()
	t.Status = domain.TaskStatusCompleted
	t.Progress = 100
	t.Results = o.Results
	t.TotalFound = o.TotalFound
	t.SuccessfulExtracts = o.SuccessfulExtracts
	t.FromCache = o.FromCache
	t.Deduplicated = o.Deduplicated
	t.OriginalCount = o.OriginalCount
	t.DeduplicatedCount = len(o.Results)
	t.RemovedDuplicates = o.RemovedDuplicates
	t.OutputFile = o.OutputFile
	t.CompletedAt = &now
	return true
}

// SetFailed marks a running task as failed.
func (r *Registry) SetFailed(id, message, field string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != domain.TaskStatusRunning {
		return false
	}
	now := r.now()
	t.Status = domain.TaskStatusFailed
	t.Error = message
	t.ErrorField = field
	t.CompletedAt = &now
	return true
}

// Delete removes a task and returns its last state.
func (r *Registry) Delete(id string) (*domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	delete(r.tasks, id)
	return t, true
}

// ExpireBefore removes tasks created before cutoff and returns them.
func (r *Registry) ExpireBefore(cutoff time.Time) []*domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*domain.Task
	for id, t := range r.tasks {
		if t.CreatedAt.Before(cutoff) {
			delete(r.tasks, id)
			expired = append(expired, t)
		}
	}
	return expired
}

// Active returns the number of queued or running tasks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[domain.TaskStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[domain.TaskStatus]int{
		domain.TaskStatusQueued:    0,
		domain.TaskStatusRunning:   0,
		domain.TaskStatusCompleted: 0,
		domain.TaskStatusFailed:    0,
	}
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}
