package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
)

// MemoryRepository is a Repository kept in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	projects map[string]*Project
	tasks    map[string]*Task
	runs     map[string]*TaskRun
	answered map[string]map[string]struct{}
	profiles map[string]Profile
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: make(map[string]*Project),
		tasks:    make(map[string]*Task),
		runs:     make(map[string]*TaskRun),
		answered: make(map[string]map[string]struct{}),
		profiles: make(map[string]Profile),
	}
}

// PutProject inserts or replaces a project.
func (r *MemoryRepository) PutProject(p *Project) {
	r.mu.Lock()
	cp := *p
	r.projects[p.ID] = &cp
	r.mu.Unlock()
}

// PutTask inserts or replaces a task.
func (r *MemoryRepository) PutTask(t *Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t.Clone()
	r.mu.Unlock()
}

// PutProfile inserts or replaces a user profile.
func (r *MemoryRepository) PutProfile(userID string, p Profile) {
	cp := make(Profile, len(p))
	for k, v := range p {
		cp[k] = v
	}
	r.mu.Lock()
	r.profiles[userID] = cp
	r.mu.Unlock()
}

// Runs returns the recorded answers of a task.
func (r *MemoryRepository) Runs(taskID string) []*TaskRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TaskRun
	for _, run := range r.runs {
		if run.TaskID == taskID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// GetProject implements Repository.
func (r *MemoryRepository) GetProject(ctx context.Context, projectID string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, crowderrors.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// GetTask implements Repository.
func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, crowderrors.ErrNotFound)
	}
	return t.Clone(), nil
}

// ListOngoingTasks implements Repository.
func (r *MemoryRepository) ListOngoingTasks(ctx context.Context, projectID string) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.ProjectID == projectID && t.State == StateOngoing {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AnsweredTaskIDs implements Repository.
func (r *MemoryRepository) AnsweredTaskIDs(ctx context.Context, projectID, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for taskID := range r.answered[userID] {
		if t, ok := r.tasks[taskID]; ok && t.ProjectID == projectID {
			out = append(out, taskID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetUserProfile implements Repository.
func (r *MemoryRepository) GetUserProfile(ctx context.Context, userID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Profile, len(r.profiles[userID]))
	for k, v := range r.profiles[userID] {
		out[k] = v
	}
	return out, nil
}

// RecordAnswer implements Repository.
func (r *MemoryRepository) RecordAnswer(ctx context.Context, run *TaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.answered[run.UserID][run.TaskID]; ok {
		return fmt.Errorf("task run %s/%s: %w", run.TaskID, run.UserID, crowderrors.ErrConflict)
	}
	if r.answered[run.UserID] == nil {
		r.answered[run.UserID] = make(map[string]struct{})
	}
	r.answered[run.UserID][run.TaskID] = struct{}{}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

// IncrementAnswerCount implements Repository.
func (r *MemoryRepository) IncrementAnswerCount(ctx context.Context, taskID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("task %s: %w", taskID, crowderrors.ErrNotFound)
	}
	t.Answers++
	return t.Answers, nil
}

// SetTaskState implements Repository.
func (r *MemoryRepository) SetTaskState(ctx context.Context, taskID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, crowderrors.ErrNotFound)
	}
	t.State = state
	return nil
}
