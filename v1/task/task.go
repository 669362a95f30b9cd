// Package task holds the read model shared by the scheduler and the
// submission validator together with the Repository they persist through.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTimeout is used when a project does not configure a task timeout.
const DefaultTimeout = time.Hour

// State is the lifecycle state of a task.
type State string

const (
	// StateOngoing tasks still collect answers.
	StateOngoing State = "ongoing"
	// StateCompleted tasks collected all the answers they required.
	StateCompleted State = "completed"
)

// Project carries the per-project scheduling configuration.
type Project struct {
	ID              string        `json:"id"`
	ShortName       string        `json:"short_name"`
	TaskTimeout     time.Duration `json:"task_timeout"`
	GoldProbability float64       `json:"gold_probability"`
	MaxOffset       int           `json:"max_offset"`
	Randomize       bool          `json:"randomize"`
}

// Timeout returns the slot and stamp TTL of the project.
func (p *Project) Timeout() time.Duration {
	if p == nil || p.TaskTimeout <= 0 {
		return DefaultTimeout
	}
	return p.TaskTimeout
}

// Task is the scheduling view of a unit of work.
type Task struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	State     State           `json:"state"`
	Required  int             `json:"n_answers"`
	Answers   int             `json:"n_task_runs"`
	Priority  float64         `json:"priority_0"`
	Gold      bool            `json:"calibration"`
	Filter    string          `json:"-"`
	Weights   string          `json:"-"`
	ExpiresAt *time.Time      `json:"expiration,omitempty"`
	CreatedAt time.Time       `json:"created"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// Expired reports whether the task expired at now. Tasks without an
// expiration never expire.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Saturated reports whether a non-gold task already collected all the answers
// it requires. Gold tasks are never saturated.
func (t *Task) Saturated() bool {
	return !t.Gold && t.Answers >= t.Required
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		c.ExpiresAt = &exp
	}
	if t.Info != nil {
		c.Info = append(json.RawMessage(nil), t.Info...)
	}
	return &c
}

// TaskRun is one accepted answer.
type TaskRun struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	TaskID    string          `json:"task_id"`
	UserID    string          `json:"user_id"`
	Info      json.RawMessage `json:"info,omitempty"`
	CreatedAt time.Time       `json:"created"`
}

// Profile holds the attributes of a worker matched by filters and weights.
type Profile map[string]any

// Repository is the persistence collaborator. Missing records are reported
// with errors.ErrNotFound and duplicate answers with errors.ErrConflict.
type Repository interface {
	GetProject(ctx context.Context, projectID string) (*Project, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// ListOngoingTasks returns the ongoing tasks of a project.
	ListOngoingTasks(ctx context.Context, projectID string) ([]*Task, error)
	// AnsweredTaskIDs returns the tasks of a project answered by userID.
	AnsweredTaskIDs(ctx context.Context, projectID, userID string) ([]string, error)
	// GetUserProfile returns an empty profile for unknown users.
	GetUserProfile(ctx context.Context, userID string) (Profile, error)
	RecordAnswer(ctx context.Context, run *TaskRun) error
	// IncrementAnswerCount returns the updated count.
	IncrementAnswerCount(ctx context.Context, taskID string) (int, error)
	SetTaskState(ctx context.Context, taskID string, state State) error
}
