// Package submission accepts answers for tasks that were actually offered to
// the submitting worker.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/metrics"
	"github.com/mirkobrombin/go-crowdlock/v1/syncbus"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

// Reason explains a rejected submission.
type Reason string

const (
	// ReasonNone is the reason of accepted submissions.
	ReasonNone Reason = ""
	// ReasonNotRequested rejects answers for tasks that were not offered to
	// the submitter, or whose offer expired.
	ReasonNotRequested Reason = "you must request a task first"
	// ReasonInvalidTask rejects unknown tasks and project mismatches.
	ReasonInvalidTask Reason = "invalid task/project id"
	// ReasonTaskCompleted rejects answers for tasks that already collected
	// all the answers they required.
	ReasonTaskCompleted Reason = "task already completed"
)

// Submission is an answer sent by a worker.
type Submission struct {
	ProjectID string
	TaskID    string
	UserID    string
	Payload   json.RawMessage
}

// Result is the outcome of Accept.
type Result struct {
	Accepted bool
	Reason   Reason
	TaskRun  *task.TaskRun
	// Completed reports whether this answer completed the task.
	Completed bool
}

// Guard is the offer check used by the validator.
type Guard interface {
	CheckTaskStamped(ctx context.Context, taskID, holderID string) (bool, error)
	Invalidate(ctx context.Context, taskID, holderID string) error
}

// Releaser frees the submitter's slot.
type Releaser interface {
	ReleaseSlot(ctx context.Context, resourceID, holderID string) error
}

// Invalidator drops cached scheduling state of a project.
type Invalidator interface {
	InvalidateProject(ctx context.Context, projectID string) error
}

// Validator accepts or rejects submissions.
type Validator struct {
	repo   task.Repository
	guard  Guard
	locks  Releaser
	bus    syncbus.Bus
	local  Invalidator
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Validator.
type Option func(*Validator)

// WithBus publishes a project event after every accepted answer.
func WithBus(bus syncbus.Bus) Option {
	return func(v *Validator) { v.bus = bus }
}

// WithInvalidator drops the cached candidates of inv before Accept returns.
// Use it with the scheduler running in the same process; remote schedulers
// are reached through the bus.
func WithInvalidator(inv Invalidator) Option {
	return func(v *Validator) { v.local = inv }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithClock overrides the clock used for task run timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New returns a Validator.
func New(repo task.Repository, guard Guard, locks Releaser, opts ...Option) *Validator {
	v := &Validator{
		repo:   repo,
		guard:  guard,
		locks:  locks,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func reject(reason Reason) Result {
	metrics.SubmissionCounter.WithLabelValues("rejected").Inc()
	return Result{Reason: reason}
}

// Accept records sub if its task was offered to the submitter. Rejections
// are reported in Result; errors are reserved for store and persistence
// failures, including duplicate answers (errors.ErrConflict).
func (v *Validator) Accept(ctx context.Context, sub Submission) (Result, error) {
	stamped, err := v.guard.CheckTaskStamped(ctx, sub.TaskID, sub.UserID)
	if err != nil {
		return Result{}, err
	}
	if !stamped {
		return reject(ReasonNotRequested), nil
	}
	t, err := v.repo.GetTask(ctx, sub.TaskID)
	if errors.Is(err, crowderrors.ErrNotFound) {
		return reject(ReasonInvalidTask), nil
	}
	if err != nil {
		return Result{}, err
	}
	if t.ProjectID != sub.ProjectID {
		return reject(ReasonInvalidTask), nil
	}
	if !t.Gold && t.State != task.StateOngoing {
		v.release(ctx, t.ID, sub.UserID)
		return reject(ReasonTaskCompleted), nil
	}

	run := &task.TaskRun{
		ID:        v.newID(),
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		UserID:    sub.UserID,
		Info:      sub.Payload,
		CreatedAt: v.now().UTC(),
	}
	if err := v.repo.RecordAnswer(ctx, run); err != nil {
		if errors.Is(err, crowderrors.ErrConflict) {
			metrics.SubmissionCounter.WithLabelValues("duplicate").Inc()
		}
		return Result{}, err
	}
	count, err := v.repo.IncrementAnswerCount(ctx, t.ID)
	if err != nil {
		return Result{}, fmt.Errorf("count answer of task %s: %w", t.ID, err)
	}
	res := Result{Accepted: true, TaskRun: run}
	if !t.Gold && count >= t.Required && t.State == task.StateOngoing {
		if err := v.repo.SetTaskState(ctx, t.ID, task.StateCompleted); err != nil {
			return Result{}, fmt.Errorf("complete task %s: %w", t.ID, err)
		}
		res.Completed = true
		metrics.CompletedTaskCounter.Inc()
	}
	metrics.SubmissionCounter.WithLabelValues("accepted").Inc()

	v.cleanup(ctx, t.ProjectID, t.ID, sub.UserID)
	v.logger.Debug("crowdlock: answer accepted",
		zap.String("task", t.ID),
		zap.String("user", sub.UserID),
		zap.Int("answers", count),
		zap.Bool("completed", res.Completed))
	return res, nil
}

// release frees the slot and drops the offer stamps. Failures are logged:
// the slot and stamps expire on their own.
func (v *Validator) release(ctx context.Context, taskID, userID string) {
	if err := v.locks.ReleaseSlot(ctx, taskID, userID); err != nil {
		v.logger.Warn("crowdlock: release after submission", zap.String("task", taskID), zap.Error(err))
	}
	if err := v.guard.Invalidate(ctx, taskID, userID); err != nil {
		v.logger.Warn("crowdlock: invalidate offer stamps", zap.String("task", taskID), zap.Error(err))
	}
}

// cleanup releases the offer and notifies schedulers that the project
// changed.
func (v *Validator) cleanup(ctx context.Context, projectID, taskID, userID string) {
	v.release(ctx, taskID, userID)
	if v.local != nil {
		if err := v.local.InvalidateProject(ctx, projectID); err != nil {
			v.logger.Warn("crowdlock: drop cached candidates", zap.String("project", projectID), zap.Error(err))
		}
	}
	if v.bus == nil {
		return
	}
	if err := v.bus.Publish(ctx, syncbus.ProjectKey(projectID)); err != nil {
		v.logger.Warn("crowdlock: publish project event", zap.String("project", projectID), zap.Error(err))
	}
}
