package task

import (
	"context"
	"errors"
	"testing"
	"time"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
)

func TestTaskExpiredAndSaturated(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	tk := &Task{Required: 2, Answers: 2}
	if tk.Expired(now) {
		t.Fatal("task without expiration must never expire")
	}
	tk.ExpiresAt = &past
	if !tk.Expired(now) {
		t.Fatal("expected expired task")
	}
	if !tk.Saturated() {
		t.Fatal("expected saturated task")
	}
	tk.Gold = true
	if tk.Saturated() {
		t.Fatal("gold tasks are never saturated")
	}
}

func TestProjectTimeoutDefault(t *testing.T) {
	var p *Project
	if p.Timeout() != DefaultTimeout {
		t.Fatalf("nil project should use default timeout")
	}
	p = &Project{TaskTimeout: 30 * time.Second}
	if p.Timeout() != 30*time.Second {
		t.Fatalf("unexpected timeout %v", p.Timeout())
	}
}

func TestMemoryRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	r.PutProject(&Project{ID: "p"})
	r.PutTask(&Task{ID: "1", ProjectID: "p", State: StateOngoing, Required: 1})
	r.PutTask(&Task{ID: "2", ProjectID: "p", State: StateCompleted, Required: 1})
	r.PutTask(&Task{ID: "3", ProjectID: "q", State: StateOngoing, Required: 1})

	if _, err := r.GetProject(ctx, "missing"); !errors.Is(err, crowderrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	tasks, err := r.ListOngoingTasks(ctx, "p")
	if err != nil || len(tasks) != 1 || tasks[0].ID != "1" {
		t.Fatalf("unexpected ongoing tasks %v err %v", tasks, err)
	}
	tasks[0].Answers = 99
	if got, _ := r.GetTask(ctx, "1"); got.Answers != 0 {
		t.Fatal("returned tasks must be copies")
	}

	run := &TaskRun{ID: "r1", ProjectID: "p", TaskID: "1", UserID: "u"}
	if err := r.RecordAnswer(ctx, run); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.RecordAnswer(ctx, &TaskRun{ID: "r2", ProjectID: "p", TaskID: "1", UserID: "u"}); !errors.Is(err, crowderrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	ids, _ := r.AnsweredTaskIDs(ctx, "p", "u")
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("unexpected answered ids %v", ids)
	}
	if n, err := r.IncrementAnswerCount(ctx, "1"); err != nil || n != 1 {
		t.Fatalf("increment: n %d err %v", n, err)
	}
	if err := r.SetTaskState(ctx, "1", StateCompleted); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if tasks, _ := r.ListOngoingTasks(ctx, "p"); len(tasks) != 0 {
		t.Fatalf("completed task still listed: %v", tasks)
	}
	if p, _ := r.GetUserProfile(ctx, "nobody"); p == nil || len(p) != 0 {
		t.Fatalf("expected empty profile, got %v", p)
	}
}
