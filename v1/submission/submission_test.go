package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"pgregory.net/rapid"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	"github.com/mirkobrombin/go-crowdlock/v1/cache"
	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/guard"
	"github.com/mirkobrombin/go-crowdlock/v1/lock"
	"github.com/mirkobrombin/go-crowdlock/v1/scheduler"
	"github.com/mirkobrombin/go-crowdlock/v1/syncbus"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

type env struct {
	v     *Validator
	s     *scheduler.Scheduler
	repo  *task.MemoryRepository
	mr    *miniredis.Miniredis
	locks *lock.Manager
	guard *guard.Guard
	bus   *syncbus.InMemoryBus
}

func newEnv(t *testing.T, opts ...scheduler.Option) *env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	store := adapter.NewRedisLockStore(client)
	e := &env{
		repo:  task.NewMemoryRepository(),
		mr:    mr,
		locks: lock.NewManager(store, lock.WithMaxAttempts(1)),
		guard: guard.New(store),
		bus:   syncbus.NewInMemoryBus(),
	}
	e.s = scheduler.New(e.repo, e.locks, e.guard, opts...)
	t.Cleanup(e.s.Close)
	e.v = New(e.repo, e.guard, e.locks, WithBus(e.bus))
	e.repo.PutProject(&task.Project{ID: "p", TaskTimeout: time.Minute})
	return e
}

func (e *env) addTask(id string, required int, gold bool) {
	e.repo.PutTask(&task.Task{ID: id, ProjectID: "p", State: task.StateOngoing, Required: required, Gold: gold})
}

func (e *env) request(t *testing.T, user string) *task.Task {
	t.Helper()
	offer, err := e.s.NextTask(context.Background(), "p", user, 0, scheduler.Options{})
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	return offer.Task
}

func submit(ctx context.Context, e *env, taskID, user string) (Result, error) {
	return e.v.Accept(ctx, Submission{ProjectID: "p", TaskID: taskID, UserID: user, Payload: json.RawMessage(`{"answer":"yes"}`)})
}

func TestAcceptRejectsWithoutOffer(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	res, err := submit(context.Background(), e, "1", "u")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Accepted || res.Reason != ReasonNotRequested {
		t.Fatalf("expected not requested, got %+v", res)
	}
	if runs := e.repo.Runs("1"); len(runs) != 0 {
		t.Fatalf("nothing must be recorded, got %v", runs)
	}
}

func TestAcceptAfterOffer(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 2, false)
	ctx := context.Background()
	if got := e.request(t, "u"); got == nil || got.ID != "1" {
		t.Fatalf("expected task 1, got %+v", got)
	}
	res, err := submit(ctx, e, "1", "u")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !res.Accepted || res.TaskRun == nil || res.Completed {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.TaskRun.ID == "" || string(res.TaskRun.Info) != `{"answer":"yes"}` {
		t.Fatalf("unexpected task run %+v", res.TaskRun)
	}
	if held, _ := e.locks.HasSlot(ctx, "1", "u"); held {
		t.Fatal("slot must be released after submission")
	}
	if ok, _ := e.guard.CheckTaskStamped(ctx, "1", "u"); ok {
		t.Fatal("offer stamps must be invalidated after submission")
	}
	res, err = submit(ctx, e, "1", "u")
	if err != nil || res.Reason != ReasonNotRequested {
		t.Fatalf("replay must be rejected, got %+v err %v", res, err)
	}
}

func TestAcceptRejectsWrongProject(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	e.request(t, "u")
	res, err := e.v.Accept(context.Background(), Submission{ProjectID: "other", TaskID: "1", UserID: "u"})
	if err != nil || res.Reason != ReasonInvalidTask {
		t.Fatalf("expected invalid task, got %+v err %v", res, err)
	}
}

func TestAcceptRejectsDeletedTask(t *testing.T) {
	e := newEnv(t)
	_ = e.guard.Stamp(context.Background(), "ghost", "u", time.Minute)
	res, err := submit(context.Background(), e, "ghost", "u")
	if err != nil || res.Reason != ReasonInvalidTask {
		t.Fatalf("expected invalid task, got %+v err %v", res, err)
	}
}

func TestDuplicateAnswerIsConflict(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 3, false)
	ctx := context.Background()
	_ = e.repo.RecordAnswer(ctx, &task.TaskRun{ID: "old", ProjectID: "p", TaskID: "1", UserID: "u"})
	_ = e.guard.Stamp(ctx, "1", "u", time.Minute)
	if _, err := submit(ctx, e, "1", "u"); !errors.Is(err, crowderrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got, _ := e.repo.GetTask(ctx, "1"); got.Answers != 0 {
		t.Fatalf("conflicting answer must not be counted, got %d", got.Answers)
	}
}

func TestAcceptStoreDown(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	e.mr.Close()
	if _, err := submit(context.Background(), e, "1", "u"); !errors.Is(err, crowderrors.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestRequiredTwoScenario(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 2, false)
	ctx := context.Background()

	var mu sync.Mutex
	var winners []string
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			offer, err := e.s.NextTask(ctx, "p", user, 0, scheduler.Options{})
			if err != nil {
				t.Errorf("next task: %v", err)
				return
			}
			if offer.Task != nil {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()
	if len(winners) != 2 {
		t.Fatalf("expected two workers to get the task, got %v", winners)
	}

	res, err := submit(ctx, e, "1", winners[0])
	if err != nil || !res.Accepted || res.Completed {
		t.Fatalf("first answer: %+v err %v", res, err)
	}
	res, err = submit(ctx, e, "1", winners[1])
	if err != nil || !res.Accepted || !res.Completed {
		t.Fatalf("second answer should complete the task: %+v err %v", res, err)
	}
	got, _ := e.repo.GetTask(ctx, "1")
	if got.State != task.StateCompleted || got.Answers != 2 {
		t.Fatalf("unexpected task state %+v", got)
	}
}

func TestGoldNeverCompletes(t *testing.T) {
	e := newEnv(t)
	e.addTask("g", 1, true)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		user := fmt.Sprintf("u%d", i)
		_ = e.guard.Stamp(ctx, "g", user, time.Minute)
		res, err := submit(ctx, e, "g", user)
		if err != nil || !res.Accepted || res.Completed {
			t.Fatalf("gold answer %d: %+v err %v", i, res, err)
		}
	}
	got, _ := e.repo.GetTask(ctx, "g")
	if got.State != task.StateOngoing || got.Answers != 4 {
		t.Fatalf("gold task must stay ongoing, got %+v", got)
	}
}

func TestPropertyCompletionAtRequiredCount(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		required := rapid.IntRange(1, 5).Draw(rt, "required")
		answers := rapid.IntRange(1, 8).Draw(rt, "answers")
		gold := rapid.Bool().Draw(rt, "gold")

		repo := task.NewMemoryRepository()
		repo.PutTask(&task.Task{ID: "t", ProjectID: "p", State: task.StateOngoing, Required: required, Gold: gold})
		v := New(repo, allowAll{}, noopReleaser{})
		ctx := context.Background()
		completedAt := 0
		for i := 1; i <= answers; i++ {
			res, err := v.Accept(ctx, Submission{ProjectID: "p", TaskID: "t", UserID: fmt.Sprintf("u%d", i)})
			if err != nil {
				rt.Fatalf("accept %d: %v", i, err)
			}
			if res.Completed {
				if completedAt != 0 {
					rt.Fatalf("task completed twice")
				}
				completedAt = i
			}
		}
		switch {
		case gold && completedAt != 0:
			rt.Fatalf("gold task completed at %d", completedAt)
		case !gold && answers >= required && completedAt != required:
			rt.Fatalf("expected completion at %d, got %d", required, completedAt)
		case !gold && answers < required && completedAt != 0:
			rt.Fatalf("completed early at %d", completedAt)
		}
	})
}

func TestAcceptPublishesProjectEvent(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	ch, err := e.bus.Subscribe(context.Background(), syncbus.ProjectKey("p"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	e.request(t, "u")
	if _, err := submit(context.Background(), e, "1", "u"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected project event")
	}
}

func TestAcceptAfterStampAlone(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	ctx := context.Background()
	if err := e.guard.Stamp(ctx, "1", "u", time.Minute); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	res, err := submit(ctx, e, "1", "u")
	if err != nil || !res.Accepted || !res.Completed {
		t.Fatalf("stamped answer must be accepted, got %+v err %v", res, err)
	}
}

func TestAcceptAfterReofferOutlivesPresentedStamp(t *testing.T) {
	e := newEnv(t)
	e.addTask("1", 1, false)
	ctx := context.Background()
	first := e.request(t, "u")
	e.mr.FastForward(50 * time.Second)
	if again := e.request(t, "u"); again == nil || again.ID != first.ID {
		t.Fatalf("expected the held task again, got %+v", again)
	}
	e.mr.FastForward(20 * time.Second)
	if ok, _ := e.guard.CheckTaskPresentTimestamp(ctx, "1", "u"); ok {
		t.Fatal("presented stamp of the first offer should have expired")
	}
	res, err := submit(ctx, e, "1", "u")
	if err != nil || !res.Accepted {
		t.Fatalf("answer within the refreshed offer must be accepted, got %+v err %v", res, err)
	}
}

func TestAcceptRejectsCompletedTask(t *testing.T) {
	e := newEnv(t)
	e.repo.PutTask(&task.Task{ID: "1", ProjectID: "p", State: task.StateCompleted, Required: 1, Answers: 1})
	ctx := context.Background()
	_ = e.guard.Stamp(ctx, "1", "u", time.Minute)
	_, _ = e.locks.AcquireSlot(ctx, "1", "u", 1, time.Minute)
	res, err := submit(ctx, e, "1", "u")
	if err != nil || res.Accepted || res.Reason != ReasonTaskCompleted {
		t.Fatalf("expected completed rejection, got %+v err %v", res, err)
	}
	if runs := e.repo.Runs("1"); len(runs) != 0 {
		t.Fatalf("nothing must be recorded, got %v", runs)
	}
	if held, _ := e.locks.HasSlot(ctx, "1", "u"); held {
		t.Fatal("slot must be released")
	}
	if ok, _ := e.guard.CheckTaskStamped(ctx, "1", "u"); ok {
		t.Fatal("offer stamp must be dropped")
	}
}

func newCachedEnv(t *testing.T) *env {
	t.Helper()
	c := cache.NewInMemory[[]*task.Task](cache.WithSweepInterval[[]*task.Task](0))
	t.Cleanup(c.Close)
	return newEnv(t, scheduler.WithCandidateCache(c, 5*time.Second))
}

func TestCachedCandidatesNeverExceedRequired(t *testing.T) {
	e := newCachedEnv(t)
	e.addTask("1", 1, false)
	ctx := context.Background()
	e.request(t, "a")
	res, err := submit(ctx, e, "1", "a")
	if err != nil || !res.Completed {
		t.Fatalf("first answer should complete the task: %+v err %v", res, err)
	}
	if got := e.request(t, "b"); got != nil {
		t.Fatalf("completed task re-offered: %+v", got)
	}
	res, err = submit(ctx, e, "1", "b")
	if err != nil || res.Accepted {
		t.Fatalf("answer without an offer must be rejected: %+v err %v", res, err)
	}
	got, _ := e.repo.GetTask(ctx, "1")
	if got.Answers != 1 || got.State != task.StateCompleted {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestAcceptDropsLocalCandidateCache(t *testing.T) {
	e := newCachedEnv(t)
	e.v = New(e.repo, e.guard, e.locks, WithInvalidator(e.s))
	e.addTask("1", 1, false)
	ctx := context.Background()
	e.request(t, "a")
	if _, err := submit(ctx, e, "1", "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	offer, err := e.s.NextTask(ctx, "p", "b", 0, scheduler.Options{})
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if offer.Outcome != scheduler.OutcomeNoEligible {
		t.Fatalf("cache should be dropped before Accept returns, got %+v", offer)
	}
}

type allowAll struct{}

func (allowAll) CheckTaskStamped(context.Context, string, string) (bool, error) {
	return true, nil
}
func (allowAll) Invalidate(context.Context, string, string) error { return nil }

type noopReleaser struct{}

func (noopReleaser) ReleaseSlot(context.Context, string, string) error { return nil }
