package tasks_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
	"github.com/basket/clawtasks/internal/shared"
	"github.com/basket/clawtasks/internal/tasks"
)

func TestScriptTaskVerifiesThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.runner.result = &sandbox.Result{Stdout: "hi"}
	ctx := context.Background()

	sub := h.bus.Subscribe(bus.TopicTaskCreated)
	defer h.bus.Unsubscribe(sub)

	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "print('hi')"})
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending after create, got %s", task.Status)
	}
	if task.Runtime != sandbox.RuntimePython {
		t.Fatalf("expected default runtime python, got %q", task.Runtime)
	}
	reqs := h.runner.requests()
	if len(reqs) != 1 || reqs[0].TaskID != "" || reqs[0].Timeout != tasks.VerificationTimeout {
		t.Fatalf("expected one untracked verification run with the fixed timeout, got %+v", reqs)
	}

	select {
	case ev := <-sub.Ch():
		created := ev.Payload.(bus.TaskCreatedEvent)
		if created.TaskID != task.ID || created.Scheduled {
			t.Fatalf("unexpected created event %+v", created)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.created event")
	}

	updated, err := h.svc.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if updated.Status != persistence.TaskStatusCompleted || updated.ExecutionCount != 1 {
		t.Fatalf("expected completed with count 1, got %s count %d", updated.Status, updated.ExecutionCount)
	}
	hist, err := h.svc.History(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != persistence.HistorySuccess || hist[0].Output != "hi" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestScriptTaskMergesParamsOverHostSnapshot(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, tasks.CreateRequest{
		Type:             "script",
		Content:          "def run(params):\n    return params\n",
		Params:           map[string]any{"hostname": "override", "n": 3},
		SkipVerification: true,
		TimeoutMS:        1500,
	})
	if _, err := h.svc.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	reqs := h.runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected only the execution run, got %d requests", len(reqs))
	}
	req := reqs[0]
	if req.TaskID != task.ID || req.Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Params["platform"] != "test" || req.Params["hostname"] != "override" || req.Params["n"] != float64(3) {
		t.Fatalf("params not merged over snapshot: %#v", req.Params)
	}
}

func TestDenylistedScriptIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateTask(context.Background(), tasks.CreateRequest{
		Type:    "script",
		Content: "import os\nos.system('rm -rf /')",
	})
	var rej *tasks.SecurityRejection
	if !errors.As(err, &rej) || rej.Stage != "validation" {
		t.Fatalf("expected validation SecurityRejection, got %v", err)
	}
	if len(h.runner.requests()) != 0 {
		t.Fatal("rejected script must not reach the runner")
	}
	list, err := h.svc.ListTasks(context.Background(), persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no rows persisted, got %d", len(list))
	}
}

func TestFailedVerificationIsRejected(t *testing.T) {
	h := newHarness(t)
	h.runner.err = &sandbox.ScriptError{Message: "ZeroDivisionError"}
	_, err := h.svc.CreateTask(context.Background(), tasks.CreateRequest{Type: "script", Content: "1/0"})
	var rej *tasks.SecurityRejection
	if !errors.As(err, &rej) || rej.Stage != "verification" {
		t.Fatalf("expected verification SecurityRejection, got %v", err)
	}
	list, _ := h.svc.ListTasks(context.Background(), persistence.TaskFilter{})
	if len(list) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(list))
	}
}

func TestVerificationCanBeDisabled(t *testing.T) {
	h := newHarness(t, func(c *tasks.Config) { c.DisableVerification = true })
	h.create(t, tasks.CreateRequest{Type: "script", Content: "print(1)"})
	if n := len(h.runner.requests()); n != 0 {
		t.Fatalf("expected no verification run, got %d", n)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name  string
		req   tasks.CreateRequest
		field string
	}{
		{"unknown type", tasks.CreateRequest{Type: "cron", Content: "x"}, "type"},
		{"empty content", tasks.CreateRequest{Type: "reminder", Content: "  "}, "content"},
		{"negative timeout", tasks.CreateRequest{Type: "reminder", Content: "x", TimeoutMS: -1}, "timeout_ms"},
		{"negative retries", tasks.CreateRequest{Type: "reminder", Content: "x", RetryLimit: -1}, "retry_limit"},
		{"bad max executions", tasks.CreateRequest{Type: "reminder", Content: "x", MaxExecutions: intPtr(-2)}, "max_executions"},
		{"bad schedule", tasks.CreateRequest{Type: "reminder", Content: "x", Schedule: "every tuesday"}, "schedule"},
		{"reserved tag", tasks.CreateRequest{Type: "reminder", Content: "x", Tags: []string{"system:mine"}}, "tags"},
		{"unknown runtime", tasks.CreateRequest{Type: "script", Content: "x", Runtime: "ruby"}, "runtime"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateTask(context.Background(), tc.req)
			var verr *tasks.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
	list, _ := h.svc.ListTasks(context.Background(), persistence.TaskFilter{})
	if len(list) != 0 {
		t.Fatalf("invalid requests must not persist rows, got %d", len(list))
	}
}

func TestScheduledTaskCompletesAfterMaxExecutions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, tasks.CreateRequest{
		Type:          "reminder",
		Content:       "stretch",
		Schedule:      "*/5 * * * *",
		MaxExecutions: intPtr(3),
	})
	if task.NextRun == nil {
		t.Fatal("scheduled task should have next_run")
	}

	prev := *task.NextRun
	for i := 1; i <= 3; i++ {
		h.clock.Set(time.UnixMilli(prev).UTC())
		due, err := h.svc.GetDueTasks(ctx)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 1 || due[0].ID != task.ID {
			t.Fatalf("run %d: expected task due, got %d tasks", i, len(due))
		}
		updated, err := h.svc.ExecuteTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("run %d: execute: %v", i, err)
		}
		if updated.ExecutionCount != i {
			t.Fatalf("run %d: execution_count=%d", i, updated.ExecutionCount)
		}
		if i < 3 {
			if updated.Status != persistence.TaskStatusPending || updated.NextRun == nil {
				t.Fatalf("run %d: expected pending with next_run, got %s %v", i, updated.Status, updated.NextRun)
			}
			if *updated.NextRun <= prev {
				t.Fatalf("run %d: next_run did not advance (%d <= %d)", i, *updated.NextRun, prev)
			}
			if *updated.NextRun-prev != (5 * time.Minute).Milliseconds() {
				t.Fatalf("run %d: expected 5 minute step, got %dms", i, *updated.NextRun-prev)
			}
			prev = *updated.NextRun
		}
	}

	final := h.get(t, task.ID)
	if final.Status != persistence.TaskStatusCompleted || final.NextRun != nil {
		t.Fatalf("expected completed with next_run cleared, got %s %v", final.Status, final.NextRun)
	}
	h.clock.Advance(time.Hour)
	due, _ := h.svc.GetDueTasks(ctx)
	if len(due) != 0 {
		t.Fatalf("exhausted task must not be due, got %d", len(due))
	}
}

func TestUnlimitedScheduleNeverCompletesByCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, tasks.CreateRequest{Type: "prompt", Content: "summarise inbox", Schedule: "0 * * * *"})
	for i := 0; i < 5; i++ {
		cur := h.get(t, task.ID)
		h.clock.Set(time.UnixMilli(*cur.NextRun).UTC())
		updated, err := h.svc.ExecuteTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if updated.Status != persistence.TaskStatusPending {
			t.Fatalf("run %d: unlimited schedule reached %s", i, updated.Status)
		}
	}
}

func TestOneShotRetryBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.err = &sandbox.ScriptError{Message: "boom"}
	task := h.create(t, tasks.CreateRequest{
		Type:             "script",
		Content:          "def run(params):\n    raise ValueError('boom')\n",
		RetryLimit:       2,
		SkipVerification: true,
	})

	for attempt := 1; attempt <= 2; attempt++ {
		failedAt := h.clock.Now()
		updated, err := h.svc.ExecuteTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("attempt %d: execute returned %v", attempt, err)
		}
		if updated.Status != persistence.TaskStatusPending || updated.NextRun == nil {
			t.Fatalf("attempt %d: expected pending retry, got %s %v", attempt, updated.Status, updated.NextRun)
		}
		want := failedAt.Add(time.Duration(attempt) * tasks.RetryBackoffStep).UnixMilli()
		if *updated.NextRun != want {
			t.Fatalf("attempt %d: next_run=%d want %d", attempt, *updated.NextRun, want)
		}

		due, _ := h.svc.GetDueTasks(ctx)
		if len(due) != 0 {
			t.Fatalf("attempt %d: task due before backoff elapsed", attempt)
		}
		h.clock.Set(time.UnixMilli(*updated.NextRun).UTC())
		due, _ = h.svc.GetDueTasks(ctx)
		if len(due) != 1 {
			t.Fatalf("attempt %d: task not due after backoff", attempt)
		}
	}

	final, err := h.svc.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if final.Status != persistence.TaskStatusFailed || final.ExecutionCount != 3 {
		t.Fatalf("expected terminal failed after 3 attempts, got %s count %d", final.Status, final.ExecutionCount)
	}
	hist, _ := h.svc.History(ctx, task.ID, 10)
	if len(hist) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(hist))
	}
	for _, e := range hist {
		if e.Status != persistence.HistoryFailed || !strings.Contains(e.Output, "boom") {
			t.Fatalf("unexpected history entry %+v", e)
		}
	}
}

func TestStopTaskMidExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.hold = true
	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "while True: pass", SkipVerification: true})

	done := make(chan *persistence.Task, 1)
	go func() {
		updated, err := h.svc.ExecuteTask(ctx, task.ID)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- updated
	}()
	select {
	case <-h.runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not start")
	}

	if _, err := h.svc.StopTask(ctx, task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	var finished *persistence.Task
	select {
	case finished = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after stop")
	}
	if finished == nil || finished.Status != persistence.TaskStatusPaused {
		t.Fatalf("expected paused after stop, got %+v", finished)
	}

	hist, _ := h.svc.History(ctx, task.ID, 10)
	var forced, terminated bool
	for _, e := range hist {
		if e.Status != persistence.HistoryFailed {
			t.Fatalf("unexpected successful entry %+v", e)
		}
		if e.Output == "stopped by user" {
			forced = true
		}
		if strings.Contains(e.Output, "terminated") {
			terminated = true
		}
	}
	if !forced || !terminated {
		t.Fatalf("expected forced stop entry and terminated execution, got %+v", hist)
	}
	if got := h.get(t, task.ID).Status; got != persistence.TaskStatusPaused {
		t.Fatalf("expected stored status paused, got %s", got)
	}
	if _, err := h.svc.ExecuteTask(ctx, task.ID); !errors.Is(err, tasks.ErrAlreadyRunningOrPaused) {
		t.Fatalf("paused task must not be claimable, got %v", err)
	}
}

func TestConcurrentExecuteOnlyOneClaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.hold = true
	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "print(1)", SkipVerification: true})

	const callers = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		conflicts = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.svc.ExecuteTask(ctx, task.ID); err != nil {
				conflicts <- err
			}
		}()
	}
	close(start)

	select {
	case <-h.runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no caller claimed the task")
	}
	for i := 0; i < callers-1; i++ {
		select {
		case err := <-conflicts:
			if !errors.Is(err, tasks.ErrAlreadyRunningOrPaused) {
				t.Fatalf("expected ErrAlreadyRunningOrPaused, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d callers failed fast", i)
		}
	}
	h.runner.Terminate(task.ID)
	wg.Wait()
	if n := len(h.runner.requests()); n != 1 {
		t.Fatalf("expected exactly one execution, got %d", n)
	}
}

func TestRunOnceClaimsSynchronously(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "drink water"})

	claimed, err := h.svc.RunOnce(ctx, task.ID)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if claimed.Status != persistence.TaskStatusRunning {
		t.Fatalf("expected running claim, got %s", claimed.Status)
	}
	h.svc.Wait()
	if got := h.get(t, task.ID).Status; got != persistence.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if _, err := h.svc.RunOnce(ctx, "missing"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletedEventCarriesRouting(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(bus.TopicTaskCompleted)
	defer h.bus.Unsubscribe(sub)

	task := h.create(t, tasks.CreateRequest{
		Type:          "reminder",
		Name:          "standup",
		Content:       "standup in 5",
		OriginChannel: "telegram",
		OriginChatID:  "42",
	})
	if _, err := h.svc.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		done := ev.Payload.(bus.TaskCompletedEvent)
		if done.TaskID != task.ID || done.Status != "success" || done.Output != "standup in 5" {
			t.Fatalf("unexpected completion %+v", done)
		}
		if done.OriginChannel != "telegram" || done.OriginChatID != "42" || done.Name != "standup" {
			t.Fatalf("routing lost: %+v", done)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.completed event")
	}
}

func TestOutputIsTruncatedAndRedacted(t *testing.T) {
	h := newHarness(t)
	h.runner.result = &sandbox.Result{Stdout: "password=hunter2hunter2 " + strings.Repeat("x", 20000)}
	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "print('x')", SkipVerification: true})
	if _, err := h.svc.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hist, _ := h.svc.History(context.Background(), task.ID, 1)
	out := hist[0].Output
	if !strings.HasSuffix(out, shared.TruncationMarker) {
		t.Fatal("expected trailing truncation marker")
	}
	if body := strings.TrimSuffix(out, shared.TruncationMarker); len([]rune(body)) != tasks.MaxOutputChars {
		t.Fatalf("expected %d chars before marker, got %d", tasks.MaxOutputChars, len([]rune(body)))
	}
	if strings.Contains(out, "hunter2hunter2") {
		t.Fatal("secret persisted in history")
	}
}

func TestRunnerFailureBecomesFailedHistory(t *testing.T) {
	h := newHarness(t)
	h.runner.err = &sandbox.ProcessError{ExitCode: 1, Stderr: "Traceback"}
	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "x", SkipVerification: true})
	updated, err := h.svc.ExecuteTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("execution failures must not propagate, got %v", err)
	}
	if updated.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
}

func TestResumeAndRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "hourly", Schedule: "0 * * * *"})

	if _, err := h.svc.StopTask(ctx, task.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.clock.Advance(3 * time.Hour)
	resumed, err := h.svc.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != persistence.TaskStatusPending || resumed.NextRun == nil || *resumed.NextRun <= h.clock.Now().UnixMilli() {
		t.Fatalf("expected pending with future next_run, got %s %v", resumed.Status, resumed.NextRun)
	}

	h.clock.Set(time.UnixMilli(*resumed.NextRun).UTC())
	if _, err := h.svc.ExecuteTask(ctx, task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	restarted, err := h.svc.RestartTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.ExecutionCount != 0 || restarted.Status != persistence.TaskStatusPending {
		t.Fatalf("expected reset count and pending, got %d %s", restarted.ExecutionCount, restarted.Status)
	}

	if _, err := h.store.ClaimTask(ctx, task.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.svc.ResumeTask(ctx, task.ID); !errors.Is(err, tasks.ErrAlreadyRunningOrPaused) {
		t.Fatalf("resume of running task: expected ErrAlreadyRunningOrPaused, got %v", err)
	}
	if _, err := h.svc.RestartTask(ctx, task.ID); !errors.Is(err, tasks.ErrAlreadyRunningOrPaused) {
		t.Fatalf("restart of running task: expected ErrAlreadyRunningOrPaused, got %v", err)
	}
}

func TestResetZombieTasksOnlyTouchesRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	running := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "a"})
	paused := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "b"})
	pending := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "c"})

	if _, err := h.store.ClaimTask(ctx, running.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.svc.StopTask(ctx, paused.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	n, err := h.svc.ResetZombieTasks(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	if got := h.get(t, running.ID).Status; got != persistence.TaskStatusPending {
		t.Fatalf("running task not reset: %s", got)
	}
	if got := h.get(t, paused.ID).Status; got != persistence.TaskStatusPaused {
		t.Fatalf("paused task touched: %s", got)
	}
	if got := h.get(t, pending.ID).Status; got != persistence.TaskStatusPending {
		t.Fatalf("pending task touched: %s", got)
	}
}

func TestProtectedTasksSurviveDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.EnsureSystemTasks(ctx); err != nil {
		t.Fatalf("ensure system tasks: %v", err)
	}
	monitor, err := h.store.FindTaskByTag(ctx, tasks.MonitorTag)
	if err != nil {
		t.Fatalf("find monitor: %v", err)
	}

	if err := h.svc.DeleteTask(ctx, monitor.ID); !errors.Is(err, tasks.ErrProtectedResource) {
		t.Fatalf("expected ErrProtectedResource, got %v", err)
	}
	after := h.get(t, monitor.ID)
	if !after.UpdatedAt.Equal(monitor.UpdatedAt) || after.Status != monitor.Status {
		t.Fatal("protected row changed by rejected delete")
	}

	done := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "done"})
	if _, err := h.svc.ExecuteTask(ctx, done.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	h.create(t, tasks.CreateRequest{Type: "reminder", Content: "waiting", Schedule: "0 0 1 1 *"})

	cleared, err := h.svc.ClearCompletedTasks(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.Deleted != 1 {
		t.Fatalf("expected 1 cleared task, got %+v", cleared)
	}

	all, err := h.svc.DeleteAllTasks(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if all.Deleted != 1 || all.Skipped != 1 {
		t.Fatalf("expected 1 deleted and 1 protected skip, got %+v", all)
	}
	if _, err := h.svc.GetTask(ctx, monitor.ID); err != nil {
		t.Fatalf("monitor task removed by bulk delete: %v", err)
	}
	if err := h.svc.DeleteTask(ctx, "nope"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTerminatesLiveExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.hold = true
	task := h.create(t, tasks.CreateRequest{Type: "script", Content: "x", SkipVerification: true})

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.ExecuteTask(ctx, task.ID)
		errc <- err
	}()
	<-h.runner.started
	if err := h.svc.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, tasks.ErrNotFound) {
			t.Fatalf("expected the finishing write to find the row gone, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live execution was not terminated")
	}
}

func TestEnsureSystemTasksIsIdempotentAndRepairs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.svc.EnsureSystemTasks(ctx); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	list, _ := h.svc.ListTasks(ctx, persistence.TaskFilter{Tag: tasks.MonitorTag})
	if len(list) != 1 {
		t.Fatalf("expected one monitor task, got %d", len(list))
	}
	monitor := list[0]
	if monitor.Type != persistence.TaskTypeSystem || monitor.NextRun == nil || !monitor.Protected() {
		t.Fatalf("unexpected monitor task %+v", monitor)
	}

	monitor.Type = persistence.TaskTypeScript
	if err := h.store.UpdateTaskDefinition(ctx, &monitor); err != nil {
		t.Fatalf("drift type: %v", err)
	}
	if err := h.svc.EnsureSystemTasks(ctx); err != nil {
		t.Fatalf("ensure after drift: %v", err)
	}
	if got := h.get(t, monitor.ID).Type; got != persistence.TaskTypeSystem {
		t.Fatalf("type not repaired, got %s", got)
	}
}

func TestHistoryOfMissingTask(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.History(context.Background(), "missing", 5); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRowTimestampsUseServiceClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()

	task := h.create(t, tasks.CreateRequest{Type: "reminder", Content: "stretch"})
	if !task.CreatedAt.Equal(start) {
		t.Fatalf("created_at = %v, want %v", task.CreatedAt, start)
	}

	h.clock.Advance(90 * time.Minute)
	updated, err := h.svc.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !updated.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("updated_at = %v, want %v", updated.UpdatedAt, h.clock.Now())
	}
	hist, err := h.svc.History(ctx, task.ID, 1)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v %+v", err, hist)
	}
	if hist[0].ExecutedAt != h.clock.Now().UnixMilli() {
		t.Fatalf("executed_at = %d, want %d", hist[0].ExecutedAt, h.clock.Now().UnixMilli())
	}
	stored := h.get(t, task.ID)
	if !stored.CreatedAt.Equal(start) || !stored.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("stored created=%v updated=%v", stored.CreatedAt, stored.UpdatedAt)
	}
}
