package cron_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/cron"
	"github.com/basket/clawtasks/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeService struct {
	mu       sync.Mutex
	calls    []string
	due      []persistence.Task
	executed map[string]int
	failIDs  map[string]bool
	block    chan struct{}
	resets   atomic.Int32
	ensures  atomic.Int32
	dueCalls atomic.Int32
}

func newFakeService(due ...string) *fakeService {
	f := &fakeService{executed: map[string]int{}, failIDs: map[string]bool{}}
	for _, id := range due {
		f.due = append(f.due, persistence.Task{ID: id})
	}
	return f
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) ResetZombieTasks(context.Context) (int64, error) {
	f.resets.Add(1)
	f.record("reset")
	return 2, nil
}

func (f *fakeService) EnsureSystemTasks(context.Context) error {
	f.ensures.Add(1)
	f.record("ensure")
	return nil
}

func (f *fakeService) GetDueTasks(context.Context) ([]persistence.Task, error) {
	f.dueCalls.Add(1)
	f.record("due")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persistence.Task(nil), f.due...), nil
}

func (f *fakeService) ExecuteTask(_ context.Context, id string) (*persistence.Task, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.executed[id]++
	fail := f.failIDs[id]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("claim conflict")
	}
	if id == "panic" {
		panic("boom")
	}
	return &persistence.Task{ID: id, Status: persistence.TaskStatusCompleted}, nil
}

func (f *fakeService) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed[id]
}

func TestPoller_StartRecoversBeforeFirstTick(t *testing.T) {
	svc := newFakeService()
	p := cron.NewPoller(cron.Config{Service: svc, Interval: time.Hour})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return svc.dueCalls.Load() >= 1 })
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.calls) < 3 || svc.calls[0] != "reset" || svc.calls[1] != "ensure" || svc.calls[2] != "due" {
		t.Fatalf("call order = %v, want reset, ensure, due", svc.calls)
	}
}

func TestPoller_TickExecutesEachDueTaskAndIsolatesFailures(t *testing.T) {
	svc := newFakeService("a", "b", "panic", "c")
	svc.failIDs["b"] = true
	p := cron.NewPoller(cron.Config{Service: svc, Interval: time.Hour})

	if !p.Tick(context.Background()) {
		t.Fatal("first tick should run")
	}
	waitFor(t, time.Second, func() bool { return !p.Busy() })
	for _, id := range []string{"a", "b", "panic", "c"} {
		if got := svc.count(id); got != 1 {
			t.Fatalf("task %s executed %d times, want 1", id, got)
		}
	}
	p.Stop()
}

func TestPoller_SkipsTickWhileBatchRuns(t *testing.T) {
	svc := newFakeService("slow")
	svc.block = make(chan struct{})
	p := cron.NewPoller(cron.Config{Service: svc, Interval: time.Hour})
	ctx := context.Background()

	if !p.Tick(ctx) {
		t.Fatal("first tick should run")
	}
	if p.Tick(ctx) {
		t.Fatal("second tick should be skipped while batch in flight")
	}
	if got := svc.dueCalls.Load(); got != 1 {
		t.Fatalf("due queried %d times, want 1", got)
	}

	close(svc.block)
	waitFor(t, time.Second, func() bool { return !p.Busy() })
	if !p.Tick(ctx) {
		t.Fatal("tick after batch completion should run")
	}
	p.Stop()
}

func TestPoller_EventPathDispatchesOneShotTasks(t *testing.T) {
	svc := newFakeService()
	b := bus.New()
	p := cron.NewPoller(cron.Config{Service: svc, Bus: b, Interval: time.Hour})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	waitFor(t, time.Second, func() bool { return b.SubscriberCount() == 1 })

	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: "scheduled", Scheduled: true})
	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: "now"})

	waitFor(t, time.Second, func() bool { return svc.count("now") == 1 })
	if got := svc.count("scheduled"); got != 0 {
		t.Fatalf("scheduled task dispatched %d times by event path", got)
	}
}

func TestPoller_StopWaitsForInflight(t *testing.T) {
	svc := newFakeService("long")
	svc.block = make(chan struct{})
	p := cron.NewPoller(cron.Config{Service: svc, Interval: time.Hour})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, p.Busy)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while an execution was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(svc.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after execution finished")
	}
	if svc.count("long") != 1 {
		t.Fatalf("long executed %d times, want 1", svc.count("long"))
	}
}
