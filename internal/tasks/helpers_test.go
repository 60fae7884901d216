package tasks_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
	"github.com/basket/clawtasks/internal/tasks"
)

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRunner answers every request with result/err. Requests with a task id
// block while hold is non-nil, until Terminate or release.
type fakeRunner struct {
	mu      sync.Mutex
	reqs    []sandbox.Request
	result  *sandbox.Result
	err     error
	hold    bool
	stops   map[string]chan struct{}
	started chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		result:  &sandbox.Result{Stdout: "ok"},
		stops:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (r *fakeRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	hold := r.hold && req.TaskID != ""
	var stop chan struct{}
	if hold {
		stop = make(chan struct{})
		r.stops[req.TaskID] = stop
	}
	result, err := r.result, r.err
	r.mu.Unlock()

	if hold {
		r.started <- req.TaskID
		select {
		case <-stop:
			return nil, &sandbox.TerminatedError{Signal: "terminated"}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
	return result, err
}

func (r *fakeRunner) Terminate(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop, ok := r.stops[taskID]
	if ok {
		close(stop)
		delete(r.stops, taskID)
	}
	return ok
}

func (r *fakeRunner) requests() []sandbox.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.Request(nil), r.reqs...)
}

type harness struct {
	svc    *tasks.Service
	store  *persistence.Store
	bus    *bus.Bus
	runner *fakeRunner
	clock  *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*tasks.Config)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store, bus: b, runner: newFakeRunner(), clock: newFakeClock()}
	cfg := tasks.Config{
		Store:    store,
		Runner:   h.runner,
		Bus:      b,
		Now:      h.clock.Now,
		HostInfo: func() map[string]any { return map[string]any{"platform": "test", "hostname": "box"} },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.svc = tasks.NewService(cfg)
	t.Cleanup(h.svc.Wait)
	return h
}

func (h *harness) create(t *testing.T, req tasks.CreateRequest) *persistence.Task {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) get(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := h.svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func intPtr(v int) *int { return &v }
