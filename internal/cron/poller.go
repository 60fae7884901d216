package cron

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/otel"
	"github.com/basket/clawtasks/internal/persistence"
)

// TaskService is the slice of the task service the poller drives.
type TaskService interface {
	ResetZombieTasks(ctx context.Context) (int64, error)
	EnsureSystemTasks(ctx context.Context) error
	GetDueTasks(ctx context.Context) ([]persistence.Task, error)
	ExecuteTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

// Config holds the dependencies for the poller.
type Config struct {
	Service  TaskService
	Bus      *bus.Bus // optional; enables immediate dispatch of new one-shot tasks
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Metrics  *otel.Metrics
}

// Poller ticks at a fixed interval, executing every due task concurrently.
// A tick that arrives while the previous batch is still running is skipped.
type Poller struct {
	service  TaskService
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	metrics  *otel.Metrics

	busy     atomic.Bool
	execCtx  context.Context
	inflight sync.WaitGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		service:  cfg.Service,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
		metrics:  cfg.Metrics,
		execCtx:  context.Background(),
	}
}

// Start recovers tasks left running by a previous process, installs the
// built-in tasks and then starts the tick loop and the event listener.
func (p *Poller) Start(ctx context.Context) error {
	n, err := p.service.ResetZombieTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Warn("poller: reset zombie tasks", "count", n)
	}
	if err := p.service.EnsureSystemTasks(ctx); err != nil {
		return err
	}

	// Executions outlive the loop context so Stop can drain them.
	p.execCtx = context.WithoutCancel(ctx)
	ctx, p.cancel = context.WithCancel(ctx)

	if p.bus != nil {
		sub := p.bus.Subscribe(bus.TopicTaskCreated)
		p.wg.Add(1)
		go p.listen(ctx, sub)
	}
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("poller started", "interval", p.interval)
	return nil
}

// Stop cancels the loop and waits for in-flight executions to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.inflight.Wait()
	p.logger.Info("poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick queries due tasks and launches them as one batch. It returns false
// when the tick was skipped because the previous batch is still running.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.busy.CompareAndSwap(false, true) {
		p.metrics.RecordSkippedTick(ctx)
		p.logger.Debug("poller: previous batch still running, skipping tick")
		return false
	}

	due, err := p.service.GetDueTasks(ctx)
	if err != nil {
		p.busy.Store(false)
		p.logger.Error("poller: failed to query due tasks", "error", err)
		return true
	}
	if len(due) == 0 {
		p.busy.Store(false)
		return true
	}

	var batch sync.WaitGroup
	for _, task := range due {
		batch.Add(1)
		p.inflight.Add(1)
		go func(t persistence.Task) {
			defer p.inflight.Done()
			defer batch.Done()
			p.execute(t.ID, "tick")
		}(task)
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		batch.Wait()
		p.busy.Store(false)
	}()
	p.logger.Debug("poller: batch dispatched", "count", len(due))
	return true
}

// Busy reports whether a tick batch is in flight.
func (p *Poller) Busy() bool {
	return p.busy.Load()
}

func (p *Poller) listen(ctx context.Context, sub *bus.Subscription) {
	defer p.wg.Done()
	defer p.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			created, ok := ev.Payload.(bus.TaskCreatedEvent)
			if !ok || created.Scheduled {
				continue
			}
			p.inflight.Add(1)
			go func(id string) {
				defer p.inflight.Done()
				p.execute(id, "event")
			}(created.TaskID)
		}
	}
}

// execute runs one task; failures are logged so siblings keep going.
func (p *Poller) execute(taskID, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller: task execution panicked", "task_id", taskID, "trigger", trigger, "panic", r)
		}
	}()
	task, err := p.service.ExecuteTask(p.execCtx, taskID)
	if err != nil {
		p.logger.Warn("poller: task execution failed", "task_id", taskID, "trigger", trigger, "error", err)
		return
	}
	p.logger.Debug("poller: task executed", "task_id", taskID, "trigger", trigger, "status", task.Status)
}
