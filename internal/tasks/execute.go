package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawtasks/internal/audit"
	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/cron"
	"github.com/basket/clawtasks/internal/otel"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
	"github.com/basket/clawtasks/internal/shared"
)

// ExecuteTask claims the task, runs it and records the outcome. Failures of
// the execution itself become failed history entries; only claim conflicts
// and store errors are returned.
func (s *Service) ExecuteTask(ctx context.Context, id string) (*persistence.Task, error) {
	claimed, err := s.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, claimed)
}

// RunOnce claims the task synchronously and finishes the execution in the
// background. The returned task is the claimed (running) row.
func (s *Service) RunOnce(ctx context.Context, id string) (*persistence.Task, error) {
	claimed, err := s.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	runCtx := shared.WithTrigger(context.WithoutCancel(ctx), "manual")
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.run(runCtx, claimed); err != nil {
			s.logger.Error("manual run failed", "task_id", id, "error", err)
		}
	}()
	return claimed, nil
}

func (s *Service) claim(ctx context.Context, id string) (*persistence.Task, error) {
	claimed, err := s.store.ClaimTask(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrClaimConflict) {
			s.metrics.RecordClaimConflict(ctx)
		}
		return nil, storeErr(err)
	}
	return claimed, nil
}

func (s *Service) run(ctx context.Context, task *persistence.Task) (*persistence.Task, error) {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "task.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskType.String(string(task.Type)),
	)

	start := time.Now()
	output, ok := s.dispatch(ctx, task)
	elapsed := time.Since(start)

	status := persistence.HistorySuccess
	if !ok {
		status = persistence.HistoryFailed
	}
	output, _ = shared.Truncate(shared.Redact(output), MaxOutputChars)
	entry := persistence.HistoryEntry{
		Status:     status,
		Output:     output,
		DurationMS: elapsed.Milliseconds(),
		ExecutedAt: s.now().UnixMilli(),
	}

	updated, err := s.store.FinishTask(ctx, task.ID, entry, func(current persistence.Task) (persistence.Transition, error) {
		return s.reschedule(current, ok), nil
	})
	if err != nil {
		err = storeErr(err)
		otel.EndSpan(span, err)
		return nil, fmt.Errorf("record execution of %s: %w", task.ID, err)
	}
	span.SetAttributes(otel.AttrTaskStatus.String(string(updated.Status)))
	otel.EndSpan(span, nil)

	s.metrics.RecordExecution(ctx, string(task.Type), string(status), elapsed)
	s.logger.Info("task executed",
		"task_id", task.ID,
		"type", task.Type,
		"result", status,
		"status", updated.Status,
		"execution_count", updated.ExecutionCount,
		"duration_ms", entry.DurationMS,
		"trigger", shared.Trigger(ctx),
	)
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			TaskID:        task.ID,
			Name:          task.Name,
			Type:          string(task.Type),
			Status:        string(status),
			Output:        output,
			DurationMS:    entry.DurationMS,
			OriginChannel: task.OriginChannel,
			OriginChatID:  task.OriginChatID,
		})
	}
	return updated, nil
}

// dispatch runs the task and returns its output and whether it succeeded.
func (s *Service) dispatch(ctx context.Context, task *persistence.Task) (string, bool) {
	if !task.Type.Executable() {
		return task.Content, true
	}
	if s.runner == nil {
		return "no sandbox runner configured", false
	}
	timeout := s.defaultTimeout
	if task.TimeoutMS > 0 {
		timeout = time.Duration(task.TimeoutMS) * time.Millisecond
	}
	rt := task.Runtime
	if rt == "" {
		rt = s.defaultRuntime
	}
	res, err := s.runner.Run(ctx, sandbox.Request{
		TaskID:  task.ID,
		Runtime: rt,
		Code:    task.Content,
		Params:  mergeParams(s.hostInfo(), task.Params),
		Timeout: timeout,
	})
	if err != nil {
		return failureOutput(err), false
	}
	return res.Output(), true
}

func failureOutput(err error) string {
	var scriptErr *sandbox.ScriptError
	if errors.As(err, &scriptErr) && scriptErr.Stdout != "" {
		return scriptErr.Stdout + "\n" + err.Error()
	}
	return err.Error()
}

// reschedule decides the state a task moves to after an execution, given the
// row as re-read inside the finishing transaction.
func (s *Service) reschedule(current persistence.Task, ok bool) persistence.Transition {
	now := s.now()
	next := persistence.Transition{ExecutionCount: current.ExecutionCount + 1}

	// A stop that landed while the task ran wins over the outcome.
	if current.Status == persistence.TaskStatusPaused {
		next.Status = persistence.TaskStatusPaused
		next.NextRun = s.nextRun(current, now)
		return next
	}

	if current.Scheduled() {
		exhausted := current.MaxExecutions != -1 && next.ExecutionCount >= current.MaxExecutions
		if exhausted {
			next.Status = persistence.TaskStatusCompleted
			return next
		}
		nr := s.nextRun(current, now)
		if nr == nil {
			next.Status = persistence.TaskStatusFailed
			return next
		}
		next.Status = persistence.TaskStatusPending
		next.NextRun = nr
		return next
	}

	if !ok && next.ExecutionCount <= current.RetryLimit {
		retryAt := now.Add(RetryBackoffStep * time.Duration(next.ExecutionCount)).UnixMilli()
		next.Status = persistence.TaskStatusPending
		next.NextRun = &retryAt
		return next
	}
	if ok {
		next.Status = persistence.TaskStatusCompleted
	} else {
		next.Status = persistence.TaskStatusFailed
	}
	return next
}

// nextRun computes the next fire time for a scheduled task, nil otherwise.
func (s *Service) nextRun(task persistence.Task, after time.Time) *int64 {
	if !task.Scheduled() {
		return nil
	}
	nr, err := cron.NextRunMillis(task.Schedule, after)
	if err != nil {
		s.logger.Error("cannot compute next run", "task_id", task.ID, "schedule", task.Schedule, "error", err)
		return nil
	}
	return &nr
}

// StopTask pauses the task, terminates its live execution if any, and
// appends a forced failed history entry.
func (s *Service) StopTask(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := s.store.MutateTask(ctx, id, func(current persistence.Task) (persistence.Transition, error) {
		return persistence.Transition{
			Status:         persistence.TaskStatusPaused,
			NextRun:        current.NextRun,
			ExecutionCount: current.ExecutionCount,
		}, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	killed := s.terminate(id)
	if _, err := s.store.AppendHistory(ctx, persistence.HistoryEntry{
		TaskID:     id,
		Status:     persistence.HistoryFailed,
		Output:     stoppedByUser,
		ExecutedAt: s.now().UnixMilli(),
	}); err != nil {
		return nil, storeErr(err)
	}
	s.audit.Record(ctx, "task.stop", audit.DecisionAllow, id, "")
	s.logger.Info("task stopped", "task_id", id, "terminated", killed)
	return task, nil
}

// ResumeTask returns a stopped (or finished) task to pending.
func (s *Service) ResumeTask(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := s.store.MutateTask(ctx, id, func(current persistence.Task) (persistence.Transition, error) {
		if current.Status == persistence.TaskStatusRunning {
			return persistence.Transition{}, ErrAlreadyRunningOrPaused
		}
		return persistence.Transition{
			Status:         persistence.TaskStatusPending,
			NextRun:        s.nextRun(current, s.now()),
			ExecutionCount: current.ExecutionCount,
		}, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.audit.Record(ctx, "task.resume", audit.DecisionAllow, id, "")
	s.logger.Info("task resumed", "task_id", id)
	return task, nil
}

// RestartTask resets the execution count and returns the task to pending.
func (s *Service) RestartTask(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := s.store.MutateTask(ctx, id, func(current persistence.Task) (persistence.Transition, error) {
		if current.Status == persistence.TaskStatusRunning {
			return persistence.Transition{}, ErrAlreadyRunningOrPaused
		}
		return persistence.Transition{
			Status:         persistence.TaskStatusPending,
			NextRun:        s.nextRun(current, s.now()),
			ExecutionCount: 0,
		}, nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	s.audit.Record(ctx, "task.restart", audit.DecisionAllow, id, "")
	s.logger.Info("task restarted", "task_id", id)
	return task, nil
}
