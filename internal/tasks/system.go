package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/clawtasks/internal/cron"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
)

const (
	MonitorTag      = persistence.ProtectedTagPrefix + "monitor"
	monitorName     = "System monitor"
	monitorSchedule = "0 * * * *"
)

// monitorScript summarises the host snapshot merged into its params.
const monitorScript = `def run(params):
    total = params.get("memory_total_kb") or 0
    available = params.get("memory_available_kb") or 0
    used = 0.0
    if total:
        used = round(100.0 * (total - available) / total, 1)
    return {
        "platform": params.get("platform"),
        "hostname": params.get("hostname"),
        "uptime_seconds": params.get("uptime_seconds"),
        "load": params.get("load"),
        "memory_used_percent": used,
    }
`

// EnsureSystemTasks installs the built-in monitor task if it is missing and
// repairs its type and schedule if they drifted.
func (s *Service) EnsureSystemTasks(ctx context.Context) error {
	existing, err := s.store.FindTaskByTag(ctx, MonitorTag)
	if errors.Is(err, persistence.ErrNotFound) {
		next, err := cron.NextRunMillis(monitorSchedule, s.now())
		if err != nil {
			return fmt.Errorf("monitor schedule: %w", err)
		}
		task := &persistence.Task{
			Name:          monitorName,
			Type:          persistence.TaskTypeSystem,
			Content:       monitorScript,
			Status:        persistence.TaskStatusPending,
			Schedule:      monitorSchedule,
			NextRun:       &next,
			MaxExecutions: -1,
			Tags:          []string{MonitorTag},
			Runtime:       sandbox.RuntimePython,
		}
		if err := s.store.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("install monitor task: %w", err)
		}
		s.logger.Info("installed system task", "task_id", task.ID, "tag", MonitorTag)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find monitor task: %w", err)
	}

	if existing.Type != persistence.TaskTypeSystem || existing.Schedule == "" || existing.Runtime == "" {
		existing.Type = persistence.TaskTypeSystem
		if existing.Schedule == "" {
			existing.Schedule = monitorSchedule
		}
		if existing.Runtime == "" {
			existing.Runtime = sandbox.RuntimePython
		}
		if err := s.store.UpdateTaskDefinition(ctx, existing); err != nil {
			return fmt.Errorf("repair monitor task: %w", err)
		}
		s.logger.Warn("repaired system task definition", "task_id", existing.ID, "tag", MonitorTag)
	}
	if existing.NextRun == nil && existing.Status == persistence.TaskStatusPending {
		if _, err := s.store.MutateTask(ctx, existing.ID, func(current persistence.Task) (persistence.Transition, error) {
			return persistence.Transition{
				Status:         current.Status,
				NextRun:        s.nextRun(current, s.now()),
				ExecutionCount: current.ExecutionCount,
			}, nil
		}); err != nil {
			return fmt.Errorf("reschedule monitor task: %w", err)
		}
	}
	return nil
}
