// Package tasks is the task service: creation, the atomic claim, dispatch by
// type, the retry and reschedule policy, and crash recovery.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawtasks/internal/audit"
	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/cron"
	"github.com/basket/clawtasks/internal/otel"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
	"github.com/basket/clawtasks/internal/validator"
)

const (
	// MaxOutputChars bounds the output stored in a history entry.
	MaxOutputChars = 10000
	// VerificationTimeout bounds the creation-time verification run.
	VerificationTimeout = 5 * time.Second
	// RetryBackoffStep is multiplied by the attempt number for one-shot retries.
	RetryBackoffStep = 10 * time.Second

	stoppedByUser = "stopped by user"
)

// Validator checks executable source before it is accepted.
type Validator interface {
	Validate(ctx context.Context, runtime, code string) validator.Result
}

// Runner executes scripts and can terminate a live execution by task id.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
	Terminate(taskID string) bool
}

type Config struct {
	Store     *persistence.Store
	Validator Validator // nil uses a validator with the default denylist
	Runner    Runner    // nil makes every executable task fail
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Audit     *audit.Recorder

	// Now is the clock used for scheduling decisions. Defaults to time.Now.
	Now            func() time.Time
	DefaultRuntime string
	DefaultTimeout time.Duration
	// DisableVerification turns off the creation-time verification run.
	DisableVerification bool
	// HostInfo supplies the telemetry merged under params. Defaults to HostSnapshot.
	HostInfo func() map[string]any
}

type Service struct {
	store          *persistence.Store
	validator      Validator
	runner         Runner
	bus            *bus.Bus
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *otel.Metrics
	audit          *audit.Recorder
	now            func() time.Time
	defaultRuntime string
	defaultTimeout time.Duration
	verify         bool
	hostInfo       func() map[string]any

	background sync.WaitGroup
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := cfg.Validator
	if v == nil {
		v = validator.New(validator.Config{Logger: logger})
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	} else if cfg.Store != nil {
		cfg.Store.SetClock(now)
	}
	rt := cfg.DefaultRuntime
	if rt == "" {
		rt = sandbox.RuntimePython
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	hostInfo := cfg.HostInfo
	if hostInfo == nil {
		hostInfo = HostSnapshot
	}
	return &Service{
		store:          cfg.Store,
		validator:      v,
		runner:         cfg.Runner,
		bus:            cfg.Bus,
		logger:         logger,
		tracer:         tracer,
		metrics:        cfg.Metrics,
		audit:          cfg.Audit,
		now:            now,
		defaultRuntime: rt,
		defaultTimeout: timeout,
		verify:         !cfg.DisableVerification,
		hostInfo:       hostInfo,
	}
}

// Wait blocks until executions started by RunOnce have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// CreateRequest carries the caller-settable fields of a new task.
type CreateRequest struct {
	Name          string         `json:"name,omitempty"`
	Type          string         `json:"type"`
	Content       string         `json:"content"`
	Schedule      string         `json:"schedule,omitempty"`
	MaxExecutions *int           `json:"max_executions,omitempty"` // nil means unlimited
	RetryLimit    int            `json:"retry_limit,omitempty"`
	TimeoutMS     int64          `json:"timeout_ms,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Runtime       string         `json:"runtime,omitempty"`
	OriginChannel string         `json:"origin_channel,omitempty"`
	OriginChatID  string         `json:"origin_chat_id,omitempty"`
	// SkipVerification opts an executable task out of the verification run.
	SkipVerification bool `json:"skip_verification,omitempty"`
}

func (s *Service) buildTask(req CreateRequest) (*persistence.Task, error) {
	taskType := persistence.TaskType(strings.ToLower(strings.TrimSpace(req.Type)))
	if !taskType.Valid() {
		return nil, invalidField("type", "unknown type %q", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalidField("content", "required")
	}
	if req.TimeoutMS < 0 {
		return nil, invalidField("timeout_ms", "must be >= 0")
	}
	if req.RetryLimit < 0 {
		return nil, invalidField("retry_limit", "must be >= 0")
	}
	maxExec := -1
	if req.MaxExecutions != nil {
		maxExec = *req.MaxExecutions
	}
	if maxExec < -1 {
		return nil, invalidField("max_executions", "must be -1 or >= 0")
	}
	tags := make([]string, 0, len(req.Tags))
	seen := make(map[string]bool, len(req.Tags))
	for _, tag := range req.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		if strings.HasPrefix(tag, persistence.ProtectedTagPrefix) {
			return nil, invalidField("tags", "prefix %q is reserved for built-in tasks", persistence.ProtectedTagPrefix)
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	task := &persistence.Task{
		Name:          strings.TrimSpace(req.Name),
		Type:          taskType,
		Content:       req.Content,
		Status:        persistence.TaskStatusPending,
		Schedule:      strings.TrimSpace(req.Schedule),
		MaxExecutions: maxExec,
		RetryLimit:    req.RetryLimit,
		TimeoutMS:     req.TimeoutMS,
		Priority:      req.Priority,
		Tags:          tags,
		Params:        req.Params,
		OriginChannel: req.OriginChannel,
		OriginChatID:  req.OriginChatID,
	}
	if taskType.Executable() {
		rt := strings.ToLower(strings.TrimSpace(req.Runtime))
		if rt == "" {
			rt = s.defaultRuntime
		}
		if _, err := sandbox.LookupRuntime(rt); err != nil {
			return nil, invalidField("runtime", "unsupported runtime %q", rt)
		}
		task.Runtime = rt
	}
	if task.Scheduled() {
		next, err := cron.NextRunMillis(task.Schedule, s.now())
		if err != nil {
			return nil, invalidField("schedule", "%v", err)
		}
		task.NextRun = &next
	}
	return task, nil
}

// CreateTask validates, optionally verifies, and persists a new task.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*persistence.Task, error) {
	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}

	if task.Type.Executable() {
		res := s.validator.Validate(ctx, task.Runtime, task.Content)
		if !res.Valid {
			s.audit.Record(ctx, "task.create", audit.DecisionDeny, task.Name, strings.Join(res.Errors, "; "))
			return nil, &SecurityRejection{Stage: "validation", Reasons: res.Errors}
		}
		if s.verify && !req.SkipVerification {
			if err := s.verifyRun(ctx, task); err != nil {
				s.audit.Record(ctx, "task.create", audit.DecisionDeny, task.Name, err.Error())
				return nil, &SecurityRejection{Stage: "verification", Reasons: []string{err.Error()}}
			}
		}
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task created", "task_id", task.ID, "type", task.Type, "schedule", task.Schedule)
	s.audit.Record(ctx, "task.create", audit.DecisionAllow, task.ID, string(task.Type))
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
			TaskID:    task.ID,
			Type:      string(task.Type),
			Scheduled: task.Scheduled(),
		})
	}
	return task, nil
}

// verifyRun executes the task once, untracked, under VerificationTimeout.
func (s *Service) verifyRun(ctx context.Context, task *persistence.Task) error {
	if s.runner == nil {
		return errors.New("no sandbox runner configured")
	}
	_, err := s.runner.Run(ctx, sandbox.Request{
		Runtime: task.Runtime,
		Code:    task.Content,
		Params:  mergeParams(s.hostInfo(), task.Params),
		Timeout: VerificationTimeout,
	})
	return err
}

func (s *Service) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// History returns up to limit entries for the task, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]persistence.HistoryEntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, storeErr(err)
	}
	return s.store.ListHistory(ctx, id, limit)
}

// GetDueTasks returns the tasks eligible to run now.
func (s *Service) GetDueTasks(ctx context.Context) ([]persistence.Task, error) {
	return s.store.DueTasks(ctx, s.now().UnixMilli())
}

// Counts returns the number of tasks per status.
func (s *Service) Counts(ctx context.Context) (map[persistence.TaskStatus]int, error) {
	return s.store.TaskCounts(ctx)
}

// ResetZombieTasks returns tasks left running by a previous process to pending.
func (s *Service) ResetZombieTasks(ctx context.Context) (int64, error) {
	n, err := s.store.ResetRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("reset tasks left running by a previous process", "count", n)
	}
	return n, nil
}

// DeleteTask removes a task and its history, terminating a live execution.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		err = storeErr(err)
		if errors.Is(err, ErrProtectedResource) {
			s.audit.Record(ctx, "task.delete", audit.DecisionDeny, id, "protected")
		}
		return err
	}
	s.terminate(id)
	s.audit.Record(ctx, "task.delete", audit.DecisionAllow, id, "")
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// BulkResult reports what a bulk delete did.
type BulkResult struct {
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"` // protected rows left in place
}

// DeleteAllTasks removes every task except protected ones.
func (s *Service) DeleteAllTasks(ctx context.Context) (BulkResult, error) {
	return s.bulkDelete(ctx, "task.delete_all", nil)
}

// ClearCompletedTasks removes finished tasks (completed or failed), skipping
// protected ones.
func (s *Service) ClearCompletedTasks(ctx context.Context) (BulkResult, error) {
	return s.bulkDelete(ctx, "task.clear", []persistence.TaskStatus{
		persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed,
	})
}

func (s *Service) bulkDelete(ctx context.Context, action string, statuses []persistence.TaskStatus) (BulkResult, error) {
	ids, skipped, err := s.store.DeleteTasks(ctx, statuses)
	if err != nil {
		return BulkResult{}, err
	}
	for _, id := range ids {
		s.terminate(id)
	}
	res := BulkResult{Deleted: len(ids), Skipped: skipped}
	s.audit.Record(ctx, action, audit.DecisionAllow, "", fmt.Sprintf("deleted=%d skipped=%d", res.Deleted, res.Skipped))
	s.logger.Info("tasks deleted", "action", action, "deleted", res.Deleted, "skipped", res.Skipped)
	return res, nil
}

func (s *Service) terminate(id string) bool {
	if s.runner == nil {
		return false
	}
	return s.runner.Terminate(id)
}
