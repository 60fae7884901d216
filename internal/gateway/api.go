package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/tasks"
)

// TaskView is the wire form of a task.
type TaskView struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Status         string         `json:"status"`
	Schedule       string         `json:"schedule,omitempty"`
	NextRun        *time.Time     `json:"next_run,omitempty"`
	MaxExecutions  int            `json:"max_executions"`
	ExecutionCount int            `json:"execution_count"`
	RetryLimit     int            `json:"retry_limit"`
	TimeoutMS      int64          `json:"timeout_ms"`
	Priority       int            `json:"priority"`
	Tags           []string       `json:"tags"`
	Params         map[string]any `json:"params"`
	Runtime        string         `json:"runtime,omitempty"`
	OriginChannel  string         `json:"origin_channel,omitempty"`
	OriginChatID   string         `json:"origin_chat_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HistoryView is the wire form of a history entry.
type HistoryView struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Output     string    `json:"output"`
	DurationMS int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ListResponse wraps GET /api/tasks.
type ListResponse struct {
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}

// HistoryResponse wraps GET /api/tasks/{id}/history.
type HistoryResponse struct {
	TaskID  string        `json:"task_id"`
	Entries []HistoryView `json:"entries"`
}

// BulkResponse wraps the bulk delete routes.
type BulkResponse struct {
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

func NewTaskView(t persistence.Task) TaskView {
	v := TaskView{
		ID:             t.ID,
		Name:           t.Name,
		Type:           string(t.Type),
		Content:        t.Content,
		Status:         string(t.Status),
		Schedule:       t.Schedule,
		MaxExecutions:  t.MaxExecutions,
		ExecutionCount: t.ExecutionCount,
		RetryLimit:     t.RetryLimit,
		TimeoutMS:      t.TimeoutMS,
		Priority:       t.Priority,
		Tags:           t.Tags,
		Params:         t.Params,
		Runtime:        t.Runtime,
		OriginChannel:  t.OriginChannel,
		OriginChatID:   t.OriginChatID,
		CreatedAt:      t.CreatedAt.UTC(),
		UpdatedAt:      t.UpdatedAt.UTC(),
	}
	if t.NextRun != nil {
		next := time.UnixMilli(*t.NextRun).UTC()
		v.NextRun = &next
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if v.Params == nil {
		v.Params = map[string]any{}
	}
	return v
}

func newHistoryView(e persistence.HistoryEntry) HistoryView {
	return HistoryView{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Status:     string(e.Status),
		Output:     e.Output,
		DurationMS: e.DurationMS,
		ExecutedAt: time.UnixMilli(e.ExecutedAt).UTC(),
	}
}

func (s *Server) handleListTasks(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status: persistence.TaskStatus(q.Get("status")),
		Type:   persistence.TaskType(q.Get("type")),
		Tag:    q.Get("tag"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, nil, &tasks.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		filter.Limit = n
	}
	list, err := s.cfg.Service.ListTasks(r.Context(), filter)
	if err != nil {
		return 0, nil, err
	}
	resp := ListResponse{Tasks: make([]TaskView, 0, len(list))}
	for _, t := range list {
		resp.Tasks = append(resp.Tasks, NewTaskView(t))
	}
	resp.Total = len(resp.Tasks)
	return http.StatusOK, resp, nil
}

func (s *Server) handleCreateTask(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	var req tasks.CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mberr *http.MaxBytesError
		if errors.As(err, &mberr) {
			return 0, nil, err
		}
		if errors.Is(err, io.EOF) {
			return 0, nil, &tasks.ValidationError{Message: "request body is empty"}
		}
		return 0, nil, &tasks.ValidationError{Message: fmt.Sprintf("decode request: %v", err)}
	}
	task, err := s.cfg.Service.CreateTask(r.Context(), req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, NewTaskView(*task), nil
}

func (s *Server) handleGetTask(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	task, err := s.cfg.Service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, NewTaskView(*task), nil
}

func (s *Server) handleDeleteTask(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	if err := s.cfg.Service.DeleteTask(r.Context(), id); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]string{"deleted": id}, nil
}

func (s *Server) handleDeleteAll(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	res, err := s.cfg.Service.DeleteAllTasks(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, BulkResponse{Deleted: res.Deleted, Skipped: res.Skipped}, nil
}

func (s *Server) handleClearCompleted(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	res, err := s.cfg.Service.ClearCompletedTasks(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, BulkResponse{Deleted: res.Deleted, Skipped: res.Skipped}, nil
}

func (s *Server) handleHistory(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, nil, &tasks.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		limit = n
	}
	entries, err := s.cfg.Service.History(r.Context(), id, limit)
	if err != nil {
		return 0, nil, err
	}
	resp := HistoryResponse{TaskID: id, Entries: make([]HistoryView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, newHistoryView(e))
	}
	return http.StatusOK, resp, nil
}

// handleRun claims the task and returns immediately; the execution result
// arrives on the event stream and in history.
func (s *Server) handleRun(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	task, err := s.cfg.Service.RunOnce(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, NewTaskView(*task), nil
}

func (s *Server) handleStop(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	return s.lifecycle(r, s.cfg.Service.StopTask)
}

func (s *Server) handleResume(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	return s.lifecycle(r, s.cfg.Service.ResumeTask)
}

func (s *Server) handleRestart(_ http.ResponseWriter, r *http.Request) (int, any, error) {
	return s.lifecycle(r, s.cfg.Service.RestartTask)
}

func (s *Server) lifecycle(r *http.Request, op func(ctx context.Context, id string) (*persistence.Task, error)) (int, any, error) {
	task, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, NewTaskView(*task), nil
}
