// Package audit appends administrative actions to an append-only JSONL file.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawtasks/internal/shared"
)

// Decisions recorded alongside an action.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Recorder writes audit entries. A nil *Recorder discards everything.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the number of deny decisions since the recorder opened.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// Record appends one entry. Reason and subject are redacted before they
// reach disk. Write failures are swallowed.
func (r *Recorder) Record(ctx context.Context, action, decision, subject, reason string) {
	if r == nil {
		return
	}
	if decision == DecisionDeny {
		r.denyCount.Add(1)
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Action:    action,
		Decision:  decision,
		Subject:   shared.Redact(subject),
		Reason:    shared.Redact(reason),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_, _ = r.file.Write(append(b, '\n'))
	}
}
