// Package sandbox runs task source in a fresh interpreter process per
// invocation. The process receives {code, params} on stdin and answers with a
// single JSON result envelope on stdout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawtasks/internal/otel"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 30 * time.Second
	// terminateGrace is how long a terminated process gets before SIGKILL.
	terminateGrace = 2 * time.Second
)

// Config holds the dependencies for the runner.
type Config struct {
	Executor       Executor
	DefaultRuntime string
	CaptureLimit   int
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Metrics        *otel.Metrics
}

// Request is one execution.
type Request struct {
	TaskID  string // used to track the live process; may be empty
	Runtime string
	Code    string
	Params  map[string]any
	Timeout time.Duration
}

// Result is a successful execution.
type Result struct {
	Data      any
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// Output renders the script's printed output followed by its return value.
func (r *Result) Output() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Data != nil {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		switch v := r.Data.(type) {
		case string:
			b.WriteString(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				fmt.Fprintf(&b, "%v", v)
			} else {
				b.Write(raw)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Runner executes requests through an Executor and tracks live processes by
// task id so they can be terminated.
type Runner struct {
	executor       Executor
	defaultRuntime string
	captureLimit   int
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *otel.Metrics

	mu   sync.Mutex
	live map[string]*liveProcess
}

type liveProcess struct {
	proc       Process
	terminated bool
}

func NewRunner(cfg Config) *Runner {
	exec := cfg.Executor
	if exec == nil {
		exec = &HostExecutor{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	rt := cfg.DefaultRuntime
	if rt == "" {
		rt = RuntimePython
	}
	return &Runner{
		executor:       exec,
		defaultRuntime: rt,
		captureLimit:   cfg.CaptureLimit,
		logger:         logger,
		tracer:         tracer,
		metrics:        cfg.Metrics,
		live:           make(map[string]*liveProcess),
	}
}

// Backend names the executor in use.
func (r *Runner) Backend() string {
	return r.executor.Name()
}

// Run executes req and returns its result or one of ProcessError,
// TerminatedError, ResultParseError or ScriptError.
func (r *Runner) Run(ctx context.Context, req Request) (res *Result, err error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}
	runtimeName := req.Runtime
	if runtimeName == "" {
		runtimeName = r.defaultRuntime
	}
	rt, err := LookupRuntime(runtimeName)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := otel.StartSpan(ctx, r.tracer, "sandbox.run",
		otel.AttrTaskID.String(req.TaskID),
		otel.AttrRuntime.String(rt.Name),
		otel.AttrBackend.String(r.executor.Name()),
	)
	defer func() { otel.EndSpan(span, err) }()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	stdin, err := json.Marshal(map[string]any{
		"code":   req.Code,
		"params": params,
		"limit":  envelopeBudget(r.captureLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	argv := rt.Argv("")
	if host, ok := r.executor.(*HostExecutor); ok {
		argv = rt.Argv(host.Binary(rt))
	}
	stdout := newCappedBuffer(r.captureLimit)
	stderr := newCappedBuffer(r.captureLimit)

	start := time.Now()
	proc, err := r.executor.Start(ctx, Command{
		Runtime: rt,
		Argv:    argv,
		Stdin:   bytes.NewReader(stdin),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("start interpreter: %w", err)
	}
	entry := r.track(req.TaskID, proc)
	defer r.untrack(req.TaskID, entry)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	waitDone := make(chan struct{})
	var (
		status   ExitStatus
		waitErr  error
		timedOut bool
	)
	go func() {
		status, waitErr = proc.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-timer.C:
		timedOut = true
		_ = proc.Kill()
		<-waitDone
	case <-ctx.Done():
		_ = proc.Kill()
		<-waitDone
		return nil, ctx.Err()
	}
	elapsed := time.Since(start)

	truncated := stdout.Truncated() || stderr.Truncated()
	if truncated {
		r.metrics.RecordTruncatedOutput(ctx, rt.Name)
	}
	errText := strings.TrimSpace(stderr.String())

	switch {
	case timedOut:
		return nil, &TerminatedError{Timeout: true, Signal: "SIGKILL", Stderr: errText}
	case r.wasTerminated(entry):
		return nil, &TerminatedError{Signal: signalName(status, "SIGTERM"), Stderr: errText}
	case waitErr != nil:
		return nil, fmt.Errorf("wait interpreter: %w", waitErr)
	case status.Signaled:
		return nil, &TerminatedError{Signal: status.Signal, Stderr: errText}
	case status.Code != 0:
		return nil, &ProcessError{ExitCode: status.Code, Stderr: errText}
	}

	env, err := decodeEnvelope(stdout.Bytes(), truncated)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		msg := "script reported failure"
		if env.Error != nil && *env.Error != "" {
			msg = strings.TrimSpace(*env.Error)
		}
		return nil, &ScriptError{Message: msg, Stdout: env.Stdout, Stderr: env.Stderr}
	}
	r.logger.Debug("sandbox run finished", "task_id", req.TaskID, "runtime", rt.Name, "duration_ms", elapsed.Milliseconds())
	return &Result{
		Data:      env.Data,
		Stdout:    env.Stdout,
		Stderr:    env.Stderr,
		Truncated: truncated || env.Truncated,
		Duration:  elapsed,
	}, nil
}

// Terminate signals the live process for taskID, escalating to SIGKILL
// after a short grace period. It reports whether a process was tracked.
func (r *Runner) Terminate(taskID string) bool {
	if taskID == "" {
		return false
	}
	r.mu.Lock()
	entry, ok := r.live[taskID]
	if ok {
		entry.terminated = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := entry.proc.Terminate(); err != nil {
		r.logger.Warn("sandbox terminate failed, killing", "task_id", taskID, "error", err)
		_ = entry.proc.Kill()
		return true
	}
	time.AfterFunc(terminateGrace, func() {
		r.mu.Lock()
		still := r.live[taskID] == entry
		r.mu.Unlock()
		if still {
			_ = entry.proc.Kill()
		}
	})
	return true
}

// Running lists task ids with a live process.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) track(taskID string, proc Process) *liveProcess {
	entry := &liveProcess{proc: proc}
	if taskID == "" {
		return entry
	}
	r.mu.Lock()
	r.live[taskID] = entry
	r.mu.Unlock()
	return entry
}

func (r *Runner) untrack(taskID string, entry *liveProcess) {
	if taskID == "" {
		return
	}
	r.mu.Lock()
	if r.live[taskID] == entry {
		delete(r.live, taskID)
	}
	r.mu.Unlock()
}

func (r *Runner) wasTerminated(entry *liveProcess) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return entry.terminated
}

func signalName(st ExitStatus, fallback string) string {
	if st.Signal != "" {
		return st.Signal
	}
	return fallback
}

// IsTimeout reports whether err is a timeout TerminatedError.
func IsTimeout(err error) bool {
	var te *TerminatedError
	return errors.As(err, &te) && te.Timeout
}
