package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Command is one interpreter invocation.
type Command struct {
	Runtime Runtime
	Argv    []string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExitStatus is how an interpreter process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Process is a started interpreter.
type Process interface {
	// Wait blocks until the process has exited and its output is drained.
	Wait() (ExitStatus, error)
	// Terminate asks the process to stop (SIGTERM).
	Terminate() error
	// Kill stops the process immediately (SIGKILL).
	Kill() error
}

// Executor starts interpreter processes.
type Executor interface {
	Name() string
	Start(ctx context.Context, cmd Command) (Process, error)
}

// HostExecutor runs interpreters as local child processes, each in a
// throwaway working directory with a minimal environment.
type HostExecutor struct {
	// Binaries overrides the interpreter binary per runtime name.
	Binaries map[string]string
}

func (h *HostExecutor) Name() string { return "host" }

func (h *HostExecutor) Binary(rt Runtime) string {
	if bin := h.Binaries[rt.Name]; bin != "" {
		return bin
	}
	return rt.Binary
}

func (h *HostExecutor) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	workDir, err := os.MkdirTemp("", "clawtasks-run-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	execCmd := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	execCmd.Dir = workDir
	execCmd.Env = append(hostBaseEnv(workDir), cmd.Env...)
	execCmd.Stdin = cmd.Stdin
	execCmd.Stdout = cmd.Stdout
	execCmd.Stderr = cmd.Stderr
	// Grandchildren holding the pipes open must not wedge Wait.
	execCmd.WaitDelay = 2 * time.Second

	if err := execCmd.Start(); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("start %s: %w", cmd.Argv[0], err)
	}
	return &hostProcess{cmd: execCmd, workDir: workDir}, nil
}

func hostBaseEnv(workDir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

type hostProcess struct {
	cmd     *exec.Cmd
	workDir string
}

func (p *hostProcess) Wait() (ExitStatus, error) {
	defer os.RemoveAll(p.workDir)

	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}, err
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return status, err
	}
	return status, nil
}

func (p *hostProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *hostProcess) Kill() error {
	return p.cmd.Process.Kill()
}
