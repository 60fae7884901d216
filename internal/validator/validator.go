// Package validator performs the pre-flight static check on executable task
// source. It is coarse defence in depth, not an isolation boundary: the
// denylist is plain substring matching and every failure mode is fail-closed.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Result is the outcome of a check.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Errors: []string{fmt.Sprintf(format, args...)}}
}

// Checker is an additional per-runtime check, typically an external process.
type Checker interface {
	Check(ctx context.Context, code string) (Result, error)
}

// DefaultDenylist is applied when no configuration overrides it.
var DefaultDenylist = map[string][]string{
	"python": {
		"import os", "from os", "import sys", "from sys",
		"import subprocess", "from subprocess", "import shutil", "from shutil",
		"import socket", "import ctypes", "__import__", "__builtins__", "__subclasses__",
		"os.system", "os.popen", "eval(", "exec(", "open(",
	},
	"node": {
		"require(", "child_process", "process.exit", "process.env", "eval(",
		"Function(", "import(",
	},
}

type Config struct {
	// Denylist maps runtime name to forbidden substrings. Nil uses DefaultDenylist.
	Denylist map[string][]string
	// Checkers maps runtime name to an extra checker run after the denylist.
	Checkers map[string]Checker
	Logger   *slog.Logger
}

// Validator is safe for concurrent use; the denylist can be swapped at runtime.
type Validator struct {
	mu       sync.RWMutex
	denylist map[string][]string
	checkers map[string]Checker
	logger   *slog.Logger
}

func New(cfg Config) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		checkers: cfg.Checkers,
		logger:   logger,
	}
	if cfg.Denylist == nil {
		v.SetDenylist(DefaultDenylist)
	} else {
		v.SetDenylist(cfg.Denylist)
	}
	return v
}

// SetDenylist replaces the per-runtime denylist. Used by config hot reload.
func (v *Validator) SetDenylist(list map[string][]string) {
	cp := make(map[string][]string, len(list))
	for rt, patterns := range list {
		var clean []string
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" {
				clean = append(clean, p)
			}
		}
		cp[strings.ToLower(rt)] = clean
	}
	v.mu.Lock()
	v.denylist = cp
	v.mu.Unlock()
}

// Denylist returns a copy of the active patterns for runtime.
func (v *Validator) Denylist(runtime string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.denylist[strings.ToLower(runtime)]...)
}

// Validate checks code for runtime. Checker errors, including timeouts and
// malformed responses, yield an invalid result.
func (v *Validator) Validate(ctx context.Context, runtime, code string) Result {
	runtime = strings.ToLower(strings.TrimSpace(runtime))
	if strings.TrimSpace(code) == "" {
		return invalid("empty code")
	}

	var errs []string
	for _, pattern := range v.Denylist(runtime) {
		if strings.Contains(code, pattern) {
			errs = append(errs, fmt.Sprintf("forbidden pattern %q", pattern))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return Result{Valid: false, Errors: errs}
	}

	checker, ok := v.checkers[runtime]
	if !ok || checker == nil {
		return Result{Valid: true}
	}
	res, err := checker.Check(ctx, code)
	if err != nil {
		v.logger.Warn("validator: checker failed, rejecting", "runtime", runtime, "error", err)
		return invalid("checker failed: %v", err)
	}
	if !res.Valid && len(res.Errors) == 0 {
		res.Errors = []string{"rejected by checker"}
	}
	if res.Valid {
		res.Errors = nil
	}
	return res
}
