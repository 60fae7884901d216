package validator_test

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawtasks/internal/validator"
)

type stubChecker struct {
	res   validator.Result
	err   error
	calls int
}

func (s *stubChecker) Check(context.Context, string) (validator.Result, error) {
	s.calls++
	return s.res, s.err
}

func TestValidate_EmptyCodeInvalid(t *testing.T) {
	v := validator.New(validator.Config{})
	res := v.Validate(context.Background(), "python", "   \n")
	if res.Valid {
		t.Fatal("expected empty code to be invalid")
	}
}

func TestValidate_DefaultDenylist(t *testing.T) {
	v := validator.New(validator.Config{})
	res := v.Validate(context.Background(), "python", "import os\nos.system('ls')\n")
	if res.Valid {
		t.Fatal("expected os import to be rejected")
	}
	if len(res.Errors) < 2 {
		t.Fatalf("expected one error per matched pattern, got %v", res.Errors)
	}

	res = v.Validate(context.Background(), "python", "print('hi')")
	if !res.Valid {
		t.Fatalf("expected plain print to pass, got %v", res.Errors)
	}
}

func TestValidate_DenylistIsPerRuntime(t *testing.T) {
	v := validator.New(validator.Config{Denylist: map[string][]string{
		"node": {"require("},
	}})
	if res := v.Validate(context.Background(), "NODE", "const fs = require('fs')"); res.Valid {
		t.Fatal("expected require to be rejected for node")
	}
	if res := v.Validate(context.Background(), "python", "require('fs')"); !res.Valid {
		t.Fatalf("python has no patterns configured, got %v", res.Errors)
	}
}

func TestSetDenylist_HotReload(t *testing.T) {
	v := validator.New(validator.Config{Denylist: map[string][]string{}})
	code := "x = 1  # forbidden-marker"
	if res := v.Validate(context.Background(), "python", code); !res.Valid {
		t.Fatalf("expected valid before reload, got %v", res.Errors)
	}
	v.SetDenylist(map[string][]string{"python": {"forbidden-marker", "  "}})
	if got := v.Denylist("python"); len(got) != 1 {
		t.Fatalf("blank patterns should be dropped, got %q", got)
	}
	if res := v.Validate(context.Background(), "python", code); res.Valid {
		t.Fatal("expected rejection after reload")
	}
}

func TestValidate_CheckerErrorFailsClosed(t *testing.T) {
	checker := &stubChecker{err: errors.New("boom")}
	v := validator.New(validator.Config{
		Denylist: map[string][]string{},
		Checkers: map[string]validator.Checker{"python": checker},
	})
	res := v.Validate(context.Background(), "python", "print(1)")
	if res.Valid {
		t.Fatal("checker error must yield invalid")
	}
	if !strings.Contains(res.Errors[0], "boom") {
		t.Fatalf("expected checker error in result, got %v", res.Errors)
	}
}

func TestValidate_DenylistShortCircuitsChecker(t *testing.T) {
	checker := &stubChecker{res: validator.Result{Valid: true}}
	v := validator.New(validator.Config{
		Denylist: map[string][]string{"python": {"eval("}},
		Checkers: map[string]validator.Checker{"python": checker},
	})
	if res := v.Validate(context.Background(), "python", "eval('1')"); res.Valid {
		t.Fatal("expected denylist rejection")
	}
	if checker.calls != 0 {
		t.Fatalf("checker should not run after a denylist hit, calls=%d", checker.calls)
	}
}

func TestValidate_CheckerInvalidWithoutErrors(t *testing.T) {
	v := validator.New(validator.Config{
		Denylist: map[string][]string{},
		Checkers: map[string]validator.Checker{"python": &stubChecker{res: validator.Result{Valid: false}}},
	})
	res := v.Validate(context.Background(), "python", "x = 1")
	if res.Valid || len(res.Errors) == 0 {
		t.Fatalf("expected invalid with a reason, got %+v", res)
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestProcessChecker_MalformedResponseFailsClosed(t *testing.T) {
	requireSh(t)
	checker := &validator.ProcessChecker{Argv: []string{"sh", "-c", `echo '{"valid": "yes"}'`}}
	if _, err := checker.Check(context.Background(), "x"); err == nil {
		t.Fatal("expected schema error for non-boolean valid")
	}

	checker = &validator.ProcessChecker{Argv: []string{"sh", "-c", "echo not json"}}
	if _, err := checker.Check(context.Background(), "x"); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
}

func TestProcessChecker_CrashFailsClosed(t *testing.T) {
	requireSh(t)
	checker := &validator.ProcessChecker{Argv: []string{"sh", "-c", "echo oops >&2; exit 3"}}
	_, err := checker.Check(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("expected crash error with stderr, got %v", err)
	}
}

func TestProcessChecker_Timeout(t *testing.T) {
	requireSh(t)
	checker := &validator.ProcessChecker{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	}
	start := time.Now()
	_, err := checker.Check(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestProcessChecker_ValidResponse(t *testing.T) {
	requireSh(t)
	checker := &validator.ProcessChecker{Argv: []string{"sh", "-c", `cat >/dev/null; echo '{"valid": true, "errors": []}'`}}
	res, err := checker.Check(context.Background(), "x = 1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, got %+v", res)
	}
}

func requirePython(t *testing.T) string {
	t.Helper()
	bin, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return bin
}

func TestPythonASTChecker(t *testing.T) {
	bin := requirePython(t)
	lenient := validator.NewPythonASTChecker(bin, false, 10*time.Second)
	strict := validator.NewPythonASTChecker(bin, true, 10*time.Second)
	ctx := context.Background()

	cases := []struct {
		name        string
		checker     *validator.ProcessChecker
		code        string
		wantValid   bool
		errContains string
	}{
		{"plain statement lenient", lenient, "print('hi')", true, ""},
		{"plain statement strict", strict, "print('hi')", false, "only imports"},
		{"run function strict", strict, "import math\n\ndef run(params):\n    return math.sqrt(4)\n", true, ""},
		{"disallowed import", lenient, "import socket\n", false, "socket"},
		{"disallowed from import", lenient, "from pathlib import Path\n", false, "pathlib"},
		{"forbidden call", lenient, "def run(params):\n    return eval('1')\n", false, "eval"},
		{"forbidden attribute call", lenient, "def run(params):\n    params.system('x')\n", false, ".system"},
		{"wrong run signature", strict, "def run(a, b):\n    return 1\n", false, "params"},
		{"syntax error", lenient, "def (:\n", false, "syntax"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.checker.Check(ctx, tc.code)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if res.Valid != tc.wantValid {
				t.Fatalf("valid=%v want %v (errors %v)", res.Valid, tc.wantValid, res.Errors)
			}
			if tc.errContains != "" && !strings.Contains(strings.Join(res.Errors, "\n"), tc.errContains) {
				t.Fatalf("errors %v do not mention %q", res.Errors, tc.errContains)
			}
		})
	}
}
