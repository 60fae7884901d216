package validator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/clawtasks/internal/shared"
)

//go:embed checker/python_ast_check.py
var pythonASTChecker string

const responseSchemaJSON = `{
	"type": "object",
	"required": ["valid", "errors"],
	"properties": {
		"valid":  {"type": "boolean"},
		"errors": {"type": "array", "items": {"type": "string"}}
	}
}`

var responseSchema = shared.MustCompileSchema("validator-response.json", responseSchemaJSON)

const defaultCheckerTimeout = 5 * time.Second

// ProcessChecker runs an external program that reads a request on stdin
// and prints a {valid, errors} JSON document.
type ProcessChecker struct {
	Argv    []string
	Timeout time.Duration
	// Encode builds the stdin payload for code. Nil sends the raw source.
	Encode func(code string) ([]byte, error)
}

// NewPythonASTChecker checks python source with the embedded AST checker.
// strict additionally limits the top level to imports and def run(params).
func NewPythonASTChecker(binary string, strict bool, timeout time.Duration) *ProcessChecker {
	if binary == "" {
		binary = "python3"
	}
	return &ProcessChecker{
		Argv:    []string{binary, "-I", "-c", pythonASTChecker},
		Timeout: timeout,
		Encode: func(code string) ([]byte, error) {
			return json.Marshal(map[string]any{"code": code, "strict": strict})
		},
	}
}

func (c *ProcessChecker) Check(ctx context.Context, code string) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, errors.New("checker has no command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCheckerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := []byte(code)
	if c.Encode != nil {
		var err error
		if payload, err = c.Encode(code); err != nil {
			return Result{}, fmt.Errorf("encode checker request: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("checker timed out after %s", timeout)
		}
		return Result{}, fmt.Errorf("checker exited: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}

	raw := bytes.TrimSpace(outBuf.Bytes())
	if err := shared.ValidateJSON(responseSchema, raw); err != nil {
		return Result{}, fmt.Errorf("checker response: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode checker response: %w", err)
	}
	return res, nil
}
