package sandbox

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed harness/python_harness.py
var pythonHarness string

//go:embed harness/node_harness.js
var nodeHarness string

// Runtime describes how to start a fresh interpreter running the harness.
type Runtime struct {
	Name string
	// Binary is the interpreter looked up on PATH by the host executor.
	Binary string
	// Image is the container image used by the docker executor.
	Image string
	argv  func(binary string) []string
}

// Argv returns the command line that runs the harness under binary.
func (r Runtime) Argv(binary string) []string {
	if binary == "" {
		binary = r.Binary
	}
	return r.argv(binary)
}

const (
	RuntimePython = "python"
	RuntimeNode   = "node"
)

var builtinRuntimes = map[string]Runtime{
	RuntimePython: {
		Name:   RuntimePython,
		Binary: "python3",
		Image:  "python:3.12-alpine",
		argv: func(bin string) []string {
			return []string{bin, "-I", "-S", "-c", pythonHarness}
		},
	},
	RuntimeNode: {
		Name:   RuntimeNode,
		Binary: "node",
		Image:  "node:22-alpine",
		argv: func(bin string) []string {
			return []string{bin, "-e", nodeHarness}
		},
	},
}

// LookupRuntime returns the built-in runtime with the given name.
func LookupRuntime(name string) (Runtime, error) {
	rt, ok := builtinRuntimes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Runtime{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownRuntime, name, strings.Join(RuntimeNames(), ", "))
	}
	return rt, nil
}

// RuntimeNames lists the built-in runtimes in sorted order.
func RuntimeNames() []string {
	names := make([]string, 0, len(builtinRuntimes))
	for name := range builtinRuntimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
