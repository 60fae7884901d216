// Package doctor runs local diagnostics for a clawtasks installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawtasks/internal/config"
	"github.com/basket/clawtasks/internal/persistence"
	"github.com/basket/clawtasks/internal/sandbox"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

type check func(context.Context, *config.Config) CheckResult

// lookPath and pingDocker are swapped out by tests.
var (
	lookPath   = exec.LookPath
	pingDocker = func(ctx context.Context, cfg config.DockerConfig) error {
		d, err := sandbox.NewDockerExecutor(sandbox.DockerConfig{
			Images:      cfg.Images,
			MemoryMB:    cfg.MemoryMB,
			NetworkMode: cfg.Network,
			PidsLimit:   cfg.PidsLimit,
		})
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Ping(ctx)
	}
)

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkInterpreters,
		checkASTChecker,
		checkDocker,
		checkTelegram,
		checkTelemetryEndpoint,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  "Run `clawtasks init` to write a default config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Schema valid, %d tasks", total), Detail: cfg.DBPath}
}

// checkInterpreters verifies that each runtime's interpreter is on PATH for
// the host backend. The docker backend pulls images instead.
func checkInterpreters(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Interpreters", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Sandbox.Backend == "docker" {
		return CheckResult{Name: "Interpreters", Status: StatusSkip, Message: "docker backend selected"}
	}
	host := &sandbox.HostExecutor{Binaries: cfg.Sandbox.Binaries}
	var details, missing []string
	for _, name := range sandbox.RuntimeNames() {
		rt, _ := sandbox.LookupRuntime(name)
		bin := host.Binary(rt)
		path, err := lookPath(bin)
		if err != nil {
			missing = append(missing, name)
			details = append(details, fmt.Sprintf("%s: %s missing", name, bin))
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s", name, path))
	}
	detail := strings.Join(details, ", ")
	if len(missing) == len(sandbox.RuntimeNames()) {
		return CheckResult{Name: "Interpreters", Status: StatusFail, Message: "No interpreter found", Detail: detail}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Interpreters", Status: StatusWarn,
			Message: fmt.Sprintf("Runtimes unavailable: %s", strings.Join(missing, ", ")), Detail: detail}
	}
	return CheckResult{Name: "Interpreters", Status: StatusPass, Message: "All runtimes available", Detail: detail}
}

func checkASTChecker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Validator.ASTCheck {
		return CheckResult{Name: "AST Checker", Status: StatusSkip, Message: "Disabled"}
	}
	bin := cfg.Sandbox.Binaries[sandbox.RuntimePython]
	if bin == "" {
		bin = "python3"
	}
	if _, err := lookPath(bin); err != nil {
		return CheckResult{Name: "AST Checker", Status: StatusFail,
			Message: fmt.Sprintf("%s not found; python tasks will be rejected", bin)}
	}
	mode := "lenient"
	if cfg.Validator.StrictAST {
		mode = "strict"
	}
	return CheckResult{Name: "AST Checker", Status: StatusPass, Message: fmt.Sprintf("Enabled (%s) via %s", mode, bin)}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Sandbox.Backend != "docker" {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "host backend selected"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pingDocker(pingCtx, cfg.Sandbox.Docker); err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("Daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: "Daemon reachable"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Disabled"}
	}
	if cfg.Channels.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a token",
			Detail: "Set TELEGRAM_TOKEN or channels.telegram.token"}
	}
	if len(cfg.Channels.Telegram.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed chat ids; every notification will be dropped"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass,
		Message: fmt.Sprintf("%d allowed chats", len(cfg.Channels.Telegram.AllowedIDs))}
}

// checkTelemetryEndpoint resolves the OTLP collector host when tracing is
// exported over HTTP.
func checkTelemetryEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Disabled"}
	}
	if ex := cfg.Telemetry.Exporter; ex != "" && ex != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporter %q needs no network", ex)}
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusWarn,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("endpoint=%s, latency=%dms", endpoint, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("Collector %s resolved (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("endpoint=%s, addresses=%v", endpoint, addrs),
	}
}
