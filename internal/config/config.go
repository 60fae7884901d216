package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawtasks/internal/otel"
)

type TasksConfig struct {
	DefaultRuntime        string `yaml:"default_runtime"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	// VerifyOnCreate runs executable tasks once before accepting them.
	VerifyOnCreate bool `yaml:"verify_on_create"`
}

type DockerConfig struct {
	Images    map[string]string `yaml:"images"` // runtime name → image
	MemoryMB  int64             `yaml:"memory_mb"`
	Network   string            `yaml:"network"`
	PidsLimit int64             `yaml:"pids_limit"`
}

type SandboxConfig struct {
	// Backend is "host" (local interpreters) or "docker".
	Backend        string            `yaml:"backend"`
	CaptureLimitMB int               `yaml:"capture_limit_mb"`
	Binaries       map[string]string `yaml:"binaries"` // runtime name → interpreter path
	Docker         DockerConfig      `yaml:"docker"`
}

type ValidatorConfig struct {
	// Denylist replaces the built-in patterns per runtime when set.
	Denylist map[string][]string `yaml:"denylist"`
	// ASTCheck enables the python AST checker.
	ASTCheck bool `yaml:"ast_check"`
	// StrictAST limits python top level to imports and def run(params).
	StrictAST             bool `yaml:"strict_ast"`
	CheckerTimeoutSeconds int  `yaml:"checker_timeout_seconds"`
}

type GatewayConfig struct {
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
	// AllowOrigins lists browser origins accepted on /ws. Empty means
	// same-host only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	AuthToken           string `yaml:"auth_token"`
	DBPath              string `yaml:"db_path"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Tasks     TasksConfig     `yaml:"tasks"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Validator ValidatorConfig `yaml:"validator"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry otel.Config     `yaml:"telemetry"`

	// Missing is set when config.yaml did not exist and defaults were used.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Tasks.DefaultTimeoutSeconds) * time.Second
}

func (c Config) CheckerTimeout() time.Duration {
	return time.Duration(c.Validator.CheckerTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect behaviour.
// Secrets contribute only whether they are set.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|auth=%t|db=%s|poll=%d|runtime=%s|timeout=%d|verify=%t|backend=%s|capture=%d|ast=%t/%t|rate=%g/%d|tg=%t",
		c.BindAddr, c.LogLevel, c.AuthToken != "", c.DBPath, c.PollIntervalSeconds,
		c.Tasks.DefaultRuntime, c.Tasks.DefaultTimeoutSeconds, c.Tasks.VerifyOnCreate,
		c.Sandbox.Backend, c.Sandbox.CaptureLimitMB, c.Validator.ASTCheck, c.Validator.StrictAST,
		c.Gateway.RateLimitPerSecond, c.Gateway.RateLimitBurst, c.Channels.Telegram.Enabled)
	runtimes := make([]string, 0, len(c.Validator.Denylist))
	for rt := range c.Validator.Denylist {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)
	for _, rt := range runtimes {
		fmt.Fprintf(h, "|deny:%s=%s", rt, strings.Join(c.Validator.Denylist[rt], "\x00"))
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		PollIntervalSeconds: 60,
		DrainTimeoutSeconds: 10,
		Tasks: TasksConfig{
			DefaultRuntime:        "python",
			DefaultTimeoutSeconds: 30,
			VerifyOnCreate:        true,
		},
		Sandbox: SandboxConfig{
			Backend:        "host",
			CaptureLimitMB: 5,
			Docker: DockerConfig{
				MemoryMB:  256,
				Network:   "none",
				PidsLimit: 64,
			},
		},
		Validator: ValidatorConfig{
			ASTCheck:              true,
			CheckerTimeoutSeconds: 5,
		},
		Gateway: GatewayConfig{
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "clawtasks",
			SampleRate:  1,
		},
	}
}

// HomeDir returns CLAWTASKS_HOME or ~/.clawtasks.
func HomeDir() string {
	if override := os.Getenv("CLAWTASKS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawtasks")
}

// Load reads the configuration from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// environment overrides and normalization.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawtasks home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to <homeDir>/config.yaml
// unless the file already exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create clawtasks home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawtasks.db")
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	cfg.Tasks.DefaultRuntime = strings.ToLower(strings.TrimSpace(cfg.Tasks.DefaultRuntime))
	if cfg.Tasks.DefaultRuntime == "" {
		cfg.Tasks.DefaultRuntime = "python"
	}
	if cfg.Tasks.DefaultTimeoutSeconds <= 0 {
		cfg.Tasks.DefaultTimeoutSeconds = 30
	}
	cfg.Sandbox.Backend = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Backend))
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "host"
	}
	if cfg.Sandbox.CaptureLimitMB <= 0 {
		cfg.Sandbox.CaptureLimitMB = 5
	}
	if cfg.Validator.CheckerTimeoutSeconds <= 0 {
		cfg.Validator.CheckerTimeoutSeconds = 5
	}
	if cfg.Gateway.RateLimitPerSecond <= 0 {
		cfg.Gateway.RateLimitPerSecond = 10
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = 20
	}
	if cfg.Channels.Telegram.Token != "" && !cfg.Channels.Telegram.Enabled {
		cfg.Channels.Telegram.Enabled = true
	}
}

func validate(cfg Config) error {
	switch cfg.Sandbox.Backend {
	case "host", "docker":
	default:
		return fmt.Errorf("sandbox.backend %q: must be host or docker", cfg.Sandbox.Backend)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", cfg.LogLevel)
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWTASKS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWTASKS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWTASKS_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWTASKS_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CLAWTASKS_SANDBOX_BACKEND"); raw != "" {
		cfg.Sandbox.Backend = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
