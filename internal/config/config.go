// Package config provides configuration types and defaults for tmrun.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/testmind-dev/tmrun/internal/flags"
	"github.com/testmind-dev/tmrun/internal/log"
)

// Config holds all configuration options for tmrun.
type Config struct {
	// DataDir holds the database and, unless overridden, run logs and storage roots.
	// Default: ~/.tmrun
	DataDir string `mapstructure:"data_dir"`

	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Specs     SpecsConfig     `mapstructure:"specs"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
	Flags     map[string]bool `mapstructure:"flags"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`         // listen address (default ":8787")
	CORSOrigins []string `mapstructure:"cors_origins"` // allowed origins; empty allows all
	// RateLimit is run submissions per second across the API; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// WorkspaceConfig controls where a run's working tree comes from.
type WorkspaceConfig struct {
	// LocalRepoRoot is used verbatim as the workspace when set (TM_LOCAL_REPO_ROOT).
	LocalRepoRoot string `mapstructure:"local_repo_root"`

	// LocalRepoPath is copied into a disposable workspace instead of cloning (TM_LOCAL_REPO_PATH).
	LocalRepoPath string `mapstructure:"local_repo_path"`

	// Reuse probes the parent of the process working directory for a checkout (TM_REUSE_WORKSPACE).
	Reuse bool `mapstructure:"reuse"`

	// SkipInstall skips the dependency install when node_modules exists (TM_SKIP_INSTALL).
	SkipInstall bool `mapstructure:"skip_install"`

	// InstallBrowsers runs "playwright install --with-deps" after dependencies (TM_INSTALL_BROWSERS).
	InstallBrowsers bool `mapstructure:"install_browsers"`

	// AllowLocalFallback uses the monorepo root when a project has no repo URL.
	AllowLocalFallback bool `mapstructure:"allow_local_fallback"`

	// MonorepoRoot is the local monorepo root. Default: the process working directory.
	MonorepoRoot string `mapstructure:"monorepo_root"`

	// TempDir is where disposable workspaces are created. Default: os.TempDir().
	TempDir string `mapstructure:"temp_dir"`
}

// SpecsConfig controls spec source resolution.
type SpecsConfig struct {
	Mode          string `mapstructure:"mode"`           // auto (default), local, repo (TM_SPECS_MODE)
	GeneratedRoot string `mapstructure:"generated_root"` // TM_GENERATED_ROOT
	CuratedRoot   string `mapstructure:"curated_root"`   // TM_CURATED_ROOT
	LocalSpecs    string `mapstructure:"local_specs"`    // TM_LOCAL_SPECS
	CleanDest     bool   `mapstructure:"clean_dest"`     // TM_CLEAN_DEST (default true)
}

// RunnerConfig controls execution of the test runner.
type RunnerConfig struct {
	// BaseURL is the default application URL (TM_BASE_URL). Empty derives it from the port.
	BaseURL string `mapstructure:"base_url"`

	// Port is the preferred port for the application's preview server (TM_PORT).
	Port int `mapstructure:"port"`

	// Workers is the runner worker count, a number or a percentage such as "50%" (PW_WORKERS).
	Workers string `mapstructure:"workers"`

	// MaxFailures stops the run after this many failures; 0 is unbounded (TM_MAX_FAILURES).
	MaxFailures int `mapstructure:"max_failures"`

	RunTimeoutMs        int `mapstructure:"run_timeout_ms"` // TM_RUN_TIMEOUT
	TestTimeoutMs       int `mapstructure:"test_timeout_ms"`
	ExpectTimeoutMs     int `mapstructure:"expect_timeout_ms"`
	ActionTimeoutMs     int `mapstructure:"action_timeout_ms"`
	NavigationTimeoutMs int `mapstructure:"navigation_timeout_ms"`
	WebServerTimeoutMs  int `mapstructure:"web_server_timeout_ms"`

	// WebServerCommand starts the application under test; "{port}" is replaced
	// with the allocated port.
	WebServerCommand string `mapstructure:"web_server_command"`

	// ReportRoot holds per-run log directories (TM_REPORT_ROOT). Default: <data_dir>/reports.
	ReportRoot string `mapstructure:"report_root"`

	DisableAllure bool `mapstructure:"disable_allure"` // TM_DISABLE_ALLURE

	// GeneratedOnly skips cloning and installing; specs and runtime live in RuntimeRoot.
	GeneratedOnly bool   `mapstructure:"generated_only"` // TM_GENERATED_ONLY
	RuntimeRoot   string `mapstructure:"runtime_root"`   // TM_RUNTIME_ROOT
}

// DefaultWebServerCommand serves a built Vite app on the allocated port.
const DefaultWebServerCommand = "npx vite preview --host 0.0.0.0 --port {port} --strictPort"

// RunTimeout returns the subprocess timeout.
func (r RunnerConfig) RunTimeout() time.Duration {
	return time.Duration(r.RunTimeoutMs) * time.Millisecond
}

// TasksConfig sizes the background task worker pool.
type TasksConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	MaxRetries int `mapstructure:"max_retries"`
}

// SecretsConfig holds the key for project secret encryption.
type SecretsConfig struct {
	// Key is a passphrase hashed into the AES-256 key (TM_SECRET_KEY).
	Key string `mapstructure:"key"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info (default), warn, error
}

// Spec source modes.
const (
	SpecsModeAuto  = "auto"
	SpecsModeLocal = "local"
	SpecsModeRepo  = "repo"
)

// DefaultDataDir returns ~/.tmrun, or ".tmrun" if the home dir is unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tmrun"
	}
	return filepath.Join(home, ".tmrun")
}

// DatabasePath returns the SQLite file location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tmrun.db")
}

// ReportRoot returns the configured report root or <data_dir>/reports.
func (c Config) ReportRoot() string {
	if c.Runner.ReportRoot != "" {
		return c.Runner.ReportRoot
	}
	return filepath.Join(c.DataDir, "reports")
}

// GeneratedRoot returns the configured generated root or <monorepo_root>/testmind-generated.
func (c Config) GeneratedRoot() string {
	if c.Specs.GeneratedRoot != "" {
		return c.Specs.GeneratedRoot
	}
	return filepath.Join(c.MonorepoRoot(), "testmind-generated")
}

// CuratedRoot returns the configured curated root or <monorepo_root>/testmind-curated.
func (c Config) CuratedRoot() string {
	if c.Specs.CuratedRoot != "" {
		return c.Specs.CuratedRoot
	}
	return filepath.Join(c.MonorepoRoot(), "testmind-curated")
}

// MonorepoRoot returns the configured monorepo root or the working directory.
func (c Config) MonorepoRoot() string {
	if c.Workspace.MonorepoRoot != "" {
		return c.Workspace.MonorepoRoot
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// DefaultTracesFilePath returns <data_dir>/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	return filepath.Join(DefaultDataDir(), "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Addr:      ":8787",
			RateLimit: 2,
			RateBurst: 5,
		},
		Workspace: WorkspaceConfig{
			InstallBrowsers: true,
		},
		Specs: SpecsConfig{
			Mode:      SpecsModeAuto,
			CleanDest: true,
		},
		Runner: RunnerConfig{
			Port:                4173,
			Workers:             "50%",
			RunTimeoutMs:        10 * 60 * 1000,
			TestTimeoutMs:       30_000,
			ExpectTimeoutMs:     10_000,
			ActionTimeoutMs:     15_000,
			NavigationTimeoutMs: 30_000,
			WebServerTimeoutMs:  120_000,
			WebServerCommand:    DefaultWebServerCommand,
		},
		Tasks: TasksConfig{
			Workers:    2,
			QueueSize:  100,
			MaxRetries: 2,
		},
		Tracing: TracingConfig{
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{Level: "info"},
		Flags: flags.Defaults(),
	}
}

var workersPattern = regexp.MustCompile(`^([1-9][0-9]*|[1-9][0-9]?%|100%)$`)

// Validate checks the whole configuration.
func Validate(c Config) error {
	if err := ValidateSpecs(c.Specs); err != nil {
		return err
	}
	if err := ValidateRunner(c.Runner); err != nil {
		return err
	}
	if err := ValidateTasks(c.Tasks); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", c.Log.Level)
	}
	return ValidateTracing(c.Tracing)
}

// ValidateSpecs checks spec source settings.
func ValidateSpecs(s SpecsConfig) error {
	switch s.Mode {
	case "", SpecsModeAuto, SpecsModeLocal, SpecsModeRepo:
		return nil
	default:
		return fmt.Errorf("specs.mode must be \"auto\", \"local\", or \"repo\", got %q", s.Mode)
	}
}

// ValidateRunner checks runner settings. Zero values use defaults.
func ValidateRunner(r RunnerConfig) error {
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("runner.port must be between 0 and 65535, got %d", r.Port)
	}
	if r.Workers != "" && !workersPattern.MatchString(r.Workers) {
		return fmt.Errorf("runner.workers must be a positive integer or a percentage, got %q", r.Workers)
	}
	if r.MaxFailures < 0 {
		return fmt.Errorf("runner.max_failures must not be negative, got %d", r.MaxFailures)
	}
	timeouts := map[string]int{
		"run_timeout_ms":        r.RunTimeoutMs,
		"test_timeout_ms":       r.TestTimeoutMs,
		"expect_timeout_ms":     r.ExpectTimeoutMs,
		"action_timeout_ms":     r.ActionTimeoutMs,
		"navigation_timeout_ms": r.NavigationTimeoutMs,
		"web_server_timeout_ms": r.WebServerTimeoutMs,
	}
	for key, v := range timeouts {
		if v < 0 {
			return fmt.Errorf("runner.%s must be positive, got %d", key, v)
		}
	}
	return nil
}

// ValidateTasks checks worker pool settings.
func ValidateTasks(t TasksConfig) error {
	if t.Workers < 0 {
		return fmt.Errorf("tasks.workers must not be negative, got %d", t.Workers)
	}
	if t.QueueSize < 0 {
		return fmt.Errorf("tasks.queue_size must not be negative, got %d", t.QueueSize)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative, got %d", t.MaxRetries)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# tmrun configuration
# Every key can also be set through its TM_* environment variable.

# Database, run logs and traces live here (default: ~/.tmrun)
# data_dir: ~/.tmrun

server:
  addr: ":8787"
  # cors_origins: ["http://localhost:5173"]
  rate_limit: 2      # run submissions per second, 0 disables
  rate_burst: 5

workspace:
  # local_repo_root: /path/to/checkout   # TM_LOCAL_REPO_ROOT, used verbatim
  # local_repo_path: /path/to/snapshot   # TM_LOCAL_REPO_PATH, copied instead of cloning
  reuse: false                           # TM_REUSE_WORKSPACE
  skip_install: false                    # TM_SKIP_INSTALL
  install_browsers: true                 # TM_INSTALL_BROWSERS, best effort
  allow_local_fallback: false

specs:
  mode: auto          # auto, local, repo (TM_SPECS_MODE)
  # generated_root: /srv/testmind-generated
  # curated_root: /srv/testmind-curated
  # local_specs: /path/to/specs
  clean_dest: true    # TM_CLEAN_DEST

runner:
  # base_url: http://localhost:4173      # TM_BASE_URL
  port: 4173                             # TM_PORT
  workers: "50%"                         # PW_WORKERS
  max_failures: 0                        # TM_MAX_FAILURES, 0 is unbounded
  run_timeout_ms: 600000                 # TM_RUN_TIMEOUT
  test_timeout_ms: 30000
  expect_timeout_ms: 10000
  action_timeout_ms: 15000
  navigation_timeout_ms: 30000
  web_server_timeout_ms: 120000
  web_server_command: "npx vite preview --host 0.0.0.0 --port {port} --strictPort"
  disable_allure: false                  # TM_DISABLE_ALLURE
  generated_only: false                  # TM_GENERATED_ONLY
  # runtime_root: /srv/tm-runtime        # TM_RUNTIME_ROOT

tasks:
  workers: 2
  queue_size: 100
  max_retries: 2

# secrets:
#   key: change-me                       # TM_SECRET_KEY

# tracing:
#   enabled: false
#   exporter: file                       # none, file, stdout, otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

log:
  level: info

flags:
  multi_framework: false
  live_preview: true
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
