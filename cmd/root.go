package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/testmind-dev/tmrun/internal/config"
	"github.com/testmind-dev/tmrun/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

// annotationStderrLog marks commands that log to stderr when not debugging.
const annotationStderrLog = "tmrun/stderr-log"

// envBindings maps config keys to the environment variables the runner
// has always honored.
var envBindings = map[string]string{
	"data_dir":                       "TM_DATA_DIR",
	"workspace.skip_install":         "TM_SKIP_INSTALL",
	"workspace.reuse":                "TM_REUSE_WORKSPACE",
	"workspace.install_browsers":     "TM_INSTALL_BROWSERS",
	"workspace.local_repo_root":      "TM_LOCAL_REPO_ROOT",
	"workspace.local_repo_path":      "TM_LOCAL_REPO_PATH",
	"workspace.allow_local_fallback": "TM_ALLOW_LOCAL_FALLBACK",
	"runner.base_url":                "TM_BASE_URL",
	"runner.port":                    "TM_PORT",
	"runner.workers":                 "PW_WORKERS",
	"runner.max_failures":            "TM_MAX_FAILURES",
	"runner.run_timeout_ms":          "TM_RUN_TIMEOUT",
	"runner.report_root":             "TM_REPORT_ROOT",
	"runner.disable_allure":          "TM_DISABLE_ALLURE",
	"runner.generated_only":          "TM_GENERATED_ONLY",
	"runner.runtime_root":            "TM_RUNTIME_ROOT",
	"specs.mode":                     "TM_SPECS_MODE",
	"specs.generated_root":           "TM_GENERATED_ROOT",
	"specs.curated_root":             "TM_CURATED_ROOT",
	"specs.local_specs":              "TM_LOCAL_SPECS",
	"specs.clean_dest":               "TM_CLEAN_DEST",
	"secrets.key":                    "TM_SECRET_KEY",
	"log.level":                      "TM_LOG_LEVEL",
}

var rootCmd = &cobra.Command{
	Use:   "tmrun",
	Short: "Run generated Playwright suites against project repositories",
	Long: `tmrun accepts test run requests, prepares an isolated workspace for the
project, installs its dependencies, stages generated specs, executes the
test runner and records per-test results.

Start the API with 'tmrun serve' or execute a single run with 'tmrun run'.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .tmrun/config.yaml, then ~/.config/tmrun/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also TMRUN_DEBUG; file from TMRUN_LOG)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the database and run logs")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	setDefaults(viper.GetViper(), config.Defaults())
	for key, env := range envBindings {
		_ = viper.BindEnv(key, env)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .tmrun/config.yaml (current directory)
		// 2. ~/.config/tmrun/config.yaml (user config)
		if _, err := os.Stat(".tmrun/config.yaml"); err == nil {
			viper.SetConfigFile(".tmrun/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tmrun"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// First run: leave a commented template in the user config dir.
			if defaultPath := userConfigPath(); defaultPath != "" {
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("specs.mode", d.Specs.Mode)
	v.SetDefault("specs.clean_dest", d.Specs.CleanDest)
	v.SetDefault("runner.port", d.Runner.Port)
	v.SetDefault("runner.workers", d.Runner.Workers)
	v.SetDefault("runner.run_timeout_ms", d.Runner.RunTimeoutMs)
	v.SetDefault("runner.test_timeout_ms", d.Runner.TestTimeoutMs)
	v.SetDefault("runner.expect_timeout_ms", d.Runner.ExpectTimeoutMs)
	v.SetDefault("runner.action_timeout_ms", d.Runner.ActionTimeoutMs)
	v.SetDefault("runner.navigation_timeout_ms", d.Runner.NavigationTimeoutMs)
	v.SetDefault("runner.web_server_timeout_ms", d.Runner.WebServerTimeoutMs)
	v.SetDefault("runner.web_server_command", d.Runner.WebServerCommand)
	v.SetDefault("tasks.workers", d.Tasks.Workers)
	v.SetDefault("tasks.queue_size", d.Tasks.QueueSize)
	v.SetDefault("tasks.max_retries", d.Tasks.MaxRetries)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("log.level", d.Log.Level)
	for name, on := range d.Flags {
		v.SetDefault("flags."+name, on)
	}
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tmrun", "config.yaml")
}

// configPath is where `config set` writes.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if p := userConfigPath(); p != "" {
		return p
	}
	return ".tmrun/config.yaml"
}

// setup validates the loaded config and initializes logging.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return initLogging(cmd)
}

var logCleanup = func() {}

func initLogging(cmd *cobra.Command) error {
	debug := os.Getenv("TMRUN_DEBUG") != "" || debugFlag
	switch {
	case debug:
		logPath := os.Getenv("TMRUN_LOG")
		if logPath == "" {
			logPath = "tmrun.log"
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
		log.SetMinLevel(log.LevelDebug)
		log.Info(log.CatConfig, "tmrun starting", "debug", true, "logPath", logPath, "config", viper.ConfigFileUsed())
	case cmd.Annotations[annotationStderrLog] == "true":
		log.InitWriter(cmd.ErrOrStderr())
		log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	default:
		log.SetEnabled(false)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	defer func() { logCleanup() }()
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
