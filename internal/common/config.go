package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production" - controls fault injection defaults
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Executor    ExecutorConfig  `toml:"executor"`
	Quota       QuotaConfig     `toml:"quota"`
	Visual      VisualConfig    `toml:"visual"`
	Healing     HealingConfig   `toml:"healing"`
	Settings    SettingsConfig  `toml:"settings"`
	Load        LoadConfig      `toml:"load"`
	Reports     ReportsConfig   `toml:"reports"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger    BadgerConfig    `toml:"badger"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Baselines BaselinesConfig `toml:"baselines"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	SyncWrites     bool   `toml:"sync_writes"`      // fsync every commit so run transitions survive a crash
}

// ArtifactsConfig controls where screenshots, diffs, videos and traces are written
type ArtifactsConfig struct {
	Dir string `toml:"dir"`
}

// BaselinesConfig controls where accepted baseline images are written
type BaselinesConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// BrowserConfig contains chromedp launch and capture settings
type BrowserConfig struct {
	Headless           bool          `toml:"headless"`
	NoSandbox          bool          `toml:"no_sandbox"`
	DisableGPU         bool          `toml:"disable_gpu"`
	UserAgent          string        `toml:"user_agent"`
	ExecPath           string        `toml:"exec_path"`            // Optional Chrome binary path
	LaunchTimeout      time.Duration `toml:"launch_timeout"`       // Browser startup timeout
	ActionTimeout      time.Duration `toml:"action_timeout"`       // Per driver action timeout
	MaxFullPagePixels  int64         `toml:"max_full_page_pixels"` // Above this a full-page capture degrades to viewport-only
	MaxConsoleEntries  int           `toml:"max_console_entries"`
	MaxNetworkEntries  int           `toml:"max_network_entries"`
	FallbackToChromium bool          `toml:"fallback_to_chromium"` // firefox/webkit requests run on chromium instead of failing
	ScreenshotFormat   string        `toml:"screenshot_format"`    // "png" or "webp"
	CrashDumpHTMLLimit int           `toml:"crash_dump_html_limit"`
}

// ExecutorConfig contains orchestrator settings
type ExecutorConfig struct {
	Concurrency           int           `toml:"concurrency"`             // Runs executing at the same time (one worker per run)
	PauseIdleTimeout      time.Duration `toml:"pause_idle_timeout"`      // Paused longer than this releases the browser
	StepTimeout           time.Duration `toml:"step_timeout"`            // Upper bound for a single step
	FaultInjectionEnabled bool          `toml:"fault_injection_enabled"` // Honour per-run fault injection toggles
	QueueName             string        `toml:"queue_name"`
	VisibilityTimeout     time.Duration `toml:"visibility_timeout"` // Unacknowledged runs are redelivered after this
	MaxReceive            int           `toml:"max_receive"`        // Deliveries before a run message is dropped
	PollInterval          time.Duration `toml:"poll_interval"`
}

// QuotaConfig contains storage quota settings
type QuotaConfig struct {
	DefaultOrgBytes   int64         `toml:"default_org_bytes"` // Negative means unlimited
	LeaseTTL          time.Duration `toml:"lease_ttl"`         // Reservations without commit expire after this
	SweepSchedule     string        `toml:"sweep_schedule"`
	ReconcileSchedule string        `toml:"reconcile_schedule"`
}

// VisualConfig holds the visual regression defaults used when a project has no override
type VisualConfig struct {
	DiffThreshold      float64 `toml:"diff_threshold"`  // Percent of compared pixels allowed to differ
	ColorTolerance     int     `toml:"color_tolerance"` // Summed per-channel delta (0-1020)
	DiffColor          string  `toml:"diff_color"`      // Hex, e.g. "#ff00ff"
	AutoCreateBaseline bool    `toml:"auto_create_baseline"`
	FullPage           bool    `toml:"full_page"`
}

// HealingConfig holds the selector healing defaults used when a project has no override
type HealingConfig struct {
	Enabled            bool     `toml:"enabled"`
	Strategies         []string `toml:"strategies"`
	AutoHealThreshold  float64  `toml:"auto_heal_threshold"`
	MinCandidateScore  float64  `toml:"min_candidate_score"`
	CalibrationEnabled bool     `toml:"calibration_enabled"`
	SnapshotHTMLLimit  int      `toml:"snapshot_html_limit"`
}

// SettingsConfig points at the per-project / per-organization settings directory
type SettingsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// LoadConfig contains load runner limits
type LoadConfig struct {
	MaxVUs         int           `toml:"max_vus"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	MaxDuration    time.Duration `toml:"max_duration"`
}

// ReportsConfig controls the run report artifact written at finalisation
type ReportsConfig struct {
	Enabled bool     `toml:"enabled"`
	Formats []string `toml:"formats"` // "markdown", "html", "pdf"
}

// WebSocketConfig contains configuration for the run event stream
type WebSocketConfig struct {
	Enabled       bool          `toml:"enabled"`
	Path          string        `toml:"path"`
	AllowedEvents []string      `toml:"allowed_events"` // Empty list allows all events
	SendBuffer    int           `toml:"send_buffer"`    // Frames queued per client before it is dropped
	WriteTimeout  time.Duration `toml:"write_timeout"`  // Per frame write deadline
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:       "./data/db",
				SyncWrites: true,
			},
			Artifacts: ArtifactsConfig{
				Dir: "./data/artifacts",
			},
			Baselines: BaselinesConfig{
				Dir: "./data/baselines",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			Headless:           true,
			NoSandbox:          true,
			DisableGPU:         true,
			UserAgent:          "QA-Guardian/1.0",
			LaunchTimeout:      30 * time.Second,
			ActionTimeout:      15 * time.Second,
			MaxFullPagePixels:  1920 * 20000,
			MaxConsoleEntries:  2000,
			MaxNetworkEntries:  5000,
			FallbackToChromium: true,
			ScreenshotFormat:   "png",
			CrashDumpHTMLLimit: 512 * 1024,
		},
		Executor: ExecutorConfig{
			Concurrency:           4,
			PauseIdleTimeout:      5 * time.Minute,
			StepTimeout:           2 * time.Minute,
			FaultInjectionEnabled: false,
			QueueName:             "qa_runs",
			VisibilityTimeout:     30 * time.Minute,
			MaxReceive:            3,
			PollInterval:          time.Second,
		},
		Quota: QuotaConfig{
			DefaultOrgBytes:   1 << 30, // 1 GiB
			LeaseTTL:          5 * time.Minute,
			SweepSchedule:     "@every 1m",
			ReconcileSchedule: "@every 1h",
		},
		Visual: VisualConfig{
			DiffThreshold:      0.1,
			ColorTolerance:     30,
			DiffColor:          "#ff00ff",
			AutoCreateBaseline: true,
			FullPage:           true,
		},
		Healing: HealingConfig{
			Enabled:            true,
			Strategies:         []string{"test-id", "role-name", "text", "stable-ancestor", "visual-position"},
			AutoHealThreshold:  0.8,
			MinCandidateScore:  0.3,
			CalibrationEnabled: true,
			SnapshotHTMLLimit:  2 * 1024 * 1024,
		},
		Settings: SettingsConfig{
			Dir:   "./settings",
			Watch: true,
		},
		Load: LoadConfig{
			MaxVUs:         200,
			RequestTimeout: 30 * time.Second,
			MaxDuration:    30 * time.Minute,
		},
		Reports: ReportsConfig{
			Enabled: false,
			Formats: []string{"markdown"},
		},
		WebSocket: WebSocketConfig{
			Enabled:      true,
			Path:         "/ws",
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal merges into the existing values
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QAG_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("QAG_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("QAG_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("QAG_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if artifactsDir := os.Getenv("QAG_ARTIFACTS_DIR"); artifactsDir != "" {
		config.Storage.Artifacts.Dir = artifactsDir
	}
	if baselinesDir := os.Getenv("QAG_BASELINES_DIR"); baselinesDir != "" {
		config.Storage.Baselines.Dir = baselinesDir
	}

	if level := os.Getenv("QAG_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("QAG_LOG_OUTPUT"); output != "" {
		var outputs []string
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if headless := os.Getenv("QAG_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if execPath := os.Getenv("QAG_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	if concurrency := os.Getenv("QAG_EXECUTOR_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Executor.Concurrency = c
		}
	}
	if faults := os.Getenv("QAG_FAULT_INJECTION"); faults != "" {
		if b, err := strconv.ParseBool(faults); err == nil {
			config.Executor.FaultInjectionEnabled = b
		}
	}

	if quota := os.Getenv("QAG_QUOTA_DEFAULT_ORG_BYTES"); quota != "" {
		if q, err := strconv.ParseInt(quota, 10, 64); err == nil {
			config.Quota.DefaultOrgBytes = q
		}
	}

	if settingsDir := os.Getenv("QAG_SETTINGS_DIR"); settingsDir != "" {
		config.Settings.Dir = settingsDir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail much later at runtime
func (c *Config) Validate() error {
	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor.concurrency must be greater than 0, got: %d", c.Executor.Concurrency)
	}
	if c.Healing.AutoHealThreshold < 0 || c.Healing.AutoHealThreshold > 1 {
		return fmt.Errorf("healing.auto_heal_threshold must be within [0,1], got: %v", c.Healing.AutoHealThreshold)
	}
	if c.Visual.DiffThreshold < 0 || c.Visual.DiffThreshold > 100 {
		return fmt.Errorf("visual.diff_threshold must be within [0,100], got: %v", c.Visual.DiffThreshold)
	}
	if err := ValidateSchedule(c.Quota.SweepSchedule); err != nil {
		return fmt.Errorf("quota.sweep_schedule: %w", err)
	}
	if err := ValidateSchedule(c.Quota.ReconcileSchedule); err != nil {
		return fmt.Errorf("quota.reconcile_schedule: %w", err)
	}
	switch c.Browser.ScreenshotFormat {
	case "png", "webp":
	default:
		return fmt.Errorf("browser.screenshot_format must be png or webp, got: %s", c.Browser.ScreenshotFormat)
	}
	return nil
}

// ValidateSchedule validates a cron expression (standard 5 fields or @every/@hourly descriptors)
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// FaultInjectionAllowed reports whether per-run fault toggles are honoured.
// Production never honours them.
func (c *Config) FaultInjectionAllowed() bool {
	return c.Executor.FaultInjectionEnabled && !c.IsProduction()
}
