// Package config loads the server configuration. Values are layered as
// built-in defaults, then an optional YAML file, then PBS_PLUS__ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/pbs-plus/plus-scheduler/internal/store/constants"
)

// ConfigPathEnvVar overrides the config file location when no path is given.
const ConfigPathEnvVar = "PLUS_SCHEDULER_CONFIG"

// EnvPrefix starts every environment override. Sections are separated by a
// double underscore: PBS_PLUS__SCHEDULER__MAX_WAIT=2m.
const EnvPrefix = "PBS_PLUS__"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Database     DatabaseConfig     `koanf:"database"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Worker       WorkerConfig       `koanf:"worker"`
	Events       EventsConfig       `koanf:"events"`
	Engine       EngineConfig       `koanf:"engine"`
	Control      ControlConfig      `koanf:"control"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Logging      LoggingConfig      `koanf:"logging"`
	Housekeeping HousekeepingConfig `koanf:"housekeeping"`
	LockFile     string             `koanf:"lock_file"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
	// Watch reschedules when another process writes the database.
	Watch bool `koanf:"watch"`
}

type SchedulerConfig struct {
	MaxWait  time.Duration `koanf:"max_wait"`
	MinWait  time.Duration `koanf:"min_wait"`
	IdleWait time.Duration `koanf:"idle_wait"`
	// Timezone overrides the application setting when not empty.
	Timezone string `koanf:"timezone"`
}

type WorkerConfig struct {
	StartPaused bool `koanf:"start_paused"`
	// ResumeInterrupted queues backups again that a shutdown aborted.
	ResumeInterrupted bool `koanf:"resume_interrupted"`
}

type EventsConfig struct {
	QueueSize        int           `koanf:"queue_size"`
	ProgressInterval time.Duration `koanf:"progress_interval"`
}

type EngineConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Env     []string `koanf:"env"`
}

type ControlConfig struct {
	SocketPath string `koanf:"socket_path"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

type LoggingConfig struct {
	Level        string `koanf:"level"`
	Syslog       bool   `koanf:"syslog"`
	OperationDir string `koanf:"operation_dir"`
}

type HousekeepingConfig struct {
	// Schedule is a standard five field cron expression.
	Schedule  string        `koanf:"schedule"`
	Retention time.Duration `koanf:"retention"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:  constants.DbFile,
			Watch: true,
		},
		Scheduler: SchedulerConfig{
			MaxWait:  5 * time.Minute,
			MinWait:  100 * time.Millisecond,
			IdleWait: time.Minute,
		},
		Worker: WorkerConfig{
			ResumeInterrupted: true,
		},
		Events: EventsConfig{
			QueueSize:        100,
			ProgressInterval: time.Second,
		},
		Engine: EngineConfig{
			Command: "duplicati-cli",
		},
		Control: ControlConfig{
			SocketPath: constants.ControlSocketPath,
		},
		Metrics: MetricsConfig{
			Address: constants.MetricsAddress,
		},
		Logging: LoggingConfig{
			Level:        "info",
			OperationDir: constants.OperationLogsPath,
		},
		Housekeeping: HousekeepingConfig{
			Schedule:  "30 3 * * *",
			Retention: 30 * 24 * time.Hour,
		},
		LockFile: constants.LockFilePath,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// sliceConfigPaths are split on commas when they arrive as a single string.
var sliceConfigPaths = []string{
	"engine.args",
	"engine.env",
}

// Load builds the configuration. An empty path falls back to
// PLUS_SCHEDULER_CONFIG and then the system config file; a missing file is
// not an error unless it was named explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}

	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	if _, err := os.Stat(constants.ConfigFile); err == nil {
		return constants.ConfigFile, nil
	}

	return "", nil
}

// envTransformFunc maps PBS_PLUS__SCHEDULER__MAX_WAIT to scheduler.max_wait.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		var parts []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.Path == "" {
		problems = append(problems, "database.path is empty")
	}
	if c.Scheduler.MinWait <= 0 {
		problems = append(problems, "scheduler.min_wait must be positive")
	}
	if c.Scheduler.MaxWait < c.Scheduler.MinWait {
		problems = append(problems, "scheduler.max_wait is shorter than scheduler.min_wait")
	}
	if c.Scheduler.IdleWait <= 0 {
		problems = append(problems, "scheduler.idle_wait must be positive")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}
	if c.Events.QueueSize <= 0 {
		problems = append(problems, "events.queue_size must be positive")
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		problems = append(problems, "engine.command is empty")
	}
	if c.Control.SocketPath == "" {
		problems = append(problems, "control.socket_path is empty")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		problems = append(problems, "metrics.address is empty")
	}
	if c.Housekeeping.Retention < 0 {
		problems = append(problems, "housekeeping.retention is negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the configured scheduler time zone, or nil when the
// application setting should be used.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil
	}
	return loc
}
