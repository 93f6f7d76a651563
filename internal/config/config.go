// Package config implements the layered configuration loader: defaults,
// then TOML file(s), then environment variables, then CLI overrides — in
// that precedence order, matching the teacher's NewDefaultConfig /
// LoadFromFile / applyEnvOverrides layering.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// ServerConfig is the ambient HTTP/WS listen configuration.
type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"required,gt=0"`
}

// LoggingConfig is the ambient arbor logging configuration.
type LoggingConfig struct {
	Output     []string `toml:"output"` // any of "console"/"stdout", "file"
	Level      string   `toml:"level"`
	TimeFormat string   `toml:"time_format"`
}

// TransportConfig controls the Evaluator Transport's auth and keepalive.
type TransportConfig struct {
	Token               string `toml:"token"`
	CertFile            string `toml:"cert_file"`
	KeyFile             string `toml:"key_file"`
	PingIntervalSeconds int    `toml:"ping_interval_seconds"`
	OpenTimeoutSeconds  int    `toml:"open_timeout_seconds"`
}

// QueueConfig carries the recognized queue options from spec.md §6.
type QueueConfig struct {
	MaxSubmit               int     `toml:"max_submit"`
	MaxRunning              int     `toml:"max_running"`
	MaxRuntimeSeconds       int     `toml:"max_runtime_seconds"`
	MinRealizationsRequired int     `toml:"min_realizations_required"`
	LongRunningFactor       float64 `toml:"long_running_factor"`
}

// DriverConfig names the queue driver and carries its opaque sub-options.
type DriverConfig struct {
	Type       string         `toml:"type" validate:"required,oneof=local lsf pbs slurm torque"`
	PollQPS    float64        `toml:"poll_qps"`
	SubOptions map[string]any `toml:"options"`
}

// SpoolConfig controls the output-transmitter spool.
type SpoolConfig struct {
	Dir            string `toml:"dir"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// Config is the complete, validated configuration surface.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Transport TransportConfig `toml:"transport"`
	Queue     QueueConfig     `toml:"queue"`
	Driver    DriverConfig    `toml:"driver"`
	Spool     SpoolConfig     `toml:"spool"`
}

// NewDefaultConfig returns the documented defaults from spec.md §6.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Logging: LoggingConfig{
			Output:     []string{"console"},
			Level:      "info",
			TimeFormat: "15:04:05.000",
		},
		Transport: TransportConfig{
			PingIntervalSeconds: 60,
			OpenTimeoutSeconds:  60,
		},
		Queue: QueueConfig{
			MaxSubmit:         2,
			MaxRunning:        0,
			LongRunningFactor: 1.25,
		},
		Driver: DriverConfig{Type: "local", PollQPS: 10},
		Spool: SpoolConfig{
			Dir:            os.TempDir() + "/ensemble-evaluator-spool",
			ResetOnStartup: true,
		},
	}
}

// LoadFromFile merges a TOML document at path into cfg, overwriting only
// the fields present in the file.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overlays environment variables of the form
// ENSEMBLEEVAL_<SECTION>_<FIELD> onto cfg, the same naming scheme the
// teacher's applyEnvOverrides uses for its own config sections.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENSEMBLEEVAL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ENSEMBLEEVAL_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ENSEMBLEEVAL_LOGGING_OUTPUT"); v != "" {
		cfg.Logging.Output = strings.Split(v, ",")
	}
	if v := os.Getenv("ENSEMBLEEVAL_TRANSPORT_TOKEN"); v != "" {
		cfg.Transport.Token = v
	}
	if v := os.Getenv("ENSEMBLEEVAL_QUEUE_MAX_SUBMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxSubmit = n
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_QUEUE_MAX_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRunning = n
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_QUEUE_MAX_RUNTIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRuntimeSeconds = n
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_QUEUE_MIN_REALIZATIONS_REQUIRED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MinRealizationsRequired = n
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_QUEUE_LONG_RUNNING_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Queue.LongRunningFactor = f
		}
	}
	if v := os.Getenv("ENSEMBLEEVAL_DRIVER_TYPE"); v != "" {
		cfg.Driver.Type = v
	}
}

// MaxRuntime returns the configured max runtime as a time.Duration, 0
// meaning disabled.
func (c *Config) MaxRuntime() time.Duration {
	return time.Duration(c.Queue.MaxRuntimeSeconds) * time.Second
}

// Validate runs struct-tag validation over the fully layered config.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// DeepClone returns a copy of cfg with its slice/map fields independently
// allocated, so mutating the clone never affects the original — the same
// guarantee the teacher's DeepCloneConfig provides.
func DeepClone(cfg *Config) *Config {
	clone := *cfg
	clone.Logging.Output = append([]string(nil), cfg.Logging.Output...)
	clone.Driver.SubOptions = make(map[string]any, len(cfg.Driver.SubOptions))
	for k, v := range cfg.Driver.SubOptions {
		clone.Driver.SubOptions[k] = v
	}
	return &clone
}
