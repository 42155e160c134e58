// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the job scheduler service.
type ServiceConfig struct {
	Port              string        `yaml:"port" validate:"required,numeric"`
	MetricsPort       string        `yaml:"metricsPort" validate:"required,numeric"`
	APIKeyFile        string        `yaml:"apiKeyFile"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdownDrainWait" validate:"gte=0"` // Time to wait for load balancer to drain (0 to skip)
	RateLimit         float64       `yaml:"rateLimit" validate:"gte=0"`         // requests per second, 0 disables
	RateBurst         int           `yaml:"rateBurst" validate:"gte=1"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sample     SampleConfig     `yaml:"sample"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Docker     DockerConfig     `yaml:"docker"`
	Log        LogConfig        `yaml:"log"`
	Conditions ConditionsConfig `yaml:"conditions"`
}

// SchedulerConfig configures the authority.
type SchedulerConfig struct {
	MaxJobs             int           `yaml:"maxJobs" validate:"gte=1"`
	Retention           time.Duration `yaml:"retention" validate:"gte=0"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval" validate:"gt=0"`
}

// SampleConfig configures the sample task runner.
type SampleConfig struct {
	Steps            int           `yaml:"steps" validate:"gte=0"`
	StepInterval     time.Duration `yaml:"stepInterval" validate:"gt=0"`
	RescheduleOnStop bool          `yaml:"rescheduleOnStop"`
}

// DispatcherConfig configures lifecycle callback delivery.
type DispatcherConfig struct {
	BufferSize  int           `yaml:"bufferSize" validate:"gte=1"`
	Workers     int           `yaml:"workers" validate:"gte=1,lte=64"`
	HTTPTimeout time.Duration `yaml:"httpTimeout" validate:"gt=0"`
}

// DockerConfig configures the container runner.
type DockerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	StopTimeout time.Duration `yaml:"stopTimeout" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"gte=0"`
}

// ConditionsConfig is the initial device state.
type ConditionsConfig struct {
	Charging      bool   `yaml:"charging"`
	BatteryNotLow bool   `yaml:"batteryNotLow"`
	Idle          bool   `yaml:"idle"`
	StorageNotLow bool   `yaml:"storageNotLow"`
	Network       string `yaml:"network" validate:"oneof=none metered unmetered"`
}

// Default returns the built-in configuration.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		ShutdownDrainWait: 5 * time.Second,
		RateLimit:         50,
		RateBurst:         100,
		Scheduler: SchedulerConfig{
			MaxJobs:             100,
			Retention:           15 * time.Minute,
			MaintenanceInterval: time.Minute,
		},
		Sample: SampleConfig{
			Steps:            10,
			StepInterval:     time.Second,
			RescheduleOnStop: true,
		},
		Dispatcher: DispatcherConfig{
			BufferSize:  1000,
			Workers:     4,
			HTTPTimeout: 10 * time.Second,
		},
		Docker: DockerConfig{
			StopTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Conditions: ConditionsConfig{
			BatteryNotLow: true,
			StorageNotLow: true,
			Network:       "none",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// JOBSCHEDULER_CONFIG when path is empty) and the environment.
func Load(path string) (*ServiceConfig, error) {
	cfg := Default()

	if path == "" {
		path = GetEnv("JOBSCHEDULER_CONFIG", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays raw YAML onto cfg. Unknown keys are rejected.
func decode(raw []byte, cfg *ServiceConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *ServiceConfig) {
	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.MetricsPort = GetEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.APIKeyFile = GetEnv("API_KEY_FILE", cfg.APIKeyFile)
	cfg.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", cfg.ShutdownDrainWait)
	cfg.RateLimit = GetFloatEnv("API_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = GetIntEnv("API_RATE_BURST", cfg.RateBurst)

	cfg.Scheduler.MaxJobs = GetIntEnv("MAX_JOBS", cfg.Scheduler.MaxJobs)
	cfg.Scheduler.Retention = GetDurationEnv("JOB_RETENTION", cfg.Scheduler.Retention)
	cfg.Scheduler.MaintenanceInterval = GetDurationEnv("MAINTENANCE_INTERVAL", cfg.Scheduler.MaintenanceInterval)

	cfg.Sample.Steps = GetIntEnv("SAMPLE_STEPS", cfg.Sample.Steps)
	cfg.Sample.StepInterval = GetDurationEnv("SAMPLE_STEP_INTERVAL", cfg.Sample.StepInterval)
	cfg.Sample.RescheduleOnStop = GetBoolEnv("SAMPLE_RESCHEDULE_ON_STOP", cfg.Sample.RescheduleOnStop)

	cfg.Dispatcher.BufferSize = GetIntEnv("DISPATCHER_BUFFER_SIZE", cfg.Dispatcher.BufferSize)
	cfg.Dispatcher.Workers = GetIntEnv("DISPATCHER_WORKERS", cfg.Dispatcher.Workers)
	cfg.Dispatcher.HTTPTimeout = GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", cfg.Dispatcher.HTTPTimeout)

	cfg.Docker.Enabled = GetBoolEnv("DOCKER_ENABLED", cfg.Docker.Enabled)
	cfg.Docker.StopTimeout = GetDurationEnv("DOCKER_STOP_TIMEOUT", cfg.Docker.StopTimeout)

	cfg.Log.Level = GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = GetEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = GetIntEnv("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = GetIntEnv("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
}
