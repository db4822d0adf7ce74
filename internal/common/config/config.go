// Package config provides configuration management for agentplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentplane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Health    HealthConfig    `mapstructure:"health"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Retention RetentionConfig `mapstructure:"retention"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" (default) uses Path; driver "postgres" uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	StopTimeout    int    `mapstructure:"stopTimeout"` // in seconds
}

// RuntimeConfig holds task runtime fleet configuration.
type RuntimeConfig struct {
	Image               string `mapstructure:"image"`
	MaxParallelRuns     int    `mapstructure:"maxParallelRuns"`
	MaxRuntimes         int    `mapstructure:"maxRuntimes"`         // global scale-out cap
	IdleTimeoutMinutes  int    `mapstructure:"idleTimeoutMinutes"`  // idle scale-down threshold
	MinWarmRuntimes     int    `mapstructure:"minWarmRuntimes"`     // never scale below this
	StartWindowSeconds  int    `mapstructure:"startWindowSeconds"`  // scale-out gating window
	MaxStartsPerWindow  int    `mapstructure:"maxStartsPerWindow"`  // start attempts per window
	MaxFailedStarts     int    `mapstructure:"maxFailedStarts"`     // failed starts per window
	CooldownSeconds     int    `mapstructure:"cooldownSeconds"`     // dispatcher pause on saturation
	DrainIntervalSecs   int    `mapstructure:"drainIntervalSecs"`   // queue drainer tick
	WorkspaceBasePath   string `mapstructure:"workspaceBasePath"`   // host path for runtime workspaces
	RuntimeHomeBasePath string `mapstructure:"runtimeHomeBasePath"` // host path for runtime homes
}

// ListenerConfig holds event listener configuration.
type ListenerConfig struct {
	PollIntervalSeconds  int `mapstructure:"pollIntervalSeconds"`
	ProbeTimeoutSeconds  int `mapstructure:"probeTimeoutSeconds"`
	BackoffInitialMillis int `mapstructure:"backoffInitialMillis"`
	BackoffMaxSeconds    int `mapstructure:"backoffMaxSeconds"`
	BacklogPageSize      int `mapstructure:"backlogPageSize"`
	DiffThrottleMillis   int `mapstructure:"diffThrottleMillis"`
	ToolThrottleMillis   int `mapstructure:"toolThrottleMillis"`
}

// HealthConfig holds health supervisor configuration.
type HealthConfig struct {
	ProbeIntervalSeconds     int    `mapstructure:"probeIntervalSeconds"`
	HeartbeatStaleSeconds    int    `mapstructure:"heartbeatStaleSeconds"`
	ProbeFailureThreshold    int    `mapstructure:"probeFailureThreshold"`
	RestartLimit             int    `mapstructure:"restartLimit"`
	RemediationCooldownSecs  int    `mapstructure:"remediationCooldownSecs"`
	UnhealthyAction          string `mapstructure:"unhealthyAction"` // restart, recreate, quarantine
	ReadinessDegradeRatio    float64 `mapstructure:"readinessDegradeRatio"`
	ReadinessDegradeSeconds  int    `mapstructure:"readinessDegradeSeconds"`
	StateRetentionMinutes    int    `mapstructure:"stateRetentionMinutes"`
}

// RecoveryConfig holds run recovery configuration.
type RecoveryConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	IntervalMinutes          int  `mapstructure:"intervalMinutes"`
	StaleRunThresholdMinutes int  `mapstructure:"staleRunThresholdMinutes"`
	ZombieRunThresholdMinutes int `mapstructure:"zombieRunThresholdMinutes"`
	MaxRunAgeHours           int  `mapstructure:"maxRunAgeHours"`
}

// RetentionConfig holds retention cleanup configuration.
type RetentionConfig struct {
	Enabled                bool  `mapstructure:"enabled"`
	IntervalMinutes        int   `mapstructure:"intervalMinutes"`
	RetentionDays          int   `mapstructure:"retentionDays"`
	DisabledInactivityDays int   `mapstructure:"disabledInactivityDays"`
	ProtectedDays          int   `mapstructure:"protectedDays"`
	MaxTasksDeletedPerTick int   `mapstructure:"maxTasksDeletedPerTick"`
	PressureBatchSize      int   `mapstructure:"pressureBatchSize"`
	SoftLimitBytes         int64 `mapstructure:"softLimitBytes"`
	TargetBytes            int64 `mapstructure:"targetBytes"`
	VacuumMinDeletedRows   int   `mapstructure:"vacuumMinDeletedRows"`
	ExcludeOpenFindings    bool  `mapstructure:"excludeOpenFindings"`
}

// ArtifactsConfig holds artifact blob store configuration.
type ArtifactsConfig struct {
	BasePath        string `mapstructure:"basePath"`
	MaxBytesPerFile int64  `mapstructure:"maxBytesPerFile"`
	MaxBytesPerRun  int64  `mapstructure:"maxBytesPerRun"`
}

// TasksConfig holds the optional task seed file configuration.
type TasksConfig struct {
	SeedFile string `mapstructure:"seedFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop timeout as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// IdleTimeout returns the idle scale-down threshold as a time.Duration.
func (r *RuntimeConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMinutes) * time.Minute
}

// DrainInterval returns the queue drainer tick as a time.Duration.
func (r *RuntimeConfig) DrainInterval() time.Duration {
	return time.Duration(r.DrainIntervalSecs) * time.Second
}

// PollInterval returns the directory poll interval as a time.Duration.
func (l *ListenerConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalSeconds) * time.Second
}

// ProbeTimeout returns the endpoint probe budget as a time.Duration.
func (l *ListenerConfig) ProbeTimeout() time.Duration {
	return time.Duration(l.ProbeTimeoutSeconds) * time.Second
}

// BackoffInitial returns the initial reconnect backoff as a time.Duration.
func (l *ListenerConfig) BackoffInitial() time.Duration {
	return time.Duration(l.BackoffInitialMillis) * time.Millisecond
}

// BackoffMax returns the reconnect backoff cap as a time.Duration.
func (l *ListenerConfig) BackoffMax() time.Duration {
	return time.Duration(l.BackoffMaxSeconds) * time.Second
}

// DiffThrottle returns the diff delta publish window as a time.Duration.
func (l *ListenerConfig) DiffThrottle() time.Duration {
	return time.Duration(l.DiffThrottleMillis) * time.Millisecond
}

// ToolThrottle returns the tool delta publish window as a time.Duration.
func (l *ListenerConfig) ToolThrottle() time.Duration {
	return time.Duration(l.ToolThrottleMillis) * time.Millisecond
}

// ProbeInterval returns the health probe cycle as a time.Duration.
func (h *HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalSeconds) * time.Second
}

// HeartbeatStaleAfter returns the heartbeat staleness threshold as a time.Duration.
func (h *HealthConfig) HeartbeatStaleAfter() time.Duration {
	return time.Duration(h.HeartbeatStaleSeconds) * time.Second
}

// RemediationCooldown returns the remediation cooldown as a time.Duration.
func (h *HealthConfig) RemediationCooldown() time.Duration {
	return time.Duration(h.RemediationCooldownSecs) * time.Second
}

// Interval returns the recovery sweep interval as a time.Duration.
func (r *RecoveryConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Interval returns the retention cleanup interval as a time.Duration.
func (r *RetentionConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file unless overridden
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentplane.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentplane")
	v.SetDefault("database.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "agentplane-network")
	v.SetDefault("docker.stopTimeout", 30)

	// Runtime fleet defaults
	v.SetDefault("runtime.image", "agentplane/task-runtime:latest")
	v.SetDefault("runtime.maxParallelRuns", 1)
	v.SetDefault("runtime.maxRuntimes", 8)
	v.SetDefault("runtime.idleTimeoutMinutes", 15)
	v.SetDefault("runtime.minWarmRuntimes", 0)
	v.SetDefault("runtime.startWindowSeconds", 60)
	v.SetDefault("runtime.maxStartsPerWindow", 6)
	v.SetDefault("runtime.maxFailedStarts", 3)
	v.SetDefault("runtime.cooldownSeconds", 30)
	v.SetDefault("runtime.drainIntervalSecs", 3)
	v.SetDefault("runtime.workspaceBasePath", "/var/lib/agentplane/workspaces")
	v.SetDefault("runtime.runtimeHomeBasePath", "/var/lib/agentplane/homes")

	// Listener defaults
	v.SetDefault("listener.pollIntervalSeconds", 5)
	v.SetDefault("listener.probeTimeoutSeconds", 2)
	v.SetDefault("listener.backoffInitialMillis", 1000)
	v.SetDefault("listener.backoffMaxSeconds", 30)
	v.SetDefault("listener.backlogPageSize", 500)
	v.SetDefault("listener.diffThrottleMillis", 250)
	v.SetDefault("listener.toolThrottleMillis", 125)

	// Health supervisor defaults
	v.SetDefault("health.probeIntervalSeconds", 10)
	v.SetDefault("health.heartbeatStaleSeconds", 60)
	v.SetDefault("health.probeFailureThreshold", 3)
	v.SetDefault("health.restartLimit", 3)
	v.SetDefault("health.remediationCooldownSecs", 60)
	v.SetDefault("health.unhealthyAction", "recreate")
	v.SetDefault("health.readinessDegradeRatio", 0.5)
	v.SetDefault("health.readinessDegradeSeconds", 120)
	v.SetDefault("health.stateRetentionMinutes", 30)

	// Recovery defaults
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.intervalMinutes", 10)
	v.SetDefault("recovery.staleRunThresholdMinutes", 30)
	v.SetDefault("recovery.zombieRunThresholdMinutes", 120)
	v.SetDefault("recovery.maxRunAgeHours", 12)

	// Retention defaults
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.intervalMinutes", 10)
	v.SetDefault("retention.retentionDays", 30)
	v.SetDefault("retention.disabledInactivityDays", 14)
	v.SetDefault("retention.protectedDays", 2)
	v.SetDefault("retention.maxTasksDeletedPerTick", 100)
	v.SetDefault("retention.pressureBatchSize", 25)
	v.SetDefault("retention.softLimitBytes", int64(10)<<30)
	v.SetDefault("retention.targetBytes", int64(8)<<30)
	v.SetDefault("retention.vacuumMinDeletedRows", 1000)
	v.SetDefault("retention.excludeOpenFindings", false)

	// Artifact defaults
	v.SetDefault("artifacts.basePath", "/var/lib/agentplane/artifacts")
	v.SetDefault("artifacts.maxBytesPerFile", int64(100)<<20)
	v.SetDefault("artifacts.maxBytesPerRun", int64(250)<<20)

	// Task seed defaults
	v.SetDefault("tasks.seedFile", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.driver", "AGENTPLANE_DB_DRIVER")
	_ = v.BindEnv("database.path", "AGENTPLANE_DB_PATH")
	_ = v.BindEnv("runtime.image", "AGENTPLANE_RUNTIME_IMAGE")
	_ = v.BindEnv("artifacts.basePath", "AGENTPLANE_ARTIFACTS_BASE_PATH")
	_ = v.BindEnv("tasks.seedFile", "AGENTPLANE_TASKS_SEED_FILE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Runtime.MaxParallelRuns <= 0 {
		errs = append(errs, "runtime.maxParallelRuns must be positive")
	}
	if cfg.Runtime.MaxRuntimes <= 0 {
		errs = append(errs, "runtime.maxRuntimes must be positive")
	}

	switch strings.ToLower(cfg.Health.UnhealthyAction) {
	case "restart", "recreate", "quarantine":
	default:
		errs = append(errs, "health.unhealthyAction must be one of: restart, recreate, quarantine")
	}

	if cfg.Artifacts.MaxBytesPerFile <= 0 || cfg.Artifacts.MaxBytesPerRun < cfg.Artifacts.MaxBytesPerFile {
		errs = append(errs, "artifacts.maxBytesPerRun must be at least artifacts.maxBytesPerFile")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
