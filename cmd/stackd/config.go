package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/core/envprofile"
	"github.com/artpar/stackd/internal/shell/orchestrator"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Instance   InstanceConfig   `mapstructure:"instance"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Namespace  NamespaceConfig  `mapstructure:"namespace"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Docker     DockerConfig     `mapstructure:"docker"`
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
}

// InstanceConfig selects the namespace.
type InstanceConfig struct {
	Name    string `mapstructure:"name"`
	Profile string `mapstructure:"profile"`
}

// PathsConfig locates the manifest and the namespace's directories.
type PathsConfig struct {
	Manifest string `mapstructure:"manifest"`
	Compose  string `mapstructure:"compose"` // imported instead of manifest when set
	EnvDir   string `mapstructure:"env_dir"`
	RunDir   string `mapstructure:"run_dir"`
	DataDir  string `mapstructure:"data_dir"`
	LogDir   string `mapstructure:"log_dir"`
}

// SupervisorConfig holds process supervision settings.
type SupervisorConfig struct {
	// StopGrace is how long a process gets between SIGTERM and SIGKILL.
	// It has no default and must be configured.
	StopGrace  time.Duration `mapstructure:"stop_grace"`
	StartGrace time.Duration `mapstructure:"start_grace"`
	MaxWorkers int           `mapstructure:"max_workers"`
}

// TLSConfig holds certificate provisioning settings.
type TLSConfig struct {
	SelfSigned bool               `mapstructure:"self_signed"`
	CertDir    string             `mapstructure:"cert_dir"`
	Subject    domain.CertSubject `mapstructure:"subject"`
}

// NamespaceConfig holds per-instance naming overrides.
type NamespaceConfig struct {
	PortOverrides map[string]string    `mapstructure:"port_overrides"`
	Templates     domain.NameTemplates `mapstructure:"templates"`
}

// DatabaseConfig holds the run-history database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
}

// APIConfig holds control API configuration.
type APIConfig struct {
	// Address is host:port; empty disables the API.
	Address         string        `mapstructure:"address"`
	Token           string        `mapstructure:"token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("instance.name", envprofile.DefaultInstance)
	v.SetDefault("instance.profile", envprofile.DefaultProfile)
	v.SetDefault("paths.manifest", "./stack.yaml")
	v.SetDefault("paths.compose", "")
	v.SetDefault("paths.env_dir", "./env")
	v.SetDefault("paths.run_dir", "./data/run")
	v.SetDefault("paths.data_dir", "./data/state")
	v.SetDefault("paths.log_dir", "./data/log")
	v.SetDefault("supervisor.start_grace", "1s")
	v.SetDefault("supervisor.max_workers", orchestrator.DefaultMaxWorkers)
	v.SetDefault("tls.self_signed", true)
	v.SetDefault("tls.cert_dir", "./data/certs")
	v.SetDefault("tls.subject.common_name", "localhost")
	v.SetDefault("database.dsn", "./data/stackd.db")
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("api.address", "127.0.0.1:7070")
	v.SetDefault("api.token", "")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A missing file falls back to defaults.
		}
	}

	v.SetEnvPrefix("STACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The instance and profile selectors also come from the variables the
	// services themselves see.
	if err := v.BindEnv("instance.name", "STACKD_INSTANCE_NAME", envprofile.VarInstance); err != nil {
		return nil, err
	}
	if err := v.BindEnv("instance.profile", "STACKD_INSTANCE_PROFILE", envprofile.VarProfile); err != nil {
		return nil, err
	}
	// stop_grace has no default, so AutomaticEnv alone cannot see it.
	if err := v.BindEnv("supervisor.stop_grace"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations that must not start any service.
func (c *Config) Validate() error {
	if c.Supervisor.StopGrace <= 0 {
		return domain.NewConfigurationError("supervisor.stop_grace", "stop grace must be set to a positive duration", domain.ErrStopGraceRequired)
	}
	if c.Supervisor.StartGrace < 0 {
		return domain.NewConfigurationError("supervisor.start_grace", "start grace must not be negative", domain.ErrInvalidManifest)
	}
	if c.Supervisor.MaxWorkers < 1 {
		return domain.NewConfigurationError("supervisor.max_workers", "at least one worker is required", domain.ErrInvalidManifest)
	}
	if c.Paths.Manifest == "" && c.Paths.Compose == "" {
		return domain.NewConfigurationError("paths.manifest", "a manifest or compose file is required", domain.ErrInvalidManifest)
	}
	for _, dir := range []struct{ field, value string }{
		{"paths.env_dir", c.Paths.EnvDir},
		{"paths.run_dir", c.Paths.RunDir},
		{"paths.data_dir", c.Paths.DataDir},
	} {
		if dir.value == "" {
			return domain.NewConfigurationError(dir.field, "directory is required", domain.ErrInvalidNamespace)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return domain.NewConfigurationError("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), domain.ErrInvalidManifest)
	}
	return nil
}

// Options converts the configuration into orchestrator options.
func (c *Config) Options() orchestrator.Options {
	return orchestrator.Options{
		Instance:      c.Instance.Name,
		Profile:       c.Instance.Profile,
		ManifestPath:  c.Paths.Manifest,
		ComposePath:   c.Paths.Compose,
		EnvDir:        c.Paths.EnvDir,
		RunDir:        c.Paths.RunDir,
		DataDir:       c.Paths.DataDir,
		LogDir:        c.Paths.LogDir,
		PortOverrides: c.Namespace.PortOverrides,
		Templates:     c.Namespace.Templates,
		TLSSelfSigned: c.TLS.SelfSigned,
		TLSCertDir:    c.TLS.CertDir,
		TLSSubject:    c.TLS.Subject,
	}
}

// DaemonPIDPath is where the stackd process supervising the namespace
// records its own pid. Container, network and volume names carry no
// profile, so one instance name allows one daemon whatever its profile.
func (c *Config) DaemonPIDPath() string {
	instance, _ := envprofile.Resolve(c.Instance.Name, c.Instance.Profile)
	return filepath.Join(c.Paths.RunDir, fmt.Sprintf("stackd-%s.pid", instance))
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
