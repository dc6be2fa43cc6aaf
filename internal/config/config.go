// internal/config/config.go
package config

import (
    "fmt"
    "os"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

type Config struct {
    Server     ServerConfig     `yaml:"server"`
    Database   DatabaseConfig   `yaml:"database"`
    Uploads    UploadsConfig    `yaml:"uploads"`
    Operator   OperatorConfig   `yaml:"operator"`
    Prometheus PrometheusConfig `yaml:"prometheus"`
    Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
    Port         string        `yaml:"port"`
    ReadTimeout  time.Duration `yaml:"read_timeout"`
    WriteTimeout time.Duration `yaml:"write_timeout"`
    MaxBatchMB   int           `yaml:"max_batch_mb"`
}

type DatabaseConfig struct {
    Path          string        `yaml:"path"`
    SweepInterval time.Duration `yaml:"sweep_interval"`
}

// UploadsConfig controls where staged file-transfer payloads live on disk.
type UploadsConfig struct {
    Dir       string `yaml:"dir"`
    MaxSizeMB int    `yaml:"max_size_mb"`
}

// OperatorConfig carries the tokens for the operator API. The read token
// grants read-only access; the write token grants everything. The write
// token is accepted anywhere the read token is.
type OperatorConfig struct {
    ReadToken  string `yaml:"read_token"`
    WriteToken string `yaml:"write_token"`
}

type PrometheusConfig struct {
    Enabled     bool   `yaml:"enabled"`
    MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
    Level  string `yaml:"level"`
    Format string `yaml:"format"`
}

func Load(filename string) (*Config, error) {
    data, err := os.ReadFile(filename)
    if err != nil {
        return nil, fmt.Errorf("failed to read config file: %w", err)
    }

    var config Config
    if err := yaml.Unmarshal(data, &config); err != nil {
        return nil, fmt.Errorf("failed to parse YAML: %w", err)
    }

    setDefaults(&config)

    if err := validate(&config); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

// Default returns a configuration usable without a config file, mainly for
// local development.
func Default() *Config {
    cfg := &Config{}
    setDefaults(cfg)
    return cfg
}

func setDefaults(cfg *Config) {
    // Server defaults
    if cfg.Server.Port == "" {
        cfg.Server.Port = ":8080"
    }
    if cfg.Server.ReadTimeout == 0 {
        cfg.Server.ReadTimeout = 30 * time.Second
    }
    if cfg.Server.WriteTimeout == 0 {
        cfg.Server.WriteTimeout = 30 * time.Second
    }
    if cfg.Server.MaxBatchMB == 0 {
        cfg.Server.MaxBatchMB = 16
    }

    // Database defaults
    if cfg.Database.Path == "" {
        cfg.Database.Path = "./data/fleet.db"
    }
    if cfg.Database.SweepInterval == 0 {
        cfg.Database.SweepInterval = time.Hour
    }

    // Uploads defaults
    if cfg.Uploads.Dir == "" {
        cfg.Uploads.Dir = "./data/uploads"
    }
    if cfg.Uploads.MaxSizeMB == 0 {
        cfg.Uploads.MaxSizeMB = 64
    }

    // Prometheus defaults
    if cfg.Prometheus.MetricsPath == "" {
        cfg.Prometheus.MetricsPath = "/metrics"
    }

    // Logging defaults
    if cfg.Logging.Level == "" {
        cfg.Logging.Level = "info"
    }
    if cfg.Logging.Format == "" {
        cfg.Logging.Format = "text"
    }
}

func validate(cfg *Config) error {
    if !strings.HasPrefix(cfg.Server.Port, ":") {
        return fmt.Errorf("server.port must be of the form \":8080\"")
    }
    if cfg.Server.MaxBatchMB < 1 {
        return fmt.Errorf("server.max_batch_mb must be at least 1")
    }
    if cfg.Database.SweepInterval < time.Minute {
        return fmt.Errorf("database.sweep_interval must be at least 1m")
    }
    if cfg.Uploads.MaxSizeMB < 1 {
        return fmt.Errorf("uploads.max_size_mb must be at least 1")
    }
    if cfg.Operator.WriteToken == "" {
        return fmt.Errorf("operator.write_token is required")
    }
    if cfg.Operator.ReadToken == "" {
        // A deployment may choose a single token for both capabilities.
        cfg.Operator.ReadToken = cfg.Operator.WriteToken
    }

    switch cfg.Logging.Level {
    case "debug", "info", "warn", "error":
    default:
        return fmt.Errorf("logging.level must be one of debug, info, warn, error")
    }
    switch cfg.Logging.Format {
    case "text", "json":
    default:
        return fmt.Errorf("logging.format must be text or json")
    }

    return nil
}
