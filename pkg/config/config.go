// Package config loads and validates the connpoold configuration from YAML
// files and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/sqlbridge/connpool/pkg/monitoring"
	"github.com/sqlbridge/connpool/pkg/pool"
)

// Config represents the full daemon configuration.
type Config struct {
	Pool    pool.Config              `yaml:"pool" json:"pool" mapstructure:"pool"`
	Driver  DriverConfig             `yaml:"driver" json:"driver" mapstructure:"driver"`
	Server  ServerConfig             `yaml:"server" json:"server" mapstructure:"server"`
	Logging monitoring.LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
	Tracing monitoring.TracingConfig `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
}

// DriverConfig selects the backend driver and its data source.
type DriverConfig struct {
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	DSN  string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
}

// ServerConfig holds the HTTP monitoring server configuration.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address      string        `yaml:"address" json:"address" mapstructure:"address"`
	Port         int           `yaml:"port" json:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
}

// DefaultConfig returns the default daemon configuration: an in-memory
// SQLite backend and the monitoring server on localhost.
func DefaultConfig() *Config {
	return &Config{
		Pool: pool.DefaultConfig(),
		Driver: DriverConfig{
			Name: "sqlite",
			DSN:  ":memory:",
		},
		Server: ServerConfig{
			Enabled:      true,
			Address:      "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: monitoring.DefaultLoggingConfig(),
		Tracing: monitoring.DefaultTracingConfig(),
	}
}

// LoadConfig loads configuration from a file and environment variables,
// layered over the defaults. Environment variables use the CONNPOOL prefix
// with underscores, e.g. CONNPOOL_POOL_MAX=20.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("connpoold")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/connpool")
		v.AddConfigPath("/etc/connpool")
	}

	v.SetEnvPrefix("CONNPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about, so every
	// key is registered with its default value.
	for key, value := range map[string]interface{}{
		"pool.min":                   config.Pool.Min,
		"pool.max":                   config.Pool.Max,
		"pool.acquire_timeout":       config.Pool.AcquireTimeout,
		"pool.idle_timeout":          config.Pool.IdleTimeout,
		"pool.connection_timeout":    config.Pool.ConnectionTimeout,
		"pool.query_timeout":         config.Pool.QueryTimeout,
		"pool.health_check_interval": config.Pool.HealthCheckInterval,
		"pool.health_check_query":    config.Pool.HealthCheckQuery,
		"pool.validate_on_borrow":    config.Pool.ValidateOnBorrow,
		"pool.test_while_idle":       config.Pool.TestWhileIdle,
		"pool.retry_attempts":        config.Pool.RetryAttempts,
		"pool.retry_delay":           config.Pool.RetryDelay,
		"driver.name":                config.Driver.Name,
		"driver.dsn":                 config.Driver.DSN,
		"server.enabled":             config.Server.Enabled,
		"server.address":             config.Server.Address,
		"server.port":                config.Server.Port,
		"server.read_timeout":        config.Server.ReadTimeout,
		"server.write_timeout":       config.Server.WriteTimeout,
		"logging.level":              config.Logging.Level,
		"logging.format":             config.Logging.Format,
		"logging.output_file":        config.Logging.OutputFile,
		"tracing.enabled":            config.Tracing.Enabled,
		"tracing.service_name":       config.Tracing.ServiceName,
		"tracing.service_version":    config.Tracing.ServiceVersion,
		"tracing.environment":        config.Tracing.Environment,
		"tracing.exporter":           string(config.Tracing.Exporter),
		"tracing.endpoint":           config.Tracing.Endpoint,
		"tracing.insecure":           config.Tracing.Insecure,
		"tracing.sampling_ratio":     config.Tracing.SamplingRatio,
		"tracing.export_timeout":     config.Tracing.ExportTimeout,
	} {
		v.SetDefault(key, value)
	}

	// A missing file from the search path is fine; an explicitly named file
	// that cannot be read is not.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	switch c.Driver.Name {
	case "sqlite", "sqlite3", "mysql":
	case "":
		return fmt.Errorf("driver name cannot be empty")
	default:
		return fmt.Errorf("unsupported driver: %s (must be 'sqlite' or 'mysql')", c.Driver.Name)
	}
	if c.Driver.DSN == "" {
		return fmt.Errorf("driver DSN cannot be empty")
	}

	if c.Server.Enabled {
		if c.Server.Address == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
		}
		if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
			return fmt.Errorf("server timeouts must be positive")
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	return nil
}

// configSchema is the JSON schema the structural check runs against. It
// guards the shape of hand-edited YAML files; value-level rules live in
// Validate.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"pool": {
			"type": "object",
			"properties": {
				"min": {"type": "integer", "minimum": 0},
				"max": {"type": "integer", "minimum": 1},
				"acquire_timeout": {"type": "integer", "minimum": 1},
				"idle_timeout": {"type": "integer", "minimum": 0},
				"connection_timeout": {"type": "integer", "minimum": 1},
				"query_timeout": {"type": "integer", "minimum": 1},
				"health_check_interval": {"type": "integer", "minimum": 1},
				"health_check_query": {"type": "string"},
				"validate_on_borrow": {"type": "boolean"},
				"test_while_idle": {"type": "boolean"},
				"retry_attempts": {"type": "integer", "minimum": 0},
				"retry_delay": {"type": "integer", "minimum": 0}
			}
		},
		"driver": {
			"type": "object",
			"properties": {
				"name": {"type": "string", "enum": ["sqlite", "sqlite3", "mysql"]},
				"dsn": {"type": "string", "minLength": 1}
			},
			"required": ["name", "dsn"]
		},
		"server": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"address": {"type": "string"},
				"port": {"type": "integer", "minimum": 1, "maximum": 65535}
			}
		},
		"logging": {
			"type": "object",
			"properties": {
				"level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error", "fatal", "panic"]},
				"format": {"type": "string", "enum": ["json", "console"]}
			}
		},
		"tracing": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"type": "string", "enum": ["jaeger", "otlp", "stdout"]},
				"sampling_ratio": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	},
	"required": ["pool", "driver"]
}`

// ValidateSchema runs the JSON-schema structural check against the
// configuration and returns every violation found.
func (c *Config) ValidateSchema() error {
	document, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("config does not match schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
