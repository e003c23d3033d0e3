package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// Configuration represents the complete client configuration
type Configuration struct {
	Trackers []types.Endpoint `yaml:"trackers"`
	Client   ClientConfig     `yaml:"client"`
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Health   HealthConfig     `yaml:"health"`
}

// ClientConfig contains connection and transfer settings
type ClientConfig struct {
	Charset        string        `yaml:"charset"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	DefaultExt     string        `yaml:"default_ext"`
	PoolSize       int           `yaml:"pool_size"`
	PoolName       string        `yaml:"pool_name"`
	WriteQueueSize string        `yaml:"write_queue_size"`
	ReadBufferSize string        `yaml:"read_buffer_size"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// HealthConfig controls periodic tracker active tests
type HealthConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	Timeout              time.Duration `yaml:"timeout"`
	ErrorThreshold       int           `yaml:"error_threshold"`
	UnavailableThreshold int           `yaml:"unavailable_threshold"`
}

var (
	validLogLevels  = []string{"DEBUG", "INFO", "WARN", "ERROR"}
	validLogFormats = []string{"json", "text"}
)

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Client: ClientConfig{
			Charset:        types.DefaultCharset,
			ConnectTimeout: types.DefaultConnectTimeout,
			NetworkTimeout: types.DefaultNetworkTimeout,
			PoolSize:       types.DefaultPoolSize,
			PoolName:       "default",
			WriteQueueSize: "64KB",
			ReadBufferSize: "32KB",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "fdfs",
		},
		Health: HealthConfig{
			Enabled:              false,
			Interval:             30 * time.Second,
			Timeout:              5 * time.Second,
			ErrorThreshold:       1,
			UnavailableThreshold: 3,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from FDFS_* environment variables.
// Values that fail to parse are reported rather than skipped.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FDFS_TRACKERS"); val != "" {
		trackers, err := parseTrackers(val)
		if err != nil {
			return err
		}
		c.Trackers = trackers
	}

	// Client settings
	if val := os.Getenv("FDFS_CHARSET"); val != "" {
		c.Client.Charset = val
	}
	if val := os.Getenv("FDFS_CONNECT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("FDFS_CONNECT_TIMEOUT", err)
		}
		c.Client.ConnectTimeout = d
	}
	if val := os.Getenv("FDFS_NETWORK_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("FDFS_NETWORK_TIMEOUT", err)
		}
		c.Client.NetworkTimeout = d
	}
	if val := os.Getenv("FDFS_DEFAULT_EXT"); val != "" {
		c.Client.DefaultExt = val
	}
	if val := os.Getenv("FDFS_POOL_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("FDFS_POOL_SIZE", err)
		}
		c.Client.PoolSize = n
	}
	if val := os.Getenv("FDFS_POOL_NAME"); val != "" {
		c.Client.PoolName = val
	}
	if val := os.Getenv("FDFS_WRITE_QUEUE_SIZE"); val != "" {
		c.Client.WriteQueueSize = val
	}
	if val := os.Getenv("FDFS_READ_BUFFER_SIZE"); val != "" {
		c.Client.ReadBufferSize = val
	}

	// Logging
	if val := os.Getenv("FDFS_LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToUpper(val)
	}
	if val := os.Getenv("FDFS_LOG_FORMAT"); val != "" {
		c.Logging.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FDFS_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	// Metrics
	if val := os.Getenv("FDFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FDFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("FDFS_METRICS_PORT", err)
		}
		c.Metrics.Port = port
	}

	// Health
	if val := os.Getenv("FDFS_HEALTH_ENABLED"); val != "" {
		c.Health.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FDFS_HEALTH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("FDFS_HEALTH_INTERVAL", err)
		}
		c.Health.Interval = d
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if len(c.Trackers) == 0 {
		return invalid("at least one tracker is required")
	}
	for i, t := range c.Trackers {
		if t.Host == "" {
			return invalid("trackers[%d]: host is required", i)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return invalid("trackers[%d]: invalid port %d", i, t.Port)
		}
	}

	if c.Client.ConnectTimeout < 0 || c.Client.NetworkTimeout < 0 {
		return invalid("timeouts cannot be negative")
	}
	if c.Client.PoolSize < 0 {
		return invalid("pool_size cannot be negative")
	}
	if len(c.Client.DefaultExt) > 6 {
		return invalid("default_ext %q is longer than 6 bytes", c.Client.DefaultExt)
	}
	if _, err := parseSize("write_queue_size", c.Client.WriteQueueSize); err != nil {
		return err
	}
	if _, err := parseSize("read_buffer_size", c.Client.ReadBufferSize); err != nil {
		return err
	}

	if !contains(validLogLevels, c.Logging.Level) {
		return invalid("invalid log level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}
	if !contains(validLogFormats, c.Logging.Format) {
		return invalid("invalid log format: %s (must be one of: %s)",
			c.Logging.Format, strings.Join(validLogFormats, ", "))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return invalid("invalid metrics port %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics path must start with /")
		}
	}

	if c.Health.Enabled {
		if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
			return invalid("health interval and timeout must be positive")
		}
		if c.Health.ErrorThreshold <= 0 || c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
			return invalid("health thresholds must satisfy 0 < error_threshold <= unavailable_threshold")
		}
	}

	return nil
}

// Options converts the configuration into engine options
func (c *Configuration) Options() (types.Options, error) {
	writeQueue, err := parseSize("write_queue_size", c.Client.WriteQueueSize)
	if err != nil {
		return types.Options{}, err
	}
	readBuffer, err := parseSize("read_buffer_size", c.Client.ReadBufferSize)
	if err != nil {
		return types.Options{}, err
	}

	opts := types.Options{
		Trackers:       append([]types.Endpoint(nil), c.Trackers...),
		Charset:        c.Client.Charset,
		ConnectTimeout: c.Client.ConnectTimeout,
		NetworkTimeout: c.Client.NetworkTimeout,
		DefaultExt:     c.Client.DefaultExt,
		PoolSize:       c.Client.PoolSize,
		WriteQueueSize: int(writeQueue),
		ReadBufferSize: int(readBuffer),
	}
	return opts.WithDefaults(), nil
}

// parseTrackers splits a comma separated list of host[:port] entries
func parseTrackers(val string) ([]types.Endpoint, error) {
	var trackers []types.Endpoint
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep, err := types.ParseEndpoint(part, types.DefaultTrackerPort)
		if err != nil {
			return nil, errors.Annotate(err, "config", "load_env")
		}
		trackers = append(trackers, ep)
	}
	return trackers, nil
}

// parseSize accepts human readable sizes such as "64KB". Empty means zero,
// which the engine replaces with its default.
func parseSize(field, val string) (uint64, error) {
	if val == "" {
		return 0, nil
	}
	size, err := datasize.ParseString(val)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid %s %q", field, val)).
			WithComponent("config")
	}
	return size.Bytes(), nil
}

func envError(name string, err error) error {
	return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid "+name).WithComponent("config")
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
