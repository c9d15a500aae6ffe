// Package config holds the driver configuration. Values start from
// DefaultDriverConfig, may be loaded from a YAML file, and are always
// overridden by DRIVER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverConfig holds configuration for the driver core
type DriverConfig struct {
	// Statement execute-command buffer capacity at construction
	ScratchBufferSize int `yaml:"scratch_buffer_size"`
	// Rows prefetched per fetch for new statements
	PrefetchRows int `yaml:"prefetch_rows"`
	// Largest frame the codec accepts
	MaxFrameSize int `yaml:"max_frame_size"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// Memory accounting limits in bytes, 0 means unlimited
	DurableMemoryLimit int64 `yaml:"durable_memory_limit"`
	RequestMemoryLimit int64 `yaml:"request_memory_limit"`

	LeakThreshold time.Duration `yaml:"leak_threshold"`
	DebugTrace    bool          `yaml:"debug_trace"`

	// Used by the diagnostics binary
	DiagAddr string `yaml:"diag_addr"`
	Network  string `yaml:"network"`
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Password string `yaml:"password"`
}

// DefaultDriverConfig returns the default driver configuration
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		ScratchBufferSize: 4096,
		PrefetchRows:      1,
		MaxFrameSize:      1 << 30,
		ConnectTimeout:    30 * time.Second,
		LeakThreshold:     5 * time.Minute,
		DiagAddr:          "127.0.0.1:6061",
		Network:           "tcp",
	}
}

// LoadDriverConfig loads configuration from environment variables
func LoadDriverConfig() DriverConfig {
	config := DefaultDriverConfig()
	applyEnvOverrides(&config)
	return config
}

// LoadFile reads a YAML file on top of the defaults, then applies env overrides
func LoadFile(path string) (DriverConfig, error) {
	config := DefaultDriverConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("validating config: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *DriverConfig) {
	if size, ok := envInt("DRIVER_SCRATCH_BUFFER_SIZE"); ok && size > 0 {
		config.ScratchBufferSize = size
	}
	if rows, ok := envInt("DRIVER_PREFETCH_ROWS"); ok && rows > 0 {
		config.PrefetchRows = rows
	}
	if size, ok := envInt("DRIVER_MAX_FRAME_SIZE"); ok && size > 0 {
		config.MaxFrameSize = size
	}

	if d, ok := envDuration("DRIVER_CONNECT_TIMEOUT"); ok {
		config.ConnectTimeout = d
	}
	if d, ok := envDuration("DRIVER_READ_TIMEOUT"); ok {
		config.ReadTimeout = d
	}
	if d, ok := envDuration("DRIVER_WRITE_TIMEOUT"); ok {
		config.WriteTimeout = d
	}
	if d, ok := envDuration("DRIVER_LEAK_THRESHOLD"); ok && d > 0 {
		config.LeakThreshold = d
	}

	if limit, err := strconv.ParseInt(os.Getenv("DRIVER_DURABLE_MEMORY_LIMIT"), 10, 64); err == nil && limit >= 0 {
		config.DurableMemoryLimit = limit
	}
	if limit, err := strconv.ParseInt(os.Getenv("DRIVER_REQUEST_MEMORY_LIMIT"), 10, 64); err == nil && limit >= 0 {
		config.RequestMemoryLimit = limit
	}

	if trace, err := strconv.ParseBool(os.Getenv("DRIVER_DEBUG_TRACE")); err == nil {
		config.DebugTrace = trace
	}

	for env, field := range map[string]*string{
		"DRIVER_DIAG_ADDR": &config.DiagAddr,
		"DRIVER_NETWORK":   &config.Network,
		"DRIVER_ADDRESS":   &config.Address,
		"DRIVER_USER":      &config.User,
		"DRIVER_DATABASE":  &config.Database,
		"DRIVER_PASSWORD":  &config.Password,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// envDuration accepts either a Go duration string or plain milliseconds
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// Validate checks the configuration for out-of-range values
func (c DriverConfig) Validate() error {
	var errs []string

	if c.ScratchBufferSize <= 0 {
		errs = append(errs, "scratch_buffer_size must be positive")
	}
	if c.PrefetchRows <= 0 {
		errs = append(errs, "prefetch_rows must be positive")
	}
	if c.MaxFrameSize < 5 {
		errs = append(errs, "max_frame_size must hold at least a frame header")
	}
	if c.DurableMemoryLimit < 0 || c.RequestMemoryLimit < 0 {
		errs = append(errs, "memory limits must not be negative")
	}
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Sprintf("unsupported network %q", c.Network))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
