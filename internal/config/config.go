// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port             string `yaml:"port"`
	FrontendURL      string `yaml:"frontend_url"`
	DBPath           string `yaml:"db_path"`
	LogLevel         string `yaml:"log_level"`
	ContainerRuntime string `yaml:"container_runtime"` // Docker runtime: "" = default (runc), "runsc" = gVisor
	StorageRoot      string `yaml:"storage_root"`
	AdminToken       string `yaml:"admin_token"`
	AdminUsername    string `yaml:"admin_username"`
	GRPCHealthAddr   string `yaml:"grpc_health_addr"`

	VM        VMConfig        `yaml:"vm"`
	Credits   CreditsConfig   `yaml:"credits"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Timeout   TimeoutConfig   `yaml:"timeout"`
	Retry     RetryConfig     `yaml:"retry"`
}

// VMConfig controls sandbox provisioning.
type VMConfig struct {
	DefaultImage   string   `yaml:"default_image"`
	AllowedImages  []string `yaml:"allowed_images"`
	Network        string   `yaml:"network"`
	Subnet         string   `yaml:"subnet"`
	PortRangeStart int      `yaml:"port_range_start"`
	PortRangeEnd   int      `yaml:"port_range_end"`
	ContainerPort  int      `yaml:"container_port"`
	QuotaPerUser   int      `yaml:"quota_per_user"`
	DefaultMemory  string   `yaml:"default_memory"`
	MaxMemory      string   `yaml:"max_memory"`
	CPUShares      int64    `yaml:"cpu_shares"`
	PidsLimit      int64    `yaml:"pids_limit"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CreatingTimeout   time.Duration `yaml:"creating_timeout"`
	AutoStopExhausted bool          `yaml:"auto_stop_exhausted"`
}

// CreditsConfig controls runtime billing.
type CreditsConfig struct {
	HourlyRate int64 `yaml:"hourly_rate"`
}

// TerminalConfig controls interactive terminal sessions.
type TerminalConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"` // 0 disables idle disconnects
}

// RateLimitConfig bounds mutating API requests per client IP.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TimeoutConfig groups operation timeouts.
type TimeoutConfig struct {
	RuntimeOp   time.Duration `yaml:"runtime_op"`
	HealthCheck time.Duration `yaml:"health_check"`
	Shutdown    time.Duration `yaml:"shutdown"`
}

// RetryConfig controls database retry behaviour on SQLITE_BUSY.
type RetryConfig struct {
	DatabaseMaxRetries     int           `yaml:"database_max_retries"`
	DatabaseRetryBaseDelay time.Duration `yaml:"database_retry_base_delay"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:          "8080",
		DBPath:        "./data/vms.db",
		LogLevel:      "info",
		StorageRoot:   "./data/storage",
		AdminUsername: "admin",
		VM: VMConfig{
			DefaultImage:      "shsh-vm:latest",
			Network:           "shsh-vms",
			Subnet:            "172.29.0.0/16",
			PortRangeStart:    20000,
			PortRangeEnd:      20999,
			ContainerPort:     8080,
			QuotaPerUser:      3,
			DefaultMemory:     "512m",
			MaxMemory:         "2g",
			CPUShares:         512,
			PidsLimit:         256,
			ReconcileInterval: time.Minute,
			CreatingTimeout:   5 * time.Minute,
			AutoStopExhausted: true,
		},
		Credits: CreditsConfig{
			HourlyRate: 10,
		},
		Terminal: TerminalConfig{
			SweepInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:   2,
			Burst: 10,
		},
		Timeout: TimeoutConfig{
			RuntimeOp:   60 * time.Second,
			HealthCheck: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and then
// from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.ContainerRuntime = getEnv("CONTAINER_RUNTIME", c.ContainerRuntime)
	c.StorageRoot = getEnv("STORAGE_ROOT", c.StorageRoot)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.AdminUsername = getEnv("ADMIN_USERNAME", c.AdminUsername)
	c.GRPCHealthAddr = getEnv("GRPC_HEALTH_ADDR", c.GRPCHealthAddr)

	c.VM.DefaultImage = getEnv("VM_DEFAULT_IMAGE", c.VM.DefaultImage)
	if v := getEnv("VM_ALLOWED_IMAGES", ""); v != "" {
		c.VM.AllowedImages = splitList(v)
	}
	c.VM.Network = getEnv("VM_NETWORK", c.VM.Network)
	c.VM.Subnet = getEnv("VM_SUBNET", c.VM.Subnet)
	c.VM.PortRangeStart = getEnvInt("VM_PORT_RANGE_START", c.VM.PortRangeStart)
	c.VM.PortRangeEnd = getEnvInt("VM_PORT_RANGE_END", c.VM.PortRangeEnd)
	c.VM.ContainerPort = getEnvInt("VM_CONTAINER_PORT", c.VM.ContainerPort)
	c.VM.QuotaPerUser = getEnvInt("VM_QUOTA_PER_USER", c.VM.QuotaPerUser)
	c.VM.DefaultMemory = getEnv("VM_DEFAULT_MEMORY", c.VM.DefaultMemory)
	c.VM.MaxMemory = getEnv("VM_MAX_MEMORY", c.VM.MaxMemory)
	c.VM.CPUShares = int64(getEnvInt("VM_CPU_SHARES", int(c.VM.CPUShares)))
	c.VM.PidsLimit = int64(getEnvInt("VM_PIDS_LIMIT", int(c.VM.PidsLimit)))
	c.VM.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", c.VM.ReconcileInterval)
	c.VM.CreatingTimeout = getEnvDuration("CREATING_TIMEOUT", c.VM.CreatingTimeout)
	c.VM.AutoStopExhausted = getEnvBool("AUTO_STOP_EXHAUSTED", c.VM.AutoStopExhausted)

	c.Credits.HourlyRate = int64(getEnvInt("CREDITS_HOURLY_RATE", int(c.Credits.HourlyRate)))

	c.Terminal.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", c.Terminal.SweepInterval)
	c.Terminal.IdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", c.Terminal.IdleTimeout)

	c.RateLimit.RPS = getEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Timeout.RuntimeOp = getEnvDuration("RUNTIME_OP_TIMEOUT", c.Timeout.RuntimeOp)
	c.Timeout.HealthCheck = getEnvDuration("HEALTH_CHECK_TIMEOUT", c.Timeout.HealthCheck)
	c.Timeout.Shutdown = getEnvDuration("SHUTDOWN_TIMEOUT", c.Timeout.Shutdown)

	c.Retry.DatabaseMaxRetries = getEnvInt("DB_MAX_RETRIES", c.Retry.DatabaseMaxRetries)
	c.Retry.DatabaseRetryBaseDelay = getEnvDuration("DB_RETRY_BASE_DELAY", c.Retry.DatabaseRetryBaseDelay)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT cannot be empty")
	}
	if c.VM.DefaultImage == "" {
		return fmt.Errorf("VM_DEFAULT_IMAGE cannot be empty")
	}
	if c.VM.PortRangeStart <= 0 || c.VM.PortRangeEnd > 65535 || c.VM.PortRangeStart > c.VM.PortRangeEnd {
		return fmt.Errorf("invalid VM port range %d-%d", c.VM.PortRangeStart, c.VM.PortRangeEnd)
	}
	if c.VM.ContainerPort <= 0 || c.VM.ContainerPort > 65535 {
		return fmt.Errorf("VM_CONTAINER_PORT must be a valid port")
	}
	if c.VM.QuotaPerUser <= 0 {
		return fmt.Errorf("VM_QUOTA_PER_USER must be > 0")
	}
	def, err := c.DefaultMemoryBytes()
	if err != nil {
		return err
	}
	maxMem, err := c.MaxMemoryBytes()
	if err != nil {
		return err
	}
	if def > maxMem {
		return fmt.Errorf("VM_DEFAULT_MEMORY (%s) exceeds VM_MAX_MEMORY (%s)", c.VM.DefaultMemory, c.VM.MaxMemory)
	}
	if c.Credits.HourlyRate <= 0 {
		return fmt.Errorf("CREDITS_HOURLY_RATE must be > 0")
	}
	if c.Terminal.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.VM.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DefaultMemoryBytes returns the default per-VM memory limit in bytes.
func (c *Config) DefaultMemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.VM.DefaultMemory)
	if err != nil {
		return 0, fmt.Errorf("parse VM_DEFAULT_MEMORY %q: %w", c.VM.DefaultMemory, err)
	}
	return n, nil
}

// MaxMemoryBytes returns the largest memory limit a user may request.
func (c *Config) MaxMemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.VM.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("parse VM_MAX_MEMORY %q: %w", c.VM.MaxMemory, err)
	}
	return n, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", level)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
