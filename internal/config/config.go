// Package config loads SelfStart configuration from the environment and,
// optionally, a declarative YAML seed file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all SelfStart configuration from environment variables.
type Config struct {
	// API surface
	APIHost      string
	APIPort      int
	BaseDomain   string // external domain services are reached under
	FrontendPort int    // port of the companion loading-page frontend
	EnableAuth   bool
	APIToken     string

	// Stores
	RedisURL string // registry store (KV + TTL tier)
	DBPath   string // rules, shutdown logs, webhooks

	// Docker connection
	DockerSock string

	// Discovery
	DiscoveryInterval   time.Duration
	HealthCheckInterval time.Duration // discovery probe cadence
	ServiceTTL          time.Duration
	NetworkMarker       string // substring identifying project networks for host resolution

	// Orchestrator
	StartupTimeout      time.Duration
	DependencyTimeout   time.Duration
	StopGracePeriod     time.Duration
	MaxConcurrentStarts int
	StartQueueSize      int
	OrchHealthInterval  time.Duration

	// Scaler
	MetricsInterval    time.Duration
	EvaluationInterval time.Duration
	MetricsRetention   time.Duration

	// Shutdown
	ShutdownCheckInterval time.Duration

	// Seed file (optional)
	SeedPath string

	// Misc
	DevMode  bool
	Timezone string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		APIHost:      envStr("API_HOST", "0.0.0.0"),
		APIPort:      envInt("API_PORT", 8000),
		BaseDomain:   envStr("BASE_DOMAIN", "localhost"),
		FrontendPort: envInt("FRONTEND_PORT", 3000),
		EnableAuth:   envBool("ENABLE_AUTH", false),
		APIToken:     envStr("API_TOKEN", ""),

		RedisURL: envStr("REDIS_URL", "redis://localhost:6379/0"),
		DBPath:   envStr("SELFSTART_DB_PATH", "/data/selfstart.db"),

		DockerSock: envStr("SELFSTART_DOCKER_SOCK", "/var/run/docker.sock"),

		DiscoveryInterval:   envDuration("SELFSTART_DISCOVERY_INTERVAL", 30*time.Second),
		HealthCheckInterval: envDuration("SELFSTART_HEALTH_INTERVAL", 60*time.Second),
		ServiceTTL:          envDuration("SELFSTART_SERVICE_TTL", 300*time.Second),
		NetworkMarker:       envStr("SELFSTART_NETWORK_MARKER", "selfstart"),

		StartupTimeout:      envSeconds("STARTUP_TIMEOUT", 120*time.Second),
		DependencyTimeout:   envDuration("SELFSTART_DEPENDENCY_TIMEOUT", 300*time.Second),
		StopGracePeriod:     envDuration("SELFSTART_STOP_GRACE", 30*time.Second),
		MaxConcurrentStarts: envInt("SELFSTART_MAX_CONCURRENT_STARTS", 3),
		StartQueueSize:      envInt("SELFSTART_START_QUEUE_SIZE", 64),
		OrchHealthInterval:  envDuration("SELFSTART_ORCH_HEALTH_INTERVAL", 30*time.Second),

		MetricsInterval:    envDuration("SELFSTART_METRICS_INTERVAL", 30*time.Second),
		EvaluationInterval: envDuration("SELFSTART_EVALUATION_INTERVAL", 60*time.Second),
		MetricsRetention:   envDuration("SELFSTART_METRICS_RETENTION", time.Hour),

		ShutdownCheckInterval: envDuration("SELFSTART_SHUTDOWN_INTERVAL", 60*time.Second),

		SeedPath: envStr("SELFSTART_CONFIG", ""),

		DevMode:  envBool("DEV_MODE", false),
		Timezone: envStr("TZ", ""),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT must be 1-65535, got %d", c.APIPort))
	}
	if c.EnableAuth && c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN must be set when ENABLE_AUTH is true"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL must not be empty"))
	}
	if c.DiscoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("SELFSTART_DISCOVERY_INTERVAL must be > 0, got %s", c.DiscoveryInterval))
	}
	if c.ServiceTTL < c.DiscoveryInterval {
		errs = append(errs, fmt.Errorf("SELFSTART_SERVICE_TTL (%s) must be >= discovery interval (%s)", c.ServiceTTL, c.DiscoveryInterval))
	}
	if c.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STARTUP_TIMEOUT must be > 0, got %s", c.StartupTimeout))
	}
	if c.MaxConcurrentStarts < 1 {
		errs = append(errs, fmt.Errorf("SELFSTART_MAX_CONCURRENT_STARTS must be >= 1, got %d", c.MaxConcurrentStarts))
	}
	if c.StartQueueSize < 1 {
		errs = append(errs, fmt.Errorf("SELFSTART_START_QUEUE_SIZE must be >= 1, got %d", c.StartQueueSize))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("TZ %q is not a valid location: %v", c.Timezone, err))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone, falling back to local time.
// Shutdown schedule rules evaluate wall-clock conditions in this location.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envSeconds reads a duration that may be given as a bare number of seconds
// ("120") or a Go duration string ("2m").
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
