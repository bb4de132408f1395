package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is an optional declarative bootstrap file. Everything in it is
// applied idempotently at startup and re-applied when the file changes.
type Seed struct {
	Containers []SeedContainer `yaml:"containers"`
	Targets    []SeedTarget    `yaml:"proxy_targets"`
	Policies   []SeedPolicy    `yaml:"scaling_policies"`
	Rules      []SeedRule      `yaml:"shutdown_rules"`
	Webhooks   []SeedWebhook   `yaml:"webhooks"`
}

// SeedContainer declares a container the orchestrator should manage.
type SeedContainer struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Ports         map[string]string `yaml:"ports"` // host -> container
	Environment   map[string]string `yaml:"environment"`
	Volumes       []string          `yaml:"volumes"`
	Labels        map[string]string `yaml:"labels"`
	Networks      []string          `yaml:"networks"`
	DependsOn     []string          `yaml:"depends_on"`
	HealthCheck   string            `yaml:"health_check"`   // URL probed during startup
	HealthCommand []string          `yaml:"health_command"` // exec alternative
	RestartPolicy string            `yaml:"restart_policy"`
}

// SeedTarget declares a reverse-proxy target and its backend pool.
type SeedTarget struct {
	Name                string        `yaml:"name"`
	Policy              string        `yaml:"policy"`
	Backends            []SeedBackend `yaml:"backends"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval int           `yaml:"health_check_interval"` // seconds
	HealthCheckTimeout  int           `yaml:"health_check_timeout"`  // seconds
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          float64       `yaml:"retry_delay"` // seconds
	BreakerThreshold    int           `yaml:"circuit_breaker_threshold"`
	BreakerTimeout      int           `yaml:"circuit_breaker_timeout"` // seconds
	StickySessions      bool          `yaml:"sticky_sessions"`
}

// SeedBackend is one (host, port) member of a target pool.
type SeedBackend struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Weight         int    `yaml:"weight"`
	MaxConnections int    `yaml:"max_connections"`
}

// SeedPolicy declares an auto-scaling policy for a service.
type SeedPolicy struct {
	Service            string  `yaml:"service"`
	Enabled            *bool   `yaml:"enabled"`
	CPUUp              float64 `yaml:"cpu_up"`
	CPUDown            float64 `yaml:"cpu_down"`
	MemoryUp           float64 `yaml:"memory_up"`
	MemoryDown         float64 `yaml:"memory_down"`
	NetworkUp          float64 `yaml:"network_up"`
	NetworkDown        float64 `yaml:"network_down"`
	ScaleUpCooldown    int     `yaml:"scale_up_cooldown"`   // seconds
	ScaleDownCooldown  int     `yaml:"scale_down_cooldown"` // seconds
	EvaluationPeriods  int     `yaml:"evaluation_periods"`
	EvaluationInterval int     `yaml:"evaluation_interval"` // seconds
	MinReplicas        int     `yaml:"min_replicas"`
	MaxReplicas        int     `yaml:"max_replicas"`
	EnablePrediction   bool    `yaml:"enable_prediction"`
}

// SeedRule declares an auto-shutdown rule.
type SeedRule struct {
	Name                string          `yaml:"name"`
	Enabled             *bool           `yaml:"enabled"`
	Condition           string          `yaml:"condition"`
	Action              string          `yaml:"action"`
	Containers          []string        `yaml:"containers"`
	ExcludeContainers   []string        `yaml:"exclude_containers"`
	Tags                []string        `yaml:"tags"`
	InactivityThreshold int             `yaml:"inactivity_threshold"` // seconds
	CPUThreshold        float64         `yaml:"cpu_threshold"`
	MemoryThreshold     float64         `yaml:"memory_threshold"`
	NetworkThreshold    float64         `yaml:"network_threshold"`
	Cron                string          `yaml:"cron"`
	TimeRanges          []SeedTimeRange `yaml:"time_ranges"`
	DaysOfWeek          []string        `yaml:"days_of_week"`
	GracePeriod         int             `yaml:"grace_period"` // seconds
	ProtectIfConnected  bool            `yaml:"protect_if_connected"`
	ProtectIfUploading  bool            `yaml:"protect_if_uploading"`
	MinUptime           int             `yaml:"min_uptime"` // seconds
	AutoRestart         bool            `yaml:"auto_restart"`
	RestartSchedule     string          `yaml:"restart_schedule"`
}

// SeedTimeRange is a daily window in "HH:MM" notation.
type SeedTimeRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// SeedWebhook declares an outbound webhook subscription.
type SeedWebhook struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"` // webhook, discord, slack, mqtt
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Events  []string          `yaml:"events"`
	Headers map[string]string `yaml:"headers"`
	Enabled *bool             `yaml:"enabled"`
}

// LoadSeed reads and parses the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, c := range seed.Containers {
		if c.Name == "" || c.Image == "" {
			return nil, fmt.Errorf("containers[%d]: name and image are required", i)
		}
	}
	for i, t := range seed.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("proxy_targets[%d]: name is required", i)
		}
	}
	return &seed, nil
}
