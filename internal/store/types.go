// Package store persists the orchestrator's durable state: a Redis-backed
// registry tier (services, metrics, policies, proxy targets, statuses) and
// a BoltDB tier (shutdown rules, shutdown logs, webhooks).
//
// The types below are the canonical wire schemas. Control loops keep their
// own in-memory views and convert at the boundary; transient state
// (connection counts, breaker state, cooldown timers) is never persisted.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Service is the registry entry for one discovered workload.
type Service struct {
	Name             string            `json:"name"`
	ContainerID      string            `json:"container_id"`
	Image            string            `json:"image,omitempty"`
	ServiceType      string            `json:"service_type"`
	Status           string            `json:"status"` // running, starting, stopped, unhealthy, unknown
	HealthScore      float64           `json:"health_score"`
	Endpoints        []Endpoint        `json:"endpoints"`
	Dependencies     []string          `json:"dependencies"`
	Labels           map[string]string `json:"labels"`
	Environment      map[string]string `json:"environment"`
	AutoScaleEnabled bool              `json:"auto_scale_enabled"`
	MinReplicas      int               `json:"min_replicas"`
	MaxReplicas      int               `json:"max_replicas"`
	CreatedAt        time.Time         `json:"created_at"`
	LastSeen         time.Time         `json:"last_seen"`
}

// Endpoint is one addressable port of a service.
type Endpoint struct {
	Protocol   string `json:"protocol"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Path       string `json:"path"`
	HealthPath string `json:"health_path"`
}

// URL renders the endpoint base address.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
}

// ServiceStatus is the cached status snapshot served to the frontend.
type ServiceStatus struct {
	Status        string    `json:"status"`
	ContainerName string    `json:"container_name"`
	Uptime        float64   `json:"uptime"` // seconds
	Port          int       `json:"port"`
	Message       string    `json:"message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ContainerConfig declares how the orchestrator creates a managed container.
type ContainerConfig struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Ports          map[string]string `json:"ports"` // host -> container
	Environment    map[string]string `json:"environment"`
	Volumes        []string          `json:"volumes"`
	Labels         map[string]string `json:"labels"`
	Networks       []string          `json:"networks"`
	DependsOn      []string          `json:"depends_on"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`
	HealthCheckCmd []string          `json:"health_check_cmd,omitempty"`
	RestartPolicy  string            `json:"restart_policy,omitempty"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// Validate rejects configs the orchestrator cannot act on.
func (c *ContainerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	for dep := range sliceSet(c.DependsOn) {
		if dep == c.Name {
			errs = append(errs, fmt.Errorf("container %q depends on itself", c.Name))
		}
	}
	return errors.Join(errs...)
}

// MetricsPoint is one resource sample for a service.
type MetricsPoint struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	NetworkInMbps  float64   `json:"network_in_mbps"`
	NetworkOutMbps float64   `json:"network_out_mbps"`
	RequestRate    float64   `json:"request_rate"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	ErrorRate      float64   `json:"error_rate"`
	QueueLength    int       `json:"queue_length"`
	Timestamp      time.Time `json:"timestamp"`
}

// ScalingPolicy configures the auto-scaler for one service.
// Cooldowns and intervals are in seconds.
type ScalingPolicy struct {
	Service            string  `json:"service"`
	Enabled            bool    `json:"enabled"`
	CPUUp              float64 `json:"cpu_up"`
	CPUDown            float64 `json:"cpu_down"`
	MemoryUp           float64 `json:"memory_up"`
	MemoryDown         float64 `json:"memory_down"`
	NetworkUp          float64 `json:"network_up"`
	NetworkDown        float64 `json:"network_down"`
	ScaleUpCooldown    int     `json:"scale_up_cooldown"`
	ScaleDownCooldown  int     `json:"scale_down_cooldown"`
	EvaluationPeriods  int     `json:"evaluation_periods"`
	EvaluationInterval int     `json:"evaluation_interval"`
	MinReplicas        int     `json:"min_replicas"`
	MaxReplicas        int     `json:"max_replicas"`
	EnablePrediction   bool    `json:"enable_prediction"`
}

// DefaultScalingPolicy returns the policy applied when a service enables
// auto-scaling without explicit tuning.
func DefaultScalingPolicy(service string) ScalingPolicy {
	return ScalingPolicy{
		Service:            service,
		Enabled:            true,
		CPUUp:              80,
		CPUDown:            30,
		MemoryUp:           80,
		MemoryDown:         30,
		NetworkUp:          100,
		NetworkDown:        10,
		ScaleUpCooldown:    300,
		ScaleDownCooldown:  600,
		EvaluationPeriods:  3,
		EvaluationInterval: 60,
		MinReplicas:        1,
		MaxReplicas:        3,
		EnablePrediction:   true,
	}
}

// Validate enforces the policy invariants: every down threshold strictly
// below its up threshold, cooldowns at least one evaluation interval, and
// a sane replica range.
func (p *ScalingPolicy) Validate() error {
	var errs []error
	if p.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	type axis struct {
		name     string
		up, down float64
	}
	for _, a := range []axis{
		{"cpu", p.CPUUp, p.CPUDown},
		{"memory", p.MemoryUp, p.MemoryDown},
		{"network", p.NetworkUp, p.NetworkDown},
	} {
		if a.down >= a.up {
			errs = append(errs, fmt.Errorf("%s down threshold (%g) must be below up threshold (%g)", a.name, a.down, a.up))
		}
	}
	if p.EvaluationPeriods < 1 {
		errs = append(errs, fmt.Errorf("evaluation_periods must be >= 1, got %d", p.EvaluationPeriods))
	}
	if p.EvaluationInterval < 1 {
		errs = append(errs, fmt.Errorf("evaluation_interval must be >= 1, got %d", p.EvaluationInterval))
	}
	if p.ScaleUpCooldown < p.EvaluationInterval || p.ScaleDownCooldown < p.EvaluationInterval {
		errs = append(errs, errors.New("cooldowns must be >= evaluation_interval"))
	}
	if p.MinReplicas < 0 || p.MaxReplicas < p.MinReplicas {
		errs = append(errs, fmt.Errorf("replica range %d..%d is invalid", p.MinReplicas, p.MaxReplicas))
	}
	return errors.Join(errs...)
}

// UpCooldown returns the scale-up cooldown as a duration.
func (p *ScalingPolicy) UpCooldown() time.Duration {
	return time.Duration(p.ScaleUpCooldown) * time.Second
}

// DownCooldown returns the scale-down cooldown as a duration.
func (p *ScalingPolicy) DownCooldown() time.Duration {
	return time.Duration(p.ScaleDownCooldown) * time.Second
}

// Interval returns the evaluation interval as a duration.
func (p *ScalingPolicy) Interval() time.Duration {
	return time.Duration(p.EvaluationInterval) * time.Second
}

// ScalingEvent is an append-only audit record of one scale decision.
type ScalingEvent struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	Direction   string    `json:"direction"` // up, down
	Trigger     string    `json:"trigger"`   // automatic, manual
	OldReplicas int       `json:"old_replicas"`
	NewReplicas int       `json:"new_replicas"`
	Reason      string    `json:"reason"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Selection policies for proxy targets.
const (
	PolicyRoundRobin       = "round_robin"
	PolicyLeastConnections = "least_connections"
	PolicyWeighted         = "weighted"
	PolicyIPHash           = "ip_hash"
	PolicyHealthBased      = "health_based"
)

// ProxyTarget is the persisted configuration of one backend pool.
// Intervals and timeouts are in seconds.
type ProxyTarget struct {
	Name                string        `json:"name"`
	Policy              string        `json:"policy"`
	Backends            []BackendSpec `json:"backends"`
	HealthCheckPath     string        `json:"health_check_path"`
	HealthCheckInterval int           `json:"health_check_interval"`
	HealthCheckTimeout  int           `json:"health_check_timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          float64       `json:"retry_delay"` // seconds
	BreakerThreshold    int           `json:"circuit_breaker_threshold"`
	BreakerTimeout      int           `json:"circuit_breaker_timeout"`
	StickySessions      bool          `json:"sticky_sessions"`
}

// BackendSpec is the persisted shape of one backend.
type BackendSpec struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Weight         int    `json:"weight"`
	MaxConnections int    `json:"max_connections"`
}

// ApplyDefaults fills zero-valued tuning fields with the documented defaults.
func (t *ProxyTarget) ApplyDefaults() {
	if t.Policy == "" {
		t.Policy = PolicyRoundRobin
	}
	if t.HealthCheckPath == "" {
		t.HealthCheckPath = "/health"
	}
	if t.HealthCheckInterval <= 0 {
		t.HealthCheckInterval = 30
	}
	if t.HealthCheckTimeout <= 0 {
		t.HealthCheckTimeout = 5
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = 1.0
	}
	if t.BreakerThreshold <= 0 {
		t.BreakerThreshold = 5
	}
	if t.BreakerTimeout <= 0 {
		t.BreakerTimeout = 60
	}
	for i := range t.Backends {
		if t.Backends[i].Weight <= 0 {
			t.Backends[i].Weight = 1
		}
		if t.Backends[i].MaxConnections <= 0 {
			t.Backends[i].MaxConnections = 100
		}
	}
}

// Validate rejects targets with unknown policies or unusable backends.
func (t *ProxyTarget) Validate() error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch t.Policy {
	case PolicyRoundRobin, PolicyLeastConnections, PolicyWeighted, PolicyIPHash, PolicyHealthBased:
	default:
		errs = append(errs, fmt.Errorf("unsupported selection policy %q", t.Policy))
	}
	for i, b := range t.Backends {
		if b.Host == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: host is required", i))
		}
		if b.Port < 1 || b.Port > 65535 {
			errs = append(errs, fmt.Errorf("backends[%d]: port %d out of range", i, b.Port))
		}
	}
	return errors.Join(errs...)
}

// Shutdown rule conditions and actions.
const (
	CondInactivity   = "inactivity"
	CondSchedule     = "schedule"
	CondLowResources = "low_resources"
	CondIdleTime     = "idle_time"

	ActionStop      = "stop"
	ActionPause     = "pause"
	ActionRestart   = "restart"
	ActionScaleDown = "scale_down"
)

// ShutdownRule declares when and how a container is shut down.
// Thresholds follow the metrics units (percent, Mbps); durations are seconds.
type ShutdownRule struct {
	ID                  uint64      `json:"id"`
	Name                string      `json:"name"`
	Enabled             bool        `json:"enabled"`
	Condition           string      `json:"condition"`
	Action              string      `json:"action"`
	Containers          []string    `json:"containers,omitempty"`
	ExcludeContainers   []string    `json:"exclude_containers,omitempty"`
	Tags                []string    `json:"tags,omitempty"`
	InactivityThreshold int         `json:"inactivity_threshold,omitempty"`
	CPUThreshold        float64     `json:"cpu_threshold,omitempty"`
	MemoryThreshold     float64     `json:"memory_threshold,omitempty"`
	NetworkThreshold    float64     `json:"network_threshold,omitempty"`
	Cron                string      `json:"cron,omitempty"`
	TimeRanges          []TimeRange `json:"time_ranges,omitempty"`
	DaysOfWeek          []string    `json:"days_of_week,omitempty"`
	GracePeriod         int         `json:"grace_period"`
	ProtectIfConnected  bool        `json:"protect_if_connected"`
	ProtectIfUploading  bool        `json:"protect_if_uploading"`
	MinUptime           int         `json:"min_uptime"`
	AutoRestart         bool        `json:"auto_restart"`
	RestartSchedule     string      `json:"restart_schedule,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TimeRange is a daily window in "HH:MM" notation, inclusive on both ends.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate enforces the rule invariants, including the schedule shape:
// a schedule condition carries either a cron expression or a
// (time_ranges, days_of_week) pair, never both.
func (r *ShutdownRule) Validate() error {
	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch r.Condition {
	case CondInactivity, CondSchedule, CondLowResources, CondIdleTime:
	default:
		errs = append(errs, fmt.Errorf("unknown condition %q", r.Condition))
	}
	switch r.Action {
	case ActionStop, ActionPause, ActionRestart, ActionScaleDown:
	default:
		errs = append(errs, fmt.Errorf("unknown action %q", r.Action))
	}
	if r.Condition == CondSchedule {
		hasCron := r.Cron != ""
		hasRanges := len(r.TimeRanges) > 0
		switch {
		case hasCron && hasRanges:
			errs = append(errs, errors.New("schedule rule must not set both cron and time_ranges"))
		case !hasCron && !hasRanges:
			errs = append(errs, errors.New("schedule rule needs a cron expression or time_ranges"))
		}
	}
	for _, tr := range r.TimeRanges {
		for _, v := range []string{tr.Start, tr.End} {
			if _, err := time.Parse("15:04", v); err != nil {
				errs = append(errs, fmt.Errorf("time range value %q is not HH:MM", v))
			}
		}
	}
	for _, d := range r.DaysOfWeek {
		if _, err := ParseWeekday(d); err != nil {
			errs = append(errs, err)
		}
	}
	if r.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must be >= 0, got %d", r.GracePeriod))
	}
	return errors.Join(errs...)
}

// ParseWeekday maps a lowercase day name to time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	switch s {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// ShutdownLog is an append-only record of one rule evaluation outcome.
type ShutdownLog struct {
	ID            uint64    `json:"id"`
	RuleID        uint64    `json:"rule_id"`
	RuleName      string    `json:"rule_name"`
	ContainerName string    `json:"container_name"`
	Condition     string    `json:"condition"`
	Action        string    `json:"action"`
	Success       bool      `json:"success"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WebhookConfig is a persisted outbound webhook subscription.
type WebhookConfig struct {
	ID        uint64            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"` // webhook, discord, slack, mqtt, gotify, ntfy, log
	URL       string            `json:"url"`
	Secret    string            `json:"secret,omitempty"`
	Events    []string          `json:"events"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// WebhookLog records one delivery attempt chain for a webhook.
type WebhookLog struct {
	ID         uint64    `json:"id"`
	WebhookID  uint64    `json:"webhook_id"`
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"`
	StatusCode int       `json:"status_code,omitempty"`
	Success    bool      `json:"success"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RestartMark schedules a container start after an auto_restart rule fired.
type RestartMark struct {
	ContainerName string    `json:"container_name"`
	RuleID        uint64    `json:"rule_id"`
	At            time.Time `json:"at"`
}

func sliceSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}
