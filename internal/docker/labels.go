package docker

import (
	"strconv"
	"strings"
)

// ServiceType classifies a discovered service.
type ServiceType string

const (
	TypeWeb        ServiceType = "web"
	TypeAPI        ServiceType = "api"
	TypeDatabase   ServiceType = "database"
	TypeCache      ServiceType = "cache"
	TypeQueue      ServiceType = "queue"
	TypeMonitoring ServiceType = "monitoring"
	TypeUtility    ServiceType = "utility"
)

// ServiceLabels holds the parsed selfstart.* label set of a container.
type ServiceLabels struct {
	Type         ServiceType
	Port         int
	Path         string
	HealthPath   string
	Protocol     string
	Dependencies []string
	AutoScale    bool
	MinReplicas  int
	MaxReplicas  int
}

// Enabled reports whether a container opted into management via the
// selfstart.enable label.
func Enabled(labels map[string]string) bool {
	return strings.EqualFold(labels["selfstart.enable"], "true")
}

// ParseServiceLabels reads the optional selfstart.* labels, applying the
// documented defaults. Unknown service types fall back to web; malformed
// numbers fall back to their defaults rather than failing discovery.
func ParseServiceLabels(labels map[string]string) ServiceLabels {
	sl := ServiceLabels{
		Type:        TypeWeb,
		Port:        80,
		Path:        "/",
		HealthPath:  "/health",
		Protocol:    "http",
		MinReplicas: 1,
		MaxReplicas: 3,
	}

	switch ServiceType(strings.ToLower(labels["selfstart.type"])) {
	case TypeWeb, TypeAPI, TypeDatabase, TypeCache, TypeQueue, TypeMonitoring, TypeUtility:
		sl.Type = ServiceType(strings.ToLower(labels["selfstart.type"]))
	}

	if v, ok := labels["selfstart.port"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			sl.Port = n
		}
	}
	if v, ok := labels["selfstart.path"]; ok && v != "" {
		sl.Path = v
	}
	if v, ok := labels["selfstart.health_path"]; ok && v != "" {
		sl.HealthPath = v
	}
	if v, ok := labels["selfstart.protocol"]; ok && v != "" {
		sl.Protocol = strings.ToLower(v)
	}

	if v, ok := labels["selfstart.dependencies"]; ok {
		for _, dep := range strings.Split(v, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				sl.Dependencies = append(sl.Dependencies, dep)
			}
		}
	}

	sl.AutoScale = strings.EqualFold(labels["selfstart.auto_scale"], "true")
	if v, ok := labels["selfstart.min_replicas"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			sl.MinReplicas = n
		}
	}
	if v, ok := labels["selfstart.max_replicas"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= sl.MinReplicas {
			sl.MaxReplicas = n
		}
	}

	return sl
}
