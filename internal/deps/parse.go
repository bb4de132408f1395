package deps

import (
	"strings"
)

// ParseComposeDependsOn extracts dependencies declared by docker compose.
// The label value looks like "svc1:service_started:true,svc2" where only the
// service name matters here.
func ParseComposeDependsOn(labels map[string]string) []string {
	v, ok := labels["com.docker.compose.depends_on"]
	if !ok || v == "" {
		return nil
	}
	var deps []string
	for _, entry := range strings.Split(v, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if name := strings.TrimSpace(parts[0]); name != "" {
			deps = append(deps, name)
		}
	}
	return deps
}

// ParseNetworkDependency extracts the container name from a
// "container:NAME" network mode. A container sharing another's network
// namespace cannot start before it.
func ParseNetworkDependency(networkMode string) string {
	if strings.HasPrefix(networkMode, "container:") {
		return strings.TrimPrefix(networkMode, "container:")
	}
	return ""
}

// Merge combines dependency lists, dropping duplicates while keeping first
// occurrence order.
func Merge(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, dep := range list {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}
