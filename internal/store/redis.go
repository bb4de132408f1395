package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/selfstart/selfstart/internal/fault"
)

// Key namespaces. Everything the registry writes lives under "selfstart:".
const (
	keyServiceSet     = "selfstart:services"
	keyServicePrefix  = "selfstart:service:"
	keyMetricsPrefix  = "selfstart:metrics:"
	keyPolicyPrefix   = "selfstart:scaling_policy:"
	keyEventsPrefix   = "selfstart:scaling_events:"
	keyManagedPrefix  = "selfstart:container:"
	keyStatusPrefix   = "selfstart:status:"
	keyTargetPrefix   = "selfstart:proxy:target:"
	keyRoundRobinPref = "selfstart:proxy:round_robin_index:"
)

const (
	statusTTL     = time.Hour
	eventsTTL     = 7 * 24 * time.Hour
	maxEventsKept = 100
	roundRobinTTL = time.Hour
)

// Registry is the Redis-backed KV tier. Service entries carry a TTL so
// entries for vanished containers age out even if cleanup never runs.
type Registry struct {
	db *redis.Client
}

// NewRegistry connects to the Redis instance described by url
// (redis://host:port/db). The connection is lazy; call Ping to verify it.
func NewRegistry(url string) (*Registry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fault.Wrap(err, fault.Validation, "parse redis url")
	}
	return &Registry{db: redis.NewClient(opt)}, nil
}

// NewRegistryFromClient wraps an existing client. Used by tests.
func NewRegistryFromClient(db *redis.Client) *Registry {
	return &Registry{db: db}
}

// Ping verifies the connection.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "ping redis")
	}
	return nil
}

// Close releases the client.
func (r *Registry) Close() error {
	return r.db.Close()
}

// SaveService upserts a service entry with the given TTL and adds its name
// to the service index set.
func (r *Registry) SaveService(ctx context.Context, svc *Service, ttl time.Duration) error {
	raw, err := json.Marshal(svc)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal service %s", svc.Name)
	}
	pipe := r.db.TxPipeline()
	pipe.Set(ctx, keyServicePrefix+svc.Name, raw, ttl)
	pipe.SAdd(ctx, keyServiceSet, svc.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(err, fault.StoreError, "save service %s", svc.Name)
	}
	return nil
}

// GetService loads one service entry.
func (r *Registry) GetService(ctx context.Context, name string) (*Service, error) {
	raw, err := r.db.Get(ctx, keyServicePrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "service %s not found", name)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get service %s", name)
	}
	var svc Service
	if err := json.Unmarshal(raw, &svc); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "decode service %s", name)
	}
	return &svc, nil
}

// ListServices returns all live service entries. Index members whose entry
// has expired are pruned from the set as they are encountered.
func (r *Registry) ListServices(ctx context.Context) ([]*Service, error) {
	names, err := r.db.SMembers(ctx, keyServiceSet).Result()
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "list service index")
	}
	out := make([]*Service, 0, len(names))
	for _, name := range names {
		svc, err := r.GetService(ctx, name)
		if fault.IsKind(err, fault.NotFound) {
			r.db.SRem(ctx, keyServiceSet, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// DeleteService removes a service entry and its index membership.
func (r *Registry) DeleteService(ctx context.Context, name string) error {
	pipe := r.db.TxPipeline()
	pipe.Del(ctx, keyServicePrefix+name)
	pipe.SRem(ctx, keyServiceSet, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(err, fault.StoreError, "delete service %s", name)
	}
	return nil
}

// PushMetrics prepends a sample to the service's metrics list, trims the
// list to keep, and refreshes the retention TTL.
func (r *Registry) PushMetrics(ctx context.Context, service string, pt MetricsPoint, keep int, retention time.Duration) error {
	raw, err := json.Marshal(pt)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal metrics for %s", service)
	}
	key := keyMetricsPrefix + service
	pipe := r.db.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(keep)-1)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(err, fault.StoreError, "push metrics for %s", service)
	}
	return nil
}

// GetMetrics returns up to n samples in chronological order, oldest first.
func (r *Registry) GetMetrics(ctx context.Context, service string, n int) ([]MetricsPoint, error) {
	raws, err := r.db.LRange(ctx, keyMetricsPrefix+service, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get metrics for %s", service)
	}
	out := make([]MetricsPoint, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var pt MetricsPoint
		if err := json.Unmarshal([]byte(raws[i]), &pt); err != nil {
			return nil, fault.Wrap(err, fault.Internal, "decode metrics for %s", service)
		}
		out = append(out, pt)
	}
	return out, nil
}

// SavePolicy upserts a scaling policy.
func (r *Registry) SavePolicy(ctx context.Context, p *ScalingPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal policy %s", p.Service)
	}
	if err := r.db.Set(ctx, keyPolicyPrefix+p.Service, raw, 0).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "save policy %s", p.Service)
	}
	return nil
}

// GetPolicy loads the scaling policy for a service.
func (r *Registry) GetPolicy(ctx context.Context, service string) (*ScalingPolicy, error) {
	raw, err := r.db.Get(ctx, keyPolicyPrefix+service).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "no scaling policy for %s", service)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get policy %s", service)
	}
	var p ScalingPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "decode policy %s", service)
	}
	return &p, nil
}

// DeletePolicy removes a scaling policy.
func (r *Registry) DeletePolicy(ctx context.Context, service string) error {
	if err := r.db.Del(ctx, keyPolicyPrefix+service).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "delete policy %s", service)
	}
	return nil
}

// ListPolicies returns all scaling policies.
func (r *Registry) ListPolicies(ctx context.Context) ([]*ScalingPolicy, error) {
	keys, err := r.scanKeys(ctx, keyPolicyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*ScalingPolicy, 0, len(keys))
	for _, key := range keys {
		raw, err := r.db.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(err, fault.StoreError, "get %s", key)
		}
		var p ScalingPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fault.Wrap(err, fault.Internal, "decode %s", key)
		}
		out = append(out, &p)
	}
	return out, nil
}

// AppendScalingEvent prepends an audit record to the service's event list,
// capped at the last hundred entries.
func (r *Registry) AppendScalingEvent(ctx context.Context, ev *ScalingEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal scaling event for %s", ev.Service)
	}
	key := keyEventsPrefix + ev.Service
	pipe := r.db.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, maxEventsKept-1)
	pipe.Expire(ctx, key, eventsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(err, fault.StoreError, "append scaling event for %s", ev.Service)
	}
	return nil
}

// ListScalingEvents returns up to n events, newest first.
func (r *Registry) ListScalingEvents(ctx context.Context, service string, n int) ([]*ScalingEvent, error) {
	raws, err := r.db.LRange(ctx, keyEventsPrefix+service, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "list scaling events for %s", service)
	}
	out := make([]*ScalingEvent, 0, len(raws))
	for _, raw := range raws {
		var ev ScalingEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fault.Wrap(err, fault.Internal, "decode scaling event for %s", service)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// SaveContainerConfig upserts a managed container declaration.
func (r *Registry) SaveContainerConfig(ctx context.Context, cfg *ContainerConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal container config %s", cfg.Name)
	}
	if err := r.db.Set(ctx, keyManagedPrefix+cfg.Name, raw, 0).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "save container config %s", cfg.Name)
	}
	return nil
}

// GetContainerConfig loads one managed container declaration.
func (r *Registry) GetContainerConfig(ctx context.Context, name string) (*ContainerConfig, error) {
	raw, err := r.db.Get(ctx, keyManagedPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "container %s not registered", name)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get container config %s", name)
	}
	var cfg ContainerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "decode container config %s", name)
	}
	return &cfg, nil
}

// ListContainerConfigs returns all managed container declarations.
func (r *Registry) ListContainerConfigs(ctx context.Context) ([]*ContainerConfig, error) {
	keys, err := r.scanKeys(ctx, keyManagedPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*ContainerConfig, 0, len(keys))
	for _, key := range keys {
		raw, err := r.db.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(err, fault.StoreError, "get %s", key)
		}
		var cfg ContainerConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fault.Wrap(err, fault.Internal, "decode %s", key)
		}
		out = append(out, &cfg)
	}
	return out, nil
}

// DeleteContainerConfig removes a managed container declaration.
func (r *Registry) DeleteContainerConfig(ctx context.Context, name string) error {
	if err := r.db.Del(ctx, keyManagedPrefix+name).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "delete container config %s", name)
	}
	return nil
}

// SetStatus caches a status snapshot for an hour.
func (r *Registry) SetStatus(ctx context.Context, name string, st *ServiceStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal status %s", name)
	}
	if err := r.db.Set(ctx, keyStatusPrefix+name, raw, statusTTL).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "set status %s", name)
	}
	return nil
}

// GetStatus loads a cached status snapshot.
func (r *Registry) GetStatus(ctx context.Context, name string) (*ServiceStatus, error) {
	raw, err := r.db.Get(ctx, keyStatusPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "no status for %s", name)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get status %s", name)
	}
	var st ServiceStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "decode status %s", name)
	}
	return &st, nil
}

// SaveProxyTarget upserts a proxy target configuration.
func (r *Registry) SaveProxyTarget(ctx context.Context, t *ProxyTarget) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fault.Wrap(err, fault.Internal, "marshal proxy target %s", t.Name)
	}
	if err := r.db.Set(ctx, keyTargetPrefix+t.Name, raw, 0).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "save proxy target %s", t.Name)
	}
	return nil
}

// GetProxyTarget loads one proxy target configuration.
func (r *Registry) GetProxyTarget(ctx context.Context, name string) (*ProxyTarget, error) {
	raw, err := r.db.Get(ctx, keyTargetPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "proxy target %s not found", name)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "get proxy target %s", name)
	}
	var t ProxyTarget
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "decode proxy target %s", name)
	}
	return &t, nil
}

// ListProxyTargets returns all proxy target configurations.
func (r *Registry) ListProxyTargets(ctx context.Context) ([]*ProxyTarget, error) {
	keys, err := r.scanKeys(ctx, keyTargetPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*ProxyTarget, 0, len(keys))
	for _, key := range keys {
		raw, err := r.db.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(err, fault.StoreError, "get %s", key)
		}
		var t ProxyTarget
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fault.Wrap(err, fault.Internal, "decode %s", key)
		}
		out = append(out, &t)
	}
	return out, nil
}

// DeleteProxyTarget removes a proxy target configuration.
func (r *Registry) DeleteProxyTarget(ctx context.Context, name string) error {
	if err := r.db.Del(ctx, keyTargetPrefix+name).Err(); err != nil {
		return fault.Wrap(err, fault.StoreError, "delete proxy target %s", name)
	}
	return nil
}

// NextRoundRobin increments and returns the shared round-robin counter for
// a target, so rotation survives restarts and is coherent across replicas.
// The counter idles out after an hour.
func (r *Registry) NextRoundRobin(ctx context.Context, target string) (int64, error) {
	key := keyRoundRobinPref + target
	n, err := r.db.Incr(ctx, key).Result()
	if err != nil {
		return 0, fault.Wrap(err, fault.StoreError, "advance round robin for %s", target)
	}
	r.db.Expire(ctx, key, roundRobinTTL)
	return n, nil
}

func (r *Registry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.db.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fault.Wrap(err, fault.StoreError, "scan %s", pattern)
	}
	return keys, nil
}
