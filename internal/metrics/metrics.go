package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServicesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selfstart_services_total",
		Help: "Number of services currently in the registry.",
	})
	ServicesHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selfstart_services_healthy",
		Help: "Number of registry services with a positive health score.",
	})
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "selfstart_discovery_duration_seconds",
		Help:    "Duration of discovery reconcile cycles.",
		Buckets: prometheus.DefBuckets,
	})
	ContainerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfstart_container_starts_total",
		Help: "Total container start attempts by outcome.",
	}, []string{"outcome"})
	ContainerStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selfstart_container_stops_total",
		Help: "Total container stops issued by the orchestrator.",
	})
	StartQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selfstart_start_queue_depth",
		Help: "Start intents waiting in the startup queue.",
	})
	StartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "selfstart_start_duration_seconds",
		Help:    "Duration of container start pipelines.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfstart_proxy_requests_total",
		Help: "Proxied requests by target and outcome.",
	}, []string{"target", "outcome"})
	ProxyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selfstart_proxy_retries_total",
		Help: "Retries performed after connection failures or open breakers.",
	})
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "selfstart_breaker_state",
		Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
	}, []string{"target", "backend"})
	ScalingActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfstart_scaling_actions_total",
		Help: "Scaling actions by direction and outcome.",
	}, []string{"direction", "outcome"})
	ShutdownActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfstart_shutdown_actions_total",
		Help: "Shutdown rule actions by action and outcome.",
	}, []string{"action", "outcome"})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfstart_webhook_deliveries_total",
		Help: "Webhook deliveries by provider type and outcome.",
	}, []string{"type", "outcome"})
)
