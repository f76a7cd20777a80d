package dohgw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every series exposed on the gateway's /metrics endpoint
// (spec.md §4.7). One instance is created per process and threaded into the
// handler, cache, router, upstream manager and rate limiter at construction
// time, replacing the teacher's per-component expvar.Map/Int fields with
// labeled Prometheus collectors registered against a single registry.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec // labels: listener
	ErrorsTotal     *prometheus.CounterVec // labels: kind
	RequestDuration *prometheus.HistogramVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheInserts   prometheus.Counter
	CacheEvictions *prometheus.CounterVec // labels: reason
	CacheEntries   prometheus.Gauge
	CacheSaveTotal *prometheus.CounterVec // labels: status
	CacheSaveSecs  prometheus.Histogram

	UpstreamDuration *prometheus.HistogramVec // labels: group, resolver
	UpstreamErrors   *prometheus.CounterVec   // labels: group, resolver

	RateLimitRejections *prometheus.CounterVec // labels: reason

	ECSProcessed *prometheus.CounterVec // labels: strategy

	RoutingDecisions *prometheus.CounterVec // labels: result
	RuleCount        *prometheus.GaugeVec   // labels: type

	RuleUpdateDuration *prometheus.HistogramVec // labels: group, status
}

// NewMetrics constructs and registers every collector against a fresh
// registry, returning the bundle the rest of the gateway pulls fields from.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_requests_total",
			Help: "Total DoH requests accepted, by listener.",
		}, []string{"listener"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_errors_total",
			Help: "Total request errors, by kind.",
		}, []string{"kind"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dohgw_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"listener"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "dohgw_cache_hits_total",
			Help: "Cache lookups that returned a usable answer.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "dohgw_cache_misses_total",
			Help: "Cache lookups that found nothing usable.",
		}),
		CacheInserts: factory.NewCounter(prometheus.CounterOpts{
			Name: "dohgw_cache_inserts_total",
			Help: "Answers stored in the cache.",
		}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_cache_evictions_total",
			Help: "Cache entries removed, by reason (expired, flush, redis-write-skipped).",
		}, []string{"reason"}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dohgw_cache_entries",
			Help: "Current number of entries held in the cache.",
		}),
		CacheSaveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_cache_persist_total",
			Help: "Cache snapshot save/load operations, by status.",
		}, []string{"status"}),
		CacheSaveSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dohgw_cache_persist_duration_seconds",
			Help:    "Time spent writing or loading a cache snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dohgw_upstream_duration_seconds",
			Help:    "Upstream resolution latency, by group and resolver.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "resolver"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_upstream_errors_total",
			Help: "Upstream resolution failures, by group and resolver.",
		}, []string{"group", "resolver"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by reason (token_bucket, concurrency).",
		}, []string{"reason"}),
		ECSProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_ecs_processed_total",
			Help: "Queries processed by the ECS policy, by strategy applied.",
		}, []string{"strategy"}),
		RoutingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dohgw_routing_decisions_total",
			Help: "Routing outcomes, by result (group name, global, blackhole).",
		}, []string{"result"}),
		RuleCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dohgw_routing_rules",
			Help: "Number of compiled routing rules currently loaded, by type.",
		}, []string{"type"}),
		RuleUpdateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dohgw_rule_update_duration_seconds",
			Help:    "Duration of periodic URL rule refreshes, by group and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group", "status"}),
	}
	return m
}
