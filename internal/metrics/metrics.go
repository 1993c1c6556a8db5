// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fictures"

var (
	// CacheHits counts cache reads that returned a value, by key class.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache reads that returned a value",
		},
		[]string{"class"},
	)

	// CacheMisses counts cache reads that found nothing, by key class.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache reads that found nothing",
		},
		[]string{"class"},
	)

	// CacheErrors counts absorbed cache infrastructure failures, by operation.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache store failures absorbed by the fail-open policy",
		},
		[]string{"op"},
	)

	// CacheInvalidations counts invalidation cascades, by kind.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Invalidation cascades executed",
		},
		[]string{"kind"},
	)

	// LocksAcquired counts fetch locks won.
	LocksAcquired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquired_total",
			Help:      "Distributed fetch locks acquired",
		},
	)

	// LockContention counts fetch-lock attempts that lost to another holder.
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Fetch-lock attempts that found the lock already held",
		},
	)

	// StampedeFallbacks counts fetches executed without the lock, either
	// because the contention retry window elapsed or the store was down.
	StampedeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stampede_fallbacks_total",
			Help:      "Fetches executed directly without holding the fetch lock",
		},
	)

	// ContextAssemblyDuration observes how long scene context assembly takes,
	// including the hierarchy fetch.
	ContextAssemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_assembly_seconds",
			Help:      "Scene context assembly duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AIRequests counts calls to the AI server, by kind and outcome.
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "AI server calls",
		},
		[]string{"kind", "outcome"},
	)

	// HTTPRequests counts API responses, by method and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API responses",
		},
		[]string{"method", "status"},
	)
)
