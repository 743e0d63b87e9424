// Package metrics exposes the gateway's Prometheus collectors. They are
// registered on the default registry and served by httpapi on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranzas_sync_runs_total",
		Help: "Full-refresh attempts against the collections server, by outcome.",
	}, []string{"outcome"})

	ReplayItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranzas_replay_items_total",
		Help: "Queued submissions replayed against the server, by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cobranzas_queue_depth",
		Help: "Pending submissions currently buffered in the local store.",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranzas_cache_lookups_total",
		Help: "Interceptor cache lookups after a network failure, by result.",
	}, []string{"result"})

	OfflinePages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cobranzas_offline_pages_total",
		Help: "Responses served from the offline fallback page.",
	})

	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cobranzas_proxied_requests_total",
		Help: "Requests that crossed the network boundary, by path class and outcome.",
	}, []string{"class", "outcome"})
)
