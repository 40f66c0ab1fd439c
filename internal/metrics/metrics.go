// Package metrics holds the Prometheus collectors shared by the client
// library, the server and the simulated backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexagent_client_requests_total",
		Help: "Agent client requests by operation and outcome",
	}, []string{"op", "outcome"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexagent_retry_attempts_total",
		Help: "Retries scheduled by the retry runner, by operation",
	}, []string{"operation"})

	RetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexagent_retry_exhausted_total",
		Help: "Operations that ended without success, by operation",
	}, []string{"operation"})

	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexagent_poll_ticks_total",
		Help: "Task status polls issued",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexagent_stream_reconnects_total",
		Help: "Realtime channel reconnect attempts",
	})

	StreamMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexagent_stream_malformed_total",
		Help: "Realtime messages dropped because they could not be decoded",
	})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lexagent_stream_clients",
		Help: "Connected event-stream clients",
	})

	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexagent_graphql_proxy_requests_total",
		Help: "GraphQL proxy requests by upstream status",
	}, []string{"status"})

	ProxyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lexagent_graphql_proxy_duration_seconds",
		Help:    "GraphQL proxy round-trip duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	SimTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexagent_sim_tasks_total",
		Help: "Simulated backend tasks reaching a terminal status",
	}, []string{"agent_type", "status"})
)
