package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ListenerPollsTotal tracks reconciliation passes
	ListenerPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txtracker_listener_polls_total",
			Help: "Total number of confirmation listener passes",
		},
	)

	// ListenerPendingTransactions tracks the size of the working set
	ListenerPendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txtracker_listener_pending_transactions",
			Help: "Number of transactions the listener still polls for",
		},
	)

	// ListenerTransitionsTotal tracks entries reaching a terminal status
	ListenerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txtracker_listener_transitions_total",
			Help: "Total number of transactions moved to a terminal status",
		},
		[]string{"status"},
	)

	// ConfirmationLatency tracks submit-to-confirm time
	ConfirmationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txtracker_confirmation_latency_seconds",
			Help:    "Time between submission and observed confirmation",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// SessionsActive tracks live signing sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txtracker_sessions_active",
			Help: "Number of signing sessions held by the in-memory registry",
		},
	)

	// SessionOpsTotal tracks registry operations by outcome
	SessionOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txtracker_session_ops_total",
			Help: "Total number of session registry operations",
		},
		[]string{"op", "result"},
	)

	// BridgeWritesTotal tracks records written by the legacy bridge
	BridgeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txtracker_bridge_writes_total",
			Help: "Total number of durable writes made by the legacy bridge",
		},
		[]string{"kind"},
	)

	// NodeRequestsTotal tracks node API calls
	NodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txtracker_node_requests_total",
			Help: "Total number of node API calls",
		},
		[]string{"method", "result"},
	)

	// NodeLatency tracks node API call latency
	NodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txtracker_node_latency_seconds",
			Help:    "Node API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// NodeHeight tracks the last height reported by the node
	NodeHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txtracker_node_height",
			Help: "Latest full height reported by the node",
		},
	)

	// RecordsPruned tracks records removed by retention
	RecordsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "txtracker_records_pruned_total",
			Help: "Total number of history records removed by retention",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txtracker_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txtracker_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "code"},
	)
)
