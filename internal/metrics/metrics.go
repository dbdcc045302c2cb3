package metrics

import (
	"net/http"
	"sync"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgeraccounts/accounts/common/log"
)

var (
	// Registry holds every metric of the node.
	Registry = prometheus.NewRegistry()

	// ProtocolRuns counts protocol runs by protocol, role and outcome.
	ProtocolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_runs",
		Help: "Number of account protocol runs",
	}, []string{"protocol", "role", "outcome"})

	// SessionsOpened counts outgoing sessions by protocol.
	SessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_opened",
		Help: "Number of sessions opened to other parties",
	}, []string{"protocol"})

	// SessionFailures counts sessions that could not be opened or broke.
	SessionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_failures",
		Help: "Number of sessions that failed",
	}, []string{"protocol"})

	// DialFailures counts failed connections to peers.
	DialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dial_failures",
		Help: "Number of times there have been network connection issues",
	}, []string{"peer_address"})

	// OutgoingConnections is the number of cached client connections.
	OutgoingConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outgoing_connections",
		Help: "Number of peers with current outgoing connections",
	})

	// AccountsCreated counts accounts hosted here.
	AccountsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounts_created",
		Help: "Number of accounts created on this node",
	})

	// KeyIssuanceLatency measures how long it takes to obtain a key for an
	// account, by mode (local or remote).
	KeyIssuanceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "key_issuance_duration_seconds",
		Help:    "Time taken to obtain a key for an account",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// HTTPCallCounter (HTTP) how many control API requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})

	// HTTPLatency (HTTP) how long control API request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
)

// Outcome is the label value of a result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var bindOnce sync.Once

// Bind registers all the metrics into Registry. It is safe to call it more
// than once.
func Bind(l log.Logger) {
	bindOnce.Do(func() { bindMetrics(l) })
}

func bindMetrics(l log.Logger) {
	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		grpcprometheus.DefaultServerMetrics,
		grpcprometheus.DefaultClientMetrics,
		ProtocolRuns,
		SessionsOpened,
		SessionFailures,
		DialFailures,
		OutgoingConnections,
		AccountsCreated,
		KeyIssuanceLatency,
		HTTPCallCounter,
		HTTPLatency,
	}
	for _, c := range all {
		if err := Registry.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}
}

// Handler serves the content of Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
