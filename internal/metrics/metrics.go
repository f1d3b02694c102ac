package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directory holds the directory usage collectors. A nil *Directory is a
// valid no-op recorder.
type Directory struct {
	binds              *prometheus.CounterVec
	restartableFails   *prometheus.CounterVec
	socketsOpened      *prometheus.CounterVec
	socketsClosed      *prometheus.CounterVec
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	connectionFailures *prometheus.CounterVec
}

// NewRegistry returns a registry carrying the standard process and Go
// runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewDirectory registers the directory collectors on reg.
//
// Returns nil when reg is nil so callers can record unconditionally.
func NewDirectory(reg prometheus.Registerer) *Directory {
	if reg == nil {
		return nil
	}
	return &Directory{
		binds: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_bind_operations_total",
				Help: "Bind operations issued per server",
			},
			[]string{"server"},
		),
		restartableFails: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_restartable_failures_total",
				Help: "Failed attempts of restartable connections per server",
			},
			[]string{"server"},
		),
		socketsOpened: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_open_sockets_total",
				Help: "Sockets opened per server",
			},
			[]string{"server"},
		),
		socketsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_closed_sockets_total",
				Help: "Sockets closed per server",
			},
			[]string{"server"},
		),
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_operations_total",
				Help: "Directory operations by server, operation and result description",
			},
			[]string{"server", "operation", "result"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ldapgw_operation_duration_seconds",
				Help:    "Directory operation latency including connection setup",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"server", "operation"},
		),
		connectionFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldapgw_connection_failures_total",
				Help: "Connections that could not be established per server",
			},
			[]string{"server"},
		),
	}
}

// RecordUsage adds the counters of one connection.
func (m *Directory) RecordUsage(server string, binds, restartableFailures, opened, closed int) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(server).Add(float64(binds))
	m.restartableFails.WithLabelValues(server).Add(float64(restartableFailures))
	m.socketsOpened.WithLabelValues(server).Add(float64(opened))
	m.socketsClosed.WithLabelValues(server).Add(float64(closed))
}

func (m *Directory) RecordOperation(server, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(server, operation, result).Inc()
	m.operationDuration.WithLabelValues(server, operation).Observe(d.Seconds())
}

func (m *Directory) RecordConnectionFailure(server string) {
	if m == nil {
		return
	}
	m.connectionFailures.WithLabelValues(server).Inc()
}

// Handler serves the exposition format for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// InstrumentTransport counts and times the requests sent through next.
func InstrumentTransport(reg prometheus.Registerer, next http.RoundTripper) http.RoundTripper {
	requests := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldapgw_upstream_requests_total",
			Help: "Requests forwarded to the LDAP service by status code and method",
		},
		[]string{"code", "method"},
	)
	duration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ldapgw_upstream_request_duration_seconds",
			Help:    "Latency of requests forwarded to the LDAP service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	return promhttp.InstrumentRoundTripperCounter(requests,
		promhttp.InstrumentRoundTripperDuration(duration, next))
}
