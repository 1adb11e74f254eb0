// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promListenDefault       = "127.0.0.1:9000" // ":9000" to listen on all interfaces
	promPathDefault         = "/metrics"
	promMaxRequestsInFlight = 10
	promEnableOpenMetrics   = true
	promNamespace           = "srtrelay"
)

// Metrics holds the collectors of the relay. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections *prometheus.GaugeVec
	accepted    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	groups      prometheus.Gauge
	frames      prometheus.Counter
	bytesIn     prometheus.Counter
	bytesOut    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "connections",
			Help:      "Number of registered connections",
		}, []string{"role"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "connections_accepted_total",
			Help:      "Number of accepted and registered connections",
		}, []string{"role"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "connections_rejected_total",
			Help:      "Number of rejected connections",
		}, []string{"role", "reason"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "outputs_evicted_total",
			Help:      "Number of outputs removed by the relay",
		}, []string{"reason"}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "stream_groups",
			Help:      "Number of stream groups",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "frames_received_total",
			Help:      "Number of frames read from inputs",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from inputs",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to outputs",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.accepted, m.rejected, m.evicted, m.groups, m.frames, m.bytesIn, m.bytesOut)
	}

	return m
}

func (m *Metrics) connectionAccepted(role Role) {
	if m == nil {
		return
	}

	m.accepted.WithLabelValues(role.String()).Inc()
	m.connections.WithLabelValues(role.String()).Inc()
}

func (m *Metrics) connectionClosed(role Role) {
	if m == nil {
		return
	}

	m.connections.WithLabelValues(role.String()).Dec()
}

func (m *Metrics) connectionRejected(role Role, err error) {
	if m == nil {
		return
	}

	m.rejected.WithLabelValues(role.String(), rejectReason(err)).Inc()
}

func (m *Metrics) outputEvicted(err error) {
	if m == nil {
		return
	}

	reason := "unreachable"
	if errors.Is(err, ErrSendTimeout) {
		reason = "timeout"
	} else if err == nil {
		reason = "idle"
	}

	m.evicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameReceived(n int) {
	if m == nil {
		return
	}

	m.frames.Inc()
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) frameSent(n int) {
	if m == nil {
		return
	}

	m.bytesOut.Add(float64(n))
}

func (m *Metrics) setGroups(n int) {
	if m == nil {
		return
	}

	m.groups.Set(float64(n))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyIdentifier):
		return "empty_stream_id"
	case errors.Is(err, ErrAttributeRead):
		return "stream_id_unreadable"
	case errors.Is(err, ErrIdentifierRejected):
		return "stream_id_rejected"
	case errors.Is(err, ErrDuplicateInput):
		return "duplicate_input"
	case errors.Is(err, ErrConnectionLimit):
		return "connection_limit"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "other"
	}
}

// NewMetricsServer returns an HTTP server exposing the metrics of gatherer
// on config.Path. The PROM_LISTEN and PROM_PATH environment variables take
// precedence over the config. The server is not started.
func NewMetricsServer(config MetricsConfig, gatherer prometheus.Gatherer) *http.Server {
	promListen, promPath := environmentOverrideProm(config)

	mux := http.NewServeMux()
	mux.Handle(promPath, promhttp.HandlerFor(
		gatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   promEnableOpenMetrics,
			MaxRequestsInFlight: promMaxRequestsInFlight,
		},
	))

	return &http.Server{
		Addr:    promListen,
		Handler: mux,
	}
}

// validateListenAddress validates that the address is in the correct format
// for network listening. Supports both IPv4 (e.g., "127.0.0.1:9000") and
// IPv6 (e.g., "[::1]:9000" or ":9000") addresses.
func validateListenAddress(addr string) bool {
	if addr == "" {
		return false
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	return port != ""
}

// validateMetricsPath validates that the path is a valid HTTP path.
// It must start with a forward slash, not contain invalid characters,
// and be no longer than 50 characters.
func validateMetricsPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}

	if len(path) > 50 {
		return false
	}

	return !strings.ContainsAny(path, " \t\r\n")
}

// environmentOverrideProm returns the listen address and path from the
// config, overridden by PROM_LISTEN and PROM_PATH if they exist and pass
// validation.
func environmentOverrideProm(config MetricsConfig) (promListen, promPath string) {
	promListen = config.Listen
	promPath = config.Path

	if !validateListenAddress(promListen) {
		promListen = promListenDefault
	}

	if !validateMetricsPath(promPath) {
		promPath = promPathDefault
	}

	if value, exists := os.LookupEnv("PROM_LISTEN"); exists {
		if validateListenAddress(value) {
			promListen = value
		} else {
			log.Printf("prometheus: invalid PROM_LISTEN value '%s', using '%s'", value, promListen)
		}
	}

	if value, exists := os.LookupEnv("PROM_PATH"); exists {
		if validateMetricsPath(value) {
			promPath = value
		} else {
			log.Printf("prometheus: invalid PROM_PATH value '%s', using '%s'", value, promPath)
		}
	}

	return promListen, promPath
}
