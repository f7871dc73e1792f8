// Package metrics provides Prometheus instrumentation and a JSON stats endpoint
// for the ytap proxy.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTopEntries = 100

// Metrics collects Prometheus counters and histograms for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	exchangesTotal   *prometheus.CounterVec
	injectionLatency prometheus.Histogram
	injectedBytes    prometheus.Counter
	rateLimited      prometheus.Counter

	tunnelsTotal   *prometheus.CounterVec
	tunnelDuration prometheus.Histogram
	tunnelBytes    prometheus.Counter
	activeTunnels  prometheus.Gauge

	mu               sync.Mutex
	startTime        time.Time
	topInjectedHosts map[string]int64
	injectedCount    int64
	outcomeCounts    map[string]int64 // keyed by non-injected result name
	faultCount       int64
	tunnelCount      int64
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	exchangesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytap",
		Name:      "exchanges_total",
		Help:      "Total number of handled exchanges by result.",
	}, []string{"result"})

	injectionLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ytap",
		Name:      "injection_duration_seconds",
		Help:      "Time spent rewriting an eligible response in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	injectedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ytap",
		Name:      "injected_bytes_total",
		Help:      "Total bytes of rewritten response bodies sent to clients.",
	})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ytap",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the per-host rate limiter.",
	})

	tunnelsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytap",
		Name:      "tunnels_total",
		Help:      "Total CONNECT tunnels by result.",
	}, []string{"result"})

	tunnelDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ytap",
		Name:      "tunnel_duration_seconds",
		Help:      "CONNECT tunnel duration in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	tunnelBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ytap",
		Name:      "tunnel_bytes_total",
		Help:      "Total bytes transferred through CONNECT tunnels.",
	})

	activeTunnels := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ytap",
		Name:      "active_tunnels",
		Help:      "Current number of active CONNECT tunnels.",
	})

	reg.MustRegister(exchangesTotal, injectionLatency, injectedBytes, rateLimited,
		tunnelsTotal, tunnelDuration, tunnelBytes, activeTunnels)

	return &Metrics{
		registry:         reg,
		exchangesTotal:   exchangesTotal,
		injectionLatency: injectionLatency,
		injectedBytes:    injectedBytes,
		rateLimited:      rateLimited,
		tunnelsTotal:     tunnelsTotal,
		tunnelDuration:   tunnelDuration,
		tunnelBytes:      tunnelBytes,
		activeTunnels:    activeTunnels,
		startTime:        time.Now(),
		topInjectedHosts: make(map[string]int64),
		outcomeCounts:    make(map[string]int64),
	}
}

// RecordInjected records a successfully rewritten exchange.
func (m *Metrics) RecordInjected(host string, rewrittenBytes int, duration time.Duration) {
	m.exchangesTotal.WithLabelValues("injected").Inc()
	m.injectionLatency.Observe(duration.Seconds())
	m.injectedBytes.Add(float64(rewrittenBytes))

	m.mu.Lock()
	m.injectedCount++
	if len(m.topInjectedHosts) < maxTopEntries {
		m.topInjectedHosts[host]++
	} else if _, exists := m.topInjectedHosts[host]; exists {
		m.topInjectedHosts[host]++
	}
	m.mu.Unlock()
}

// RecordOutcome records a handled exchange that did not result in a rewrite.
// result is the snake_case outcome name (skipped, no_document,
// already_injected, empty_body, parse_failure). Each outcome is tallied
// separately so /stats does not fold parse failures into skips.
func (m *Metrics) RecordOutcome(result string) {
	m.exchangesTotal.WithLabelValues(result).Inc()

	m.mu.Lock()
	m.outcomeCounts[result]++
	m.mu.Unlock()
}

// RecordFault records a recovered fault inside the rewriting pipeline.
func (m *Metrics) RecordFault() {
	m.exchangesTotal.WithLabelValues("fault").Inc()

	m.mu.Lock()
	m.faultCount++
	m.mu.Unlock()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordTunnel records a completed CONNECT tunnel.
func (m *Metrics) RecordTunnel(duration time.Duration, totalBytes int64) {
	m.tunnelsTotal.WithLabelValues("completed").Inc()
	m.tunnelDuration.Observe(duration.Seconds())
	m.tunnelBytes.Add(float64(totalBytes))

	m.mu.Lock()
	m.tunnelCount++
	m.mu.Unlock()
}

// RecordTunnelRejected records a CONNECT attempt that was not tunneled.
func (m *Metrics) RecordTunnelRejected() {
	m.tunnelsTotal.WithLabelValues("rejected").Inc()
}

// IncrActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncrActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecrActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecrActiveTunnels() {
	m.activeTunnels.Dec()
}

// PrometheusHandler returns an HTTP handler that serves /metrics in Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatsHandler returns an HTTP handler that serves a JSON stats summary.
func (m *Metrics) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		m.mu.Lock()
		total := m.injectedCount + m.faultCount
		for _, n := range m.outcomeCounts {
			total += n
		}
		stats := statsResponse{
			UptimeSeconds: time.Since(m.startTime).Seconds(),
			Exchanges: exchangeStats{
				Total:           total,
				Injected:        m.injectedCount,
				Skipped:         m.outcomeCounts["skipped"],
				EmptyBody:       m.outcomeCounts["empty_body"],
				NoDocument:      m.outcomeCounts["no_document"],
				AlreadyInjected: m.outcomeCounts["already_injected"],
				ParseFailures:   m.outcomeCounts["parse_failure"],
				Faults:          m.faultCount,
			},
			Tunnels:          m.tunnelCount,
			TopInjectedHosts: topN(m.topInjectedHosts),
		}
		if total > 0 {
			stats.Exchanges.InjectionRate = float64(m.injectedCount) / float64(total)
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}
}

type statsResponse struct {
	UptimeSeconds    float64       `json:"uptime_seconds"`
	Exchanges        exchangeStats `json:"exchanges"`
	Tunnels          int64         `json:"tunnels"`
	TopInjectedHosts []rankedEntry `json:"top_injected_hosts"`
}

type exchangeStats struct {
	Total           int64   `json:"total"`
	Injected        int64   `json:"injected"`
	Skipped         int64   `json:"skipped"`
	EmptyBody       int64   `json:"empty_body"`
	NoDocument      int64   `json:"no_document"`
	AlreadyInjected int64   `json:"already_injected"`
	ParseFailures   int64   `json:"parse_failures"`
	Faults          int64   `json:"faults"`
	InjectionRate   float64 `json:"injection_rate"`
}

type rankedEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func topN(m map[string]int64) []rankedEntry {
	entries := make([]rankedEntry, 0, len(m))
	for name, count := range m {
		entries = append(entries, rankedEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	return entries
}
