// Package admin implements the small HTTP admin endpoints served next to
// the proxy: counters, inflight gauges, latency histograms, and the root CA
// certificate download.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing
// request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is a minimal metrics container consumed by the /metrics handler.
// It implements the proxy's Metrics interface.
type Metrics struct {
	sync.Mutex

	TotalRequests uint64 `json:"total_requests"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Bypass        uint64 `json:"bypass"`
	Tunnels       uint64 `json:"tunnels"`
	OriginErrors  uint64 `json:"origin_errors"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`

	// Gauges fed from the other subsystems; read at scrape time.
	CacheStats    func() (entries int, bytes int64) `json:"-"`
	EventsDropped func() uint64                     `json:"-"`
	EventsFailed  func() uint64                     `json:"-"`
	LeafSigns     func() uint64                     `json:"-"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncTotalRequests() { m.Lock(); m.TotalRequests++; m.Unlock() }
func (m *Metrics) IncHit()           { m.Lock(); m.Hits++; m.Unlock() }
func (m *Metrics) IncMiss()          { m.Lock(); m.Misses++; m.Unlock() }
func (m *Metrics) IncBypass()        { m.Lock(); m.Bypass++; m.Unlock() }
func (m *Metrics) IncTunnels()       { m.Lock(); m.Tunnels++; m.Unlock() }
func (m *Metrics) IncOriginErrors()  { m.Lock(); m.OriginErrors++; m.Unlock() }

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// larger than last bucket: increment last index
	if len(m.HistCounts[outcome]) > 0 {
		m.HistCounts[outcome][len(m.HistCounts[outcome])-1]++
	}
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleCert serves the root CA certificate PEM so clients can trust it.
func HandleCert(w http.ResponseWriter, pem []byte) {
	if len(pem) == 0 {
		http.Error(w, "no cert available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

// HandleStatusz renders a small HTML page showing inflight requests and
// cache occupancy.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	if m.CacheStats != nil {
		entries, bytes := m.CacheStats()
		_, _ = w.Write([]byte("<p>Cache: " + strconv.Itoa(entries) + " entries, " + strconv.FormatInt(bytes, 10) + " bytes</p>"))
	}
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Request</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	defer m.Unlock()

	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("proxy_requests_total", "Total requests processed", m.TotalRequests)
	write("proxy_cache_hits_total", "Served from fresh cache", m.Hits)
	write("proxy_cache_misses_total", "Fetched from origin and cached", m.Misses)
	write("proxy_cache_bypass_total", "Forwarded without caching", m.Bypass)
	write("proxy_tunnels_total", "CONNECT tunnels opened", m.Tunnels)
	write("proxy_origin_errors_total", "Errors contacting origin", m.OriginErrors)
	if m.EventsDropped != nil {
		write("proxy_events_dropped_total", "Cache events dropped by queue overflow", m.EventsDropped())
	}
	if m.EventsFailed != nil {
		write("proxy_events_failed_total", "Cache events whose delivery failed", m.EventsFailed())
	}
	if m.LeafSigns != nil {
		write("proxy_leaf_signs_total", "Leaf certificate sign operations", m.LeafSigns())
	}

	// gauges
	_, _ = fmt.Fprintf(w, "# HELP proxy_inflight_requests In-flight requests\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_inflight_requests gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_inflight_requests %d\n\n", m.Inflight)
	if m.CacheStats != nil {
		entries, bytes := m.CacheStats()
		_, _ = fmt.Fprintf(w, "# HELP proxy_cache_entries Entries resident in the cache\n")
		_, _ = fmt.Fprintf(w, "# TYPE proxy_cache_entries gauge\n")
		_, _ = fmt.Fprintf(w, "proxy_cache_entries %d\n\n", entries)
		_, _ = fmt.Fprintf(w, "# HELP proxy_cache_bytes Bytes resident in the cache\n")
		_, _ = fmt.Fprintf(w, "# TYPE proxy_cache_bytes gauge\n")
		_, _ = fmt.Fprintf(w, "proxy_cache_bytes %d\n\n", bytes)
	}

	// histograms
	_, _ = fmt.Fprintf(w, "# HELP proxy_request_duration_seconds Request duration by cache outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_request_duration_seconds histogram\n")
	for outcome, counts := range m.HistCounts {
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "proxy_request_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
}
