// Package events carries cache telemetry from the request path to the
// external event bus. Publishing never blocks a request: events go through a
// bounded drop-oldest queue drained by a background worker that batches
// toward a Sink.
package events

import "context"

// Cache decisions recorded on each event.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Event is one completed request, in the wire schema consumed by the
// indexer. Optional fields are omitted when empty.
type Event struct {
	Fingerprint  string `json:"fingerprint"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	CacheStatus  string `json:"cache_status"`
	UpstreamHost string `json:"upstream_host,omitempty"`
	TimestampMS  int64  `json:"timestamp_ms"`
	LatencyMS    int64  `json:"latency_ms"`
	SizeBytes    int64  `json:"size_bytes"`
	Principal    string `json:"principal,omitempty"`
}

// Sink delivers event batches to the bus. Delivery is at-most-once: an error
// means the batch is counted as failed and never retried.
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// NopSink discards everything. Used when no bus is configured and in tests.
type NopSink struct{}

func (NopSink) Publish(context.Context, []Event) error { return nil }
func (NopSink) Close() error                           { return nil }
