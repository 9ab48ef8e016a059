// Package metrics exposes the Prometheus registry used by the Dataverse
// client. Metrics are defined in their respective packages (client, batch,
// coordinator, retry, cache, ratelimit) and registered via promauto; this
// package catalogues them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Type is a Prometheus metric type.
type Type string

const (
	Counter   Type = "counter"
	Gauge     Type = "gauge"
	Histogram Type = "histogram"
)

// Metric documents one exported metric.
type Metric struct {
	Name    string
	Type    Type
	Labels  []string
	Package string
}

// Catalogue lists every metric exported by the client packages.
var Catalogue = []Metric{
	{Name: "dataverse_requests_total", Type: Counter, Labels: []string{"method", "status"}, Package: "client"},
	{Name: "dataverse_request_duration_seconds", Type: Histogram, Labels: []string{"method"}, Package: "client"},
	{Name: "dataverse_errors_total", Type: Counter, Labels: []string{"class"}, Package: "client"},

	{Name: "dataverse_batch_chunks_total", Type: Counter, Package: "batch"},
	{Name: "dataverse_batch_commands_total", Type: Counter, Labels: []string{"method"}, Package: "batch"},

	{Name: "dataverse_coordinator_outcomes_total", Type: Counter, Labels: []string{"mode", "status"}, Package: "coordinator"},
	{Name: "dataverse_coordinator_in_flight", Type: Gauge, Package: "coordinator"},

	{Name: "dataverse_retries_total", Type: Counter, Labels: []string{"error_class"}, Package: "retry"},
	{Name: "dataverse_retry_backoff_seconds", Type: Histogram, Labels: []string{"error_class"}, Package: "retry"},
	{Name: "dataverse_retry_exhausted_total", Type: Counter, Labels: []string{"error_class"}, Package: "retry"},

	{Name: "dataverse_schema_cache_hits_total", Type: Counter, Package: "cache"},
	{Name: "dataverse_schema_cache_misses_total", Type: Counter, Package: "cache"},
	{Name: "dataverse_schema_cache_size_bytes", Type: Gauge, Package: "cache"},
	{Name: "dataverse_schema_cache_errors_total", Type: Counter, Labels: []string{"operation"}, Package: "cache"},

	{Name: "dataverse_burst_remaining", Type: Gauge, Package: "ratelimit"},
	{Name: "dataverse_execution_time_remaining_ms", Type: Gauge, Package: "ratelimit"},
	{Name: "dataverse_service_protection_errors_total", Type: Counter, Package: "ratelimit"},
	{Name: "dataverse_rate_limit_blocks_total", Type: Counter, Package: "ratelimit"},
	{Name: "dataverse_rate_limit_throttles_total", Type: Counter, Package: "ratelimit"},
}

// Lookup returns the catalogue entry for name.
func Lookup(name string) (Metric, bool) {
	for _, m := range Catalogue {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Example Prometheus Queries:
//
//   # Failed $batch requests by status
//   sum by (status) (rate(dataverse_coordinator_outcomes_total{status!="success"}[5m]))
//
//   # Schema Cache Hit Rate
//   sum(rate(dataverse_schema_cache_hits_total[5m])) /
//   (sum(rate(dataverse_schema_cache_hits_total[5m])) + sum(rate(dataverse_schema_cache_misses_total[5m])))
//
//   # Burst limit close to exhaustion
//   dataverse_burst_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(dataverse_request_duration_seconds_bucket[5m]))
