// Package metrics provides Prometheus metrics for the tree mirror.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deltasApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_deltas_applied_total",
			Help: "Deltas applied to the node store, by operation",
		},
		[]string{"op"},
	)

	deltasSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_deltas_skipped_total",
			Help: "Deltas skipped because they could not be applied",
		},
	)

	orphansBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_orphans_buffered",
			Help: "Deltas waiting for their parent to be hydrated",
		},
	)

	orphansDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_orphans_dropped_total",
			Help: "Orphan deltas dropped after exhausting retries",
		},
	)

	nodesKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treemirror_nodes",
			Help: "Nodes held by the most recently updated mirror",
		},
	)

	durableFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_durable_fallbacks_total",
			Help: "Times the durable store fell back to the flat key-value backend",
		},
	)

	durableWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_durable_write_failures_total",
			Help: "Write-through batches that failed after retries",
		},
	)

	searchPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_search_pages_total",
			Help: "Node table pages scanned by the search index builder",
		},
		[]string{"direction"},
	)

	searchBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treemirror_search_builds_total",
			Help: "Search index builds by outcome",
		},
		[]string{"status"},
	)

	rebuildsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treemirror_subtree_rebuilds_total",
			Help: "Debounced subtree rebuilds fired",
		},
	)
)

// RecordDelta counts one applied delta. op is "create", "update", "move" or "remove".
func RecordDelta(op string) {
	deltasApplied.WithLabelValues(op).Inc()
}

// RecordSkipped counts deltas that could not be applied.
func RecordSkipped(n int) {
	deltasSkipped.Add(float64(n))
}

// SetOrphans reports the current orphan buffer size.
func SetOrphans(n int) {
	orphansBuffered.Set(float64(n))
}

// RecordOrphansDropped counts orphans given up on.
func RecordOrphansDropped(n int) {
	orphansDropped.Add(float64(n))
}

// SetNodes reports the node store size.
func SetNodes(n int) {
	nodesKnown.Set(float64(n))
}

// RecordFallback counts a switch to the fallback durable backend.
func RecordFallback() {
	durableFallbacks.Inc()
}

// RecordWriteFailure counts a failed write-through.
func RecordWriteFailure() {
	durableWriteFailures.Inc()
}

// RecordSearchPage counts one scanned page. direction is "asc" or "desc".
func RecordSearchPage(direction string) {
	searchPages.WithLabelValues(direction).Inc()
}

// RecordSearchBuild counts one finished build by status.
func RecordSearchBuild(status string) {
	searchBuilds.WithLabelValues(status).Inc()
}

// RecordRebuild counts a fired subtree rebuild.
func RecordRebuild() {
	rebuildsFired.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
