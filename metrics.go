package vfsindex

import "github.com/prometheus/client_golang/prometheus"

// indexMetrics is the ambient observability surface: scan/integration/
// staging counters and histograms. Not part of the spec's core contract,
// but carried the way the teacher's stack carries metrics for its own
// operations.
type indexMetrics struct {
	filesAnalyzed     prometheus.Counter
	bytesHashed       prometheus.Counter
	hashCacheHits     prometheus.Counter
	hashCacheMisses   prometheus.Counter
	archivesDescended prometheus.Counter
	extractFailures   prometheus.Counter
	integrations      prometheus.Counter
	stagings          prometheus.Counter
	scanDuration      prometheus.Histogram
}

// newIndexMetrics creates a fresh set of metrics registered on a new private
// registry, not the global default one. Callers that want these exposed on a
// /metrics endpoint serve the returned *prometheus.Registry themselves via
// Context.Registry().
func newIndexMetrics() (*indexMetrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &indexMetrics{
		filesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_files_analyzed_total",
			Help: "Number of files hashed by Analyze (memoized hash hits are not counted).",
		}),
		bytesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_bytes_hashed_total",
			Help: "Total bytes streamed through the Hasher.",
		}),
		hashCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_hash_cache_hits_total",
			Help: "Analyzer hash memoization cache hits.",
		}),
		hashCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_hash_cache_misses_total",
			Help: "Analyzer hash memoization cache misses.",
		}),
		archivesDescended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_archives_descended_total",
			Help: "Number of archives successfully extracted and descended into.",
		}),
		extractFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_extract_failures_total",
			Help: "Number of archive extraction attempts that failed during analysis.",
		}),
		integrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_integrations_total",
			Help: "Number of IndexRoot.Integrate calls performed.",
		}),
		stagings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vfsindex_stagings_total",
			Help: "Number of Stage calls performed.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vfsindex_scan_duration_seconds",
			Help: "Duration of AddRoot scans.",
		}),
	}

	reg.MustRegister(
		m.filesAnalyzed, m.bytesHashed, m.hashCacheHits, m.hashCacheMisses,
		m.archivesDescended, m.extractFailures, m.integrations, m.stagings,
		m.scanDuration,
	)

	return m, reg
}
