package core

import "github.com/prometheus/client_golang/prometheus"

type storeMetrics struct {
	fsyncDuration prometheus.Summary
	writesTotal   prometheus.Counter
	readsTotal    prometheus.Counter
	deletesTotal  prometheus.Counter
	mergesTotal   prometheus.Counter
	mergesFailed  prometheus.Counter
	activeSegment prometheus.Gauge
	segmentCount  prometheus.Gauge
}

func newStoreMetrics(r prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{}

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "caskdb_fsync_duration_seconds",
		Help:       "Duration of per-record fsync calls.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	m.writesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_writes_total",
		Help: "Total number of records appended, tombstones included.",
	})
	m.readsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_reads_total",
		Help: "Total number of record reads served from segments.",
	})
	m.deletesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_deletes_total",
		Help: "Total number of delete operations that removed a key.",
	})
	m.mergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_merges_total",
		Help: "Total number of merge runs attempted.",
	})
	m.mergesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caskdb_merges_failed_total",
		Help: "Total number of merge runs that failed.",
	})
	m.activeSegment = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caskdb_segment_active",
		Help: "Id of the data segment currently being written to.",
	})
	m.segmentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caskdb_segments",
		Help: "Number of data segments on disk.",
	})

	if r != nil {
		r.MustRegister(
			m.fsyncDuration,
			m.writesTotal,
			m.readsTotal,
			m.deletesTotal,
			m.mergesTotal,
			m.mergesFailed,
			m.activeSegment,
			m.segmentCount,
		)
	}
	return m
}
