package main

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics mirrors the JSON snapshot's per-stream figures as
// Prometheus gauges, plus ambient process self-stats, grounded in the
// teacher's promauto-heavy PrometheusMetrics struct. Refreshed
// synchronously on every /metrics scrape from the same Publisher the
// JSON handler reads — no third thread, preserving spec.md §5's
// two-thread model.
type Metrics struct {
	publisher *Publisher
	self      *process.Process
	selfOnce  sync.Once

	lostTotal       prometheus.Gauge
	streamsActive   prometheus.Gauge
	streamLost      *prometheus.GaugeVec
	streamOffset    *prometheus.GaugeVec
	streamSynced    *prometheus.GaugeVec
	streamAverageUs *prometheus.GaugeVec
	streamStdDevUs  *prometheus.GaugeVec
	streamUptime    *prometheus.GaugeVec

	processCPUPercent prometheus.Gauge
	processRSSBytes   prometheus.Gauge
}

// NewMetrics registers every collector against the default registry,
// matching the teacher's promauto.With(prometheus.DefaultRegisterer)
// usage throughout prometheus.go.
func NewMetrics(publisher *Publisher) *Metrics {
	labels := []string{"name", "ifname", "role"}
	return &Metrics{
		publisher: publisher,

		lostTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vban2pipe_lost_samples_total",
			Help: "Cumulative samples reported lost by the playout buffer.",
		}),
		streamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vban2pipe_streams_active",
			Help: "Number of live sender sessions.",
		}),
		streamLost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_lost_samples",
			Help: "Per-stream cumulative lost sample count.",
		}, labels),
		streamOffset: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_offset_samples",
			Help: "Per-stream backup-to-primary sample offset.",
		}, labels),
		streamSynced: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_synchronized",
			Help: "1 if the stream is synchronized with the primary, else 0.",
		}, labels),
		streamAverageUs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_interval_average_microseconds",
			Help: "EWMA of inter-packet arrival time.",
		}, labels),
		streamStdDevUs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_interval_stddev_microseconds",
			Help: "EWMV-derived standard deviation of inter-packet arrival time.",
		}, labels),
		streamUptime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vban2pipe_stream_uptime_seconds",
			Help: "Seconds between a stream's first and most recent packet.",
		}, labels),

		processCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vban2pipe_process_cpu_percent",
			Help: "Self-reported process CPU usage percentage.",
		}),
		processRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vban2pipe_process_rss_bytes",
			Help: "Self-reported resident set size in bytes.",
		}),
	}
}

// Refresh copies the latest published snapshot into the gauges and
// pulls a fresh process self-stat sample. Called from the HTTP
// thread's /metrics handler, never from the ingest thread.
func (m *Metrics) Refresh() {
	snap := m.publisher.Load()

	m.lostTotal.Set(float64(snap.LostTotal))
	m.streamsActive.Set(float64(len(snap.Streams)))

	m.streamLost.Reset()
	m.streamOffset.Reset()
	m.streamSynced.Reset()
	m.streamAverageUs.Reset()
	m.streamStdDevUs.Reset()
	m.streamUptime.Reset()

	for _, s := range snap.Streams {
		lbl := prometheus.Labels{"name": s.Name, "ifname": s.IfName, "role": s.Role}
		m.streamLost.With(lbl).Set(float64(s.Lost))
		m.streamOffset.With(lbl).Set(float64(s.Offset))
		m.streamAverageUs.With(lbl).Set(s.AverageUs)
		m.streamStdDevUs.With(lbl).Set(s.StdDevUs)
		m.streamUptime.With(lbl).Set(s.Uptime.Seconds())
		if s.InSync {
			m.streamSynced.With(lbl).Set(1)
		} else {
			m.streamSynced.With(lbl).Set(0)
		}
	}

	m.refreshSelf()
}

func (m *Metrics) refreshSelf() {
	m.selfOnce.Do(func() {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			m.self = p
		}
	})
	if m.self == nil {
		return
	}
	if pct, err := m.self.CPUPercent(); err == nil {
		m.processCPUPercent.Set(pct)
	}
	if mem, err := m.self.MemoryInfo(); err == nil && mem != nil {
		m.processRSSBytes.Set(float64(mem.RSS))
	}
}
