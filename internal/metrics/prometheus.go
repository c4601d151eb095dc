package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type lockMetrics struct {
	acquires *prometheus.CounterVec
	waits    *prometheus.HistogramVec
	backoffs *prometheus.CounterVec
	held     prometheus.Gauge
}

// NewLockMetrics registers lock metrics with reg. A nil reg returns the
// no-op implementation.
func NewLockMetrics(reg prometheus.Registerer) LockMetrics {
	if reg == nil {
		return NewNoopLockMetrics()
	}
	f := promauto.With(reg)
	return &lockMetrics{
		acquires: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loupe_lock_acquires_total",
				Help: "Lock requests by lock name and outcome",
			},
			[]string{"lock", "outcome"},
		),
		waits: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loupe_lock_wait_milliseconds",
				Help:    "Time spent waiting for a lock",
				Buckets: []float64{1, 10, 100, 1000, 10000},
			},
			[]string{"lock"},
		),
		backoffs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loupe_lock_backoffs_total",
				Help: "OS locks handed to a waiting process",
			},
			[]string{"lock"},
		),
		held: f.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_lock_held",
			Help: "Primary locks currently granted by this process",
		}),
	}
}

func (m *lockMetrics) ObserveAcquire(lockName, outcome string, wait time.Duration) {
	m.acquires.WithLabelValues(lockName, outcome).Inc()
	m.waits.WithLabelValues(lockName).Observe(float64(wait.Milliseconds()))
}

func (m *lockMetrics) RecordBackoff(lockName string) {
	m.backoffs.WithLabelValues(lockName).Inc()
}

func (m *lockMetrics) SetHeld(n int) {
	m.held.Set(float64(n))
}

type sessionMetrics struct {
	flushes     prometheus.Histogram
	headerBytes prometheus.Gauge
	packets     prometheus.Counter
	corrupt     *prometheus.CounterVec
}

// NewSessionMetrics registers session file metrics with reg. A nil reg
// returns the no-op implementation.
func NewSessionMetrics(reg prometheus.Registerer) SessionMetrics {
	if reg == nil {
		return NewNoopSessionMetrics()
	}
	f := promauto.With(reg)
	return &sessionMetrics{
		flushes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loupe_session_flush_milliseconds",
			Help:    "Duration of session header rewrites",
			Buckets: []float64{0.1, 1, 10, 100},
		}),
		headerBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "loupe_session_header_bytes",
			Help: "Size of the most recently flushed session header",
		}),
		packets: f.NewCounter(prometheus.CounterOpts{
			Name: "loupe_session_packets_total",
			Help: "Packets appended to session files",
		}),
		corrupt: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loupe_session_corrupt_total",
				Help: "Session files rejected by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *sessionMetrics) ObserveFlush(d time.Duration, headerBytes int) {
	m.flushes.Observe(float64(d.Microseconds()) / 1000)
	m.headerBytes.Set(float64(headerBytes))
}

func (m *sessionMetrics) RecordPackets(n int) {
	m.packets.Add(float64(n))
}

func (m *sessionMetrics) RecordCorrupt(reason string) {
	m.corrupt.WithLabelValues(reason).Inc()
}
