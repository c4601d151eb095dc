// Package metrics records lock and session-file activity.
//
// Components take the interfaces defined here. A nil Registerer yields the
// no-op implementations, so metrics stay optional everywhere.
package metrics

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Acquire outcomes reported to LockMetrics.ObserveAcquire.
const (
	OutcomeGranted   = "granted"
	OutcomeSecondary = "secondary"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// LockMetrics observes the repository lock manager.
type LockMetrics interface {
	// ObserveAcquire records one Lock call and how long it waited.
	ObserveAcquire(lockName, outcome string, wait time.Duration)

	// RecordBackoff counts an OS lock released because another process
	// was waiting.
	RecordBackoff(lockName string)

	// SetHeld reports how many primary locks the manager currently grants.
	SetHeld(n int)
}

// SessionMetrics observes session file writers and readers.
type SessionMetrics interface {
	// ObserveFlush records one header rewrite and the bytes it covered.
	ObserveFlush(d time.Duration, headerBytes int)

	// RecordPackets counts packets appended to a session file.
	RecordPackets(n int)

	// RecordCorrupt counts files rejected while scanning or reading.
	RecordCorrupt(reason string)
}

// Metric is a single flattened sample.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Snapshot gathers every sample from g. Histograms contribute their count
// and sum as <name>_count and <name>_sum.
func Snapshot(g prometheus.Gatherer) ([]Metric, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var out []Metric
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			labels := labelMap(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, Metric{Name: name, Value: m.GetCounter().GetValue(), Labels: labels, Timestamp: now})
			case dto.MetricType_GAUGE:
				out = append(out, Metric{Name: name, Value: m.GetGauge().GetValue(), Labels: labels, Timestamp: now})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				out = append(out,
					Metric{Name: name + "_count", Value: float64(h.GetSampleCount()), Labels: labels, Timestamp: now},
					Metric{Name: name + "_sum", Value: h.GetSampleSum(), Labels: labels, Timestamp: now},
				)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
