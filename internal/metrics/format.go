package metrics

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// FormatHuman renders samples one per line as name{labels} value, with the
// values aligned.
func FormatHuman(metrics []Metric) string {
	if len(metrics) == 0 {
		return "No metrics collected.\n"
	}
	keys := make([]string, len(metrics))
	width := 0
	for i, m := range metrics {
		keys[i] = sampleKey(m)
		width = max(width, len(keys[i]))
	}

	var b strings.Builder
	for i, m := range metrics {
		fmt.Fprintf(&b, "%-*s  %s\n", width, keys[i], formatValue(m.Value))
	}
	return b.String()
}

func sampleKey(m Metric) string {
	if len(m.Labels) == 0 {
		return m.Name
	}
	parts := make([]string, 0, len(m.Labels))
	for _, k := range slices.Sorted(maps.Keys(m.Labels)) {
		parts = append(parts, k+"="+strconv.Quote(m.Labels[k]))
	}
	return m.Name + "{" + strings.Join(parts, ",") + "}"
}

// formatValue prints whole numbers without a fraction.
func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// FormatJSONL returns one JSON object per line.
func FormatJSONL(metrics []Metric) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, m := range metrics {
		if err := enc.Encode(m); err != nil {
			return "", fmt.Errorf("metrics: encode %s: %w", m.Name, err)
		}
	}
	return b.String(), nil
}
