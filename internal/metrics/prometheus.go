package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are published as one metric with an `event` label so the
// in-process registry stays a plain map while remaining scrapeable.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP telemed_signaling_events_total Internal signaling event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE telemed_signaling_events_total counter")
		for _, name := range names {
			escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(name)
			_, _ = fmt.Fprintf(w, "telemed_signaling_events_total{event=\"%s\"} %d\n", escaped, snap[name])
		}
	})
}
