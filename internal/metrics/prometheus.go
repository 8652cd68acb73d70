package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes the counters as one labelled counter family plus
// any gauges, in the Prometheus text exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP lan_intercom_events_total Signaling event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE lan_intercom_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "lan_intercom_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "# HELP lan_intercom_%s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE lan_intercom_%s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "lan_intercom_%s %g\n", g.Name, g.Value())
		}
	})
}
