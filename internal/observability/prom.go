// Package observability backs the Observability port with Prometheus
// metrics and stdlib logging.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TailGuy/opcbridge/internal/ports"
)

type PromObs struct {
	reg      prometheus.Registerer
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// New registers the bridge metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *PromObs {
	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_records_dispatched_total",
		Help: "Records handed to the fan-out dispatcher.",
	})
	mqttPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_mqtt_published_total",
		Help: "Records acknowledged by the MQTT broker.",
	})
	mqttDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_mqtt_dropped_total",
		Help: "Records evicted from the MQTT buffer.",
	})
	tsWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_ts_written_total",
		Help: "Records committed to the time-series store.",
	})
	tsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_timeseries_dropped_total",
		Help: "Records lost on the time-series path: buffer evictions plus batches dropped after the retry ceiling.",
	})
	tsBatchFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_ts_batches_failed_total",
		Help: "Failed time-series batch write attempts.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opcbridge_session_reconnects_total",
		Help: "OPC UA session reconnect attempts.",
	})
	sessionState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opcbridge_session_state",
		Help: "Session state: 0 disconnected, 1 connecting, 2 subscribed, 3 degraded.",
	})
	monitored := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opcbridge_monitored_items",
		Help: "Currently active monitored items.",
	})
	mqttBufLen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opcbridge_mqtt_buffer_length",
		Help: "Records buffered for the MQTT publisher.",
	})
	tsBufLen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opcbridge_timeseries_buffer_length",
		Help: "Records buffered for the time-series writer.",
	})
	tsLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opcbridge_ts_write_latency_seconds",
		Help:    "Latency of one time-series batch write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(dispatched, mqttPublished, mqttDropped, tsWritten,
		tsDropped, tsBatchFail, reconnects, sessionState, monitored,
		mqttBufLen, tsBufLen, tsLatency)

	return &PromObs{
		reg: reg,
		counters: map[string]prometheus.Counter{
			"opcbridge_records_dispatched_total": dispatched,
			"opcbridge_mqtt_published_total":     mqttPublished,
			"opcbridge_mqtt_dropped_total":       mqttDropped,
			"opcbridge_ts_written_total":         tsWritten,
			"opcbridge_timeseries_dropped_total": tsDropped,
			"opcbridge_ts_batches_failed_total":  tsBatchFail,
			"opcbridge_session_reconnects_total": reconnects,
		},
		gauges: map[string]prometheus.Gauge{
			"opcbridge_session_state":            sessionState,
			"opcbridge_monitored_items":          monitored,
			"opcbridge_mqtt_buffer_length":       mqttBufLen,
			"opcbridge_timeseries_buffer_length": tsBufLen,
		},
		histos: map[string]prometheus.Observer{
			"opcbridge_ts_write_latency_seconds": tsLatency,
		},
	}
}

// MetricsHandler serves the registry this instance records into, so a
// bridge built over a custom registry exposes its own metrics rather than
// the process-global default.
func (p *PromObs) MetricsHandler() http.Handler {
	if g, ok := p.reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

var _ ports.Observability = (*PromObs)(nil)
