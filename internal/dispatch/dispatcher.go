// Package dispatch fans normalized records out to the per-sink delivery
// buffers. Sinks fail independently: a full or stalled buffer on one sink
// never blocks delivery to the other, and the enqueue path never blocks the
// protocol notification loop.
package dispatch

import (
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
)

type target struct {
	name string
	buf  ports.RecordBuffer
}

type Dispatcher struct {
	targets []target
	obs     ports.Observability
}

func New(obs ports.Observability) *Dispatcher {
	return &Dispatcher{obs: obs}
}

// Register adds a sink buffer. Call before the first Dispatch; the target
// set is fixed once records start flowing.
func (d *Dispatcher) Register(name string, buf ports.RecordBuffer) {
	d.targets = append(d.targets, target{name: name, buf: buf})
}

// Dispatch hands the record to every sink buffer. Evictions are counted
// per sink so loss is observable, never silent.
func (d *Dispatcher) Dispatch(rec *domain.MeasurementRecord) {
	for _, t := range d.targets {
		if t.buf.Enqueue(rec) {
			d.obs.IncCounter("opcbridge_"+t.name+"_dropped_total", 1)
		}
		d.obs.SetGauge("opcbridge_"+t.name+"_buffer_length", float64(t.buf.Len()))
	}
	d.obs.IncCounter("opcbridge_records_dispatched_total", 1)
}
