package dispatch

import (
	"testing"

	"github.com/TailGuy/opcbridge/internal/ports"
)

type nopObs struct {
	counters map[string]float64
}

func newNopObs() *nopObs { return &nopObs{counters: make(map[string]float64)} }

func (n *nopObs) LogInfo(string, ...ports.Field)            {}
func (n *nopObs) LogError(string, error, ...ports.Field)    {}
func (n *nopObs) LogCritical(string, error, ...ports.Field) {}
func (n *nopObs) IncCounter(name string, v float64)         { n.counters[name] += v }
func (n *nopObs) SetGauge(string, float64)                  {}
func (n *nopObs) ObserveLatency(string, float64)            {}

func TestDispatchFansOutToAllSinks(t *testing.T) {
	obs := newNopObs()
	d := New(obs)

	a := NewRing(4)
	b := NewRing(4)
	d.Register("mqtt", a)
	d.Register("timeseries", b)

	d.Dispatch(rec(1))
	d.Dispatch(rec(2))

	if a.Len() != 2 || b.Len() != 2 {
		t.Fatalf("both buffers should hold 2, got %d and %d", a.Len(), b.Len())
	}
	if obs.counters["opcbridge_records_dispatched_total"] != 2 {
		t.Fatalf("dispatch counter wrong: %v", obs.counters)
	}
}

func TestDispatchIsolatesFullSink(t *testing.T) {
	obs := newNopObs()
	d := New(obs)

	full := NewRing(1)
	healthy := NewRing(10)
	d.Register("mqtt", full)
	d.Register("timeseries", healthy)

	for i := uint64(1); i <= 5; i++ {
		d.Dispatch(rec(i))
	}

	// The full buffer sheds, the healthy one receives everything.
	if healthy.Len() != 5 {
		t.Fatalf("healthy sink must be unaffected, got %d buffered", healthy.Len())
	}
	if healthy.Dropped() != 0 {
		t.Fatalf("healthy sink must not drop, got %d", healthy.Dropped())
	}
	if full.Dropped() != 4 {
		t.Fatalf("full sink should have shed 4, got %d", full.Dropped())
	}
	if obs.counters["opcbridge_mqtt_dropped_total"] != 4 {
		t.Fatalf("drops must be counted: %v", obs.counters)
	}

	// No silent loss: every record was either buffered or counted.
	if int(full.Dropped())+full.Len() != 5 {
		t.Fatalf("record unaccounted for: dropped=%d buffered=%d", full.Dropped(), full.Len())
	}
}
