package mqttpub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/TailGuy/opcbridge/internal/dispatch"
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) ObserveLatency(string, float64)            {}

type countObs struct {
	nopObs
	counters map[string]float64
}

func newCountObs() *countObs { return &countObs{counters: make(map[string]float64)} }

func (c *countObs) IncCounter(name string, v float64) { c.counters[name] += v }

func qos(b byte) *byte { return &b }

func TestTopicMapping(t *testing.T) {
	p, err := New(Config{BrokerURL: "tcp://localhost:1883", Namespace: "factory/line1"},
		dispatch.NewRing(4), nopObs{})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	if got := p.TopicFor("plc1_temp"); got != "factory/line1/plc1_temp" {
		t.Fatalf("unexpected topic: %s", got)
	}
	// Mapping is deterministic.
	if p.TopicFor("plc1_temp") != p.TopicFor("plc1_temp") {
		t.Fatalf("topic mapping must be stable")
	}
}

func TestDefaultNamespace(t *testing.T) {
	p, err := New(Config{BrokerURL: "tcp://localhost:1883"}, dispatch.NewRing(4), nopObs{})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if got := p.TopicFor("x"); got != "opcbridge/x" {
		t.Fatalf("expected default namespace, got %s", got)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}, dispatch.NewRing(4), nopObs{}); err == nil {
		t.Fatalf("expected error for missing broker url")
	}
	if _, err := New(Config{BrokerURL: "tcp://x:1883", QoS: qos(3)}, dispatch.NewRing(4), nopObs{}); err == nil {
		t.Fatalf("expected error for invalid qos")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BrokerURL: "tcp://localhost:1883"}
	cfg.ApplyDefaults()

	if cfg.QoS == nil || *cfg.QoS != 1 {
		t.Fatalf("expected at-least-once default, got qos %v", cfg.QoS)
	}
	if cfg.ClientID == "" {
		t.Fatalf("expected generated client id")
	}
	if cfg.ConnectTimeout <= 0 || cfg.PublishTimeout <= 0 {
		t.Fatalf("expected timeout defaults: %+v", cfg)
	}
}

func TestPayloadEncoding(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body, err := json.Marshal(payload{
		Value:     21.5,
		Quality:   domain.QualityGood,
		Timestamp: ts,
		NodeID:    "ns=2;s=PLC1.Temp",
		Seq:       9,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["value"] != 21.5 {
		t.Fatalf("value wrong: %v", decoded["value"])
	}
	if decoded["quality"] != "good" {
		t.Fatalf("quality wrong: %v", decoded["quality"])
	}
	if decoded["node_id"] != "ns=2;s=PLC1.Temp" {
		t.Fatalf("node_id wrong: %v", decoded["node_id"])
	}
	if decoded["seq"] != float64(9) {
		t.Fatalf("seq wrong: %v", decoded["seq"])
	}
}

func TestQoSZeroConfigurable(t *testing.T) {
	cfg := Config{BrokerURL: "tcp://localhost:1883", QoS: qos(0)}
	cfg.ApplyDefaults()
	if *cfg.QoS != 0 {
		t.Fatalf("explicit qos 0 must survive defaults, got %d", *cfg.QoS)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("qos 0 is valid: %v", err)
	}
}

func TestRunShedsBufferOnShutdown(t *testing.T) {
	buf := dispatch.NewRing(8)
	obs := newCountObs()
	p, err := New(Config{BrokerURL: "tcp://localhost:1883"}, buf, obs)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		buf.Enqueue(&domain.MeasurementRecord{Name: "x", Seq: i, Quality: domain.QualityGood, Timestamp: time.Now()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	// No broker: nothing can go out, but nothing may vanish silently.
	if buf.Len() != 0 {
		t.Fatalf("buffer must be emptied at shutdown, %d left", buf.Len())
	}
	if got := obs.counters["opcbridge_mqtt_dropped_total"]; got != 5 {
		t.Fatalf("expected 5 counted dropped, got %v", got)
	}
	if p.Delivered() != 0 {
		t.Fatalf("nothing was deliverable, got %d", p.Delivered())
	}
}

func TestPublishWithoutConnectionFails(t *testing.T) {
	p, err := New(Config{BrokerURL: "tcp://localhost:1883"}, dispatch.NewRing(4), nopObs{})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	rec := &domain.MeasurementRecord{Name: "x", Value: 1.0, Quality: domain.QualityGood, Timestamp: time.Now()}
	if err := p.publish(rec); err == nil {
		t.Fatalf("publish without a connection must fail, not silently drop")
	}
}
