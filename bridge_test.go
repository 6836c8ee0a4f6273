package opcbridge

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TailGuy/opcbridge/internal/config"
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/observability"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.OPCUA.Endpoint = "opc.tcp://localhost:4840"
	cfg.MQTT.BrokerURL = "tcp://localhost:1883"
	cfg.TimeSeries.ConnString = "postgres://u:p@localhost/db?sslmode=disable"
	cfg.Tags = []domain.TagDefinition{
		{NodeID: "ns=2;s=PLC1.Temp", Name: "plc1_temp", Interval: time.Second},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	obs := observability.New(prometheus.NewRegistry())
	b, err := New(testConfig(), WithDB(db), WithObservability(obs))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func TestNewWiresBothSinks(t *testing.T) {
	b := newTestBridge(t)

	st := b.Status()
	if len(st.Sinks) != 2 {
		t.Fatalf("expected two sinks, got %d", len(st.Sinks))
	}
	names := map[string]bool{}
	for _, s := range st.Sinks {
		names[s.Name] = true
		if s.Capacity <= 0 {
			t.Fatalf("sink %s has no buffer capacity", s.Name)
		}
	}
	if !names["mqtt"] || !names["timeseries"] {
		t.Fatalf("unexpected sink names: %v", names)
	}
}

func TestStatusReflectsRegistry(t *testing.T) {
	b := newTestBridge(t)

	rev := b.Status().RegistryRevision
	if err := b.Registry().Upsert(domain.TagDefinition{NodeID: "ns=1;s=new", Interval: time.Second}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if b.Status().RegistryRevision <= rev {
		t.Fatalf("status must expose the bumped revision")
	}
}

func TestInitialSessionStateDisconnected(t *testing.T) {
	b := newTestBridge(t)
	if got := b.Status().SessionState; got != domain.SessionDisconnected {
		t.Fatalf("expected disconnected before Run, got %s", got)
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
