package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
opcua:
  endpoint: opc.tcp://plc:4840
mqtt:
  broker_url: tcp://broker:1883
timeseries:
  conn_string: postgres://u:p@db/telemetry
`

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `
opcua:
  endpoint: opc.tcp://plc:4840
  publish_interval: 100ms
  reconcile_interval: 10s
mqtt:
  broker_url: tcp://broker:1883
timeseries:
  conn_string: postgres://u:p@db/telemetry
  flush_interval: 3s
default_interval: 2s
tags:
  - node_id: ns=2;s=Temp
    name: temp
    interval: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OPCUA.PublishInterval != 100*time.Millisecond {
		t.Fatalf("publish_interval = %v", cfg.OPCUA.PublishInterval)
	}
	if cfg.OPCUA.ReconcileInterval != 10*time.Second {
		t.Fatalf("reconcile_interval = %v", cfg.OPCUA.ReconcileInterval)
	}
	if cfg.TimeSeries.FlushInterval != 3*time.Second {
		t.Fatalf("flush_interval = %v", cfg.TimeSeries.FlushInterval)
	}
	if cfg.DefaultInterval != 2*time.Second {
		t.Fatalf("default_interval = %v", cfg.DefaultInterval)
	}
	if len(cfg.Tags) != 1 || cfg.Tags[0].Interval != 500*time.Millisecond {
		t.Fatalf("tags = %+v", cfg.Tags)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `
opcua:
  endpoint: opc.tcp://plc:4840
  publish_interval: quickly
mqtt:
  broker_url: tcp://broker:1883
timeseries:
  conn_string: postgres://u:p@db/telemetry
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Buffers.MQTTCapacity != 10_000 || cfg.Buffers.TimeSeriesCapacity != 50_000 {
		t.Fatalf("buffer defaults = %+v", cfg.Buffers)
	}
	if cfg.API.Addr != ":8080" {
		t.Fatalf("api addr = %q", cfg.API.Addr)
	}
	if cfg.DefaultInterval != time.Second {
		t.Fatalf("default_interval = %v", cfg.DefaultInterval)
	}
	if cfg.OPCUA.PublishInterval != 250*time.Millisecond {
		t.Fatalf("publish_interval default = %v", cfg.OPCUA.PublishInterval)
	}
	if cfg.MQTT.QoS == nil || *cfg.MQTT.QoS != 1 {
		t.Fatalf("qos default = %v", cfg.MQTT.QoS)
	}
}

func TestLoadPreservesQoSZero(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
opcua:
  endpoint: opc.tcp://plc:4840
mqtt:
  broker_url: tcp://broker:1883
  qos: 0
timeseries:
  conn_string: postgres://u:p@db/telemetry
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.QoS == nil || *cfg.MQTT.QoS != 0 {
		t.Fatalf("explicit qos 0 must not be coerced, got %v", cfg.MQTT.QoS)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("OPCBRIDGE_OPCUA_ENDPOINT", "opc.tcp://override:4840")
	t.Setenv("OPCBRIDGE_MQTT_PASSWORD", "hunter2")
	t.Setenv("OPCBRIDGE_TS_CONN_STRING", "postgres://env@db/telemetry")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OPCUA.Endpoint != "opc.tcp://override:4840" {
		t.Fatalf("endpoint = %q", cfg.OPCUA.Endpoint)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Fatalf("mqtt password not overlaid")
	}
	if cfg.TimeSeries.ConnString != "postgres://env@db/telemetry" {
		t.Fatalf("conn string not overlaid")
	}
}

func TestLoadTagDefaulting(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
tags:
  - node_id: ns=2;s=NoName
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tags[0].Name != "ns=2;s=NoName" {
		t.Fatalf("name should default to node id, got %q", cfg.Tags[0].Name)
	}
	if cfg.Tags[0].Interval != cfg.DefaultInterval {
		t.Fatalf("interval should default to %v, got %v", cfg.DefaultInterval, cfg.Tags[0].Interval)
	}
}

func TestLoadRejectsMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker_url: tcp://broker:1883
timeseries:
  conn_string: postgres://u:p@db/telemetry
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing endpoint")
	}
}
