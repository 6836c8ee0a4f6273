// Package config loads the bridge configuration from YAML, applies
// defaults, and overlays credentials/endpoints from the environment once at
// startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TailGuy/opcbridge/internal/backoff"
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/session"
	"github.com/TailGuy/opcbridge/internal/sink/mqttpub"
	"github.com/TailGuy/opcbridge/internal/sink/tswriter"
)

type Config struct {
	OPCUA      session.Config
	Tags       []domain.TagDefinition
	MQTT       mqttpub.Config
	TimeSeries tswriter.Config
	Buffers    BufferConfig
	API        APIConfig
	Spool      SpoolConfig

	// DefaultInterval seeds the registry default for tags without an
	// explicit sampling interval, and backs the global form of
	// PUT /config/interval.
	DefaultInterval time.Duration
}

type BufferConfig struct {
	MQTTCapacity       int `yaml:"mqtt_capacity"`
	TimeSeriesCapacity int `yaml:"timeseries_capacity"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type SpoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Duration is a YAML scalar in time.ParseDuration form ("500ms", "2s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

// fileConfig mirrors the YAML document. The runtime structs in the session
// and sink packages stay on time.Duration; all file-format concerns live
// here.
type fileConfig struct {
	OPCUA           fileOPCUA      `yaml:"opcua"`
	Tags            []fileTag      `yaml:"tags"`
	MQTT            fileMQTT       `yaml:"mqtt"`
	TimeSeries      fileTimeSeries `yaml:"timeseries"`
	Buffers         BufferConfig   `yaml:"buffers"`
	API             APIConfig      `yaml:"api"`
	Spool           SpoolConfig    `yaml:"spool"`
	DefaultInterval Duration       `yaml:"default_interval"`
}

type fileOPCUA struct {
	Endpoint          string      `yaml:"endpoint"`
	Username          string      `yaml:"username"`
	Password          string      `yaml:"password"`
	SecurityMode      string      `yaml:"security_mode"`
	SecurityPolicy    string      `yaml:"security_policy"`
	ApplicationName   string      `yaml:"application_name"`
	PublishInterval   Duration    `yaml:"publish_interval"`
	ReconcileInterval Duration    `yaml:"reconcile_interval"`
	Reconnect         fileBackoff `yaml:"reconnect"`
}

type fileTag struct {
	NodeID   string   `yaml:"node_id"`
	Name     string   `yaml:"name"`
	Interval Duration `yaml:"interval"`
	TypeHint string   `yaml:"type_hint"`
}

type fileMQTT struct {
	BrokerURL      string   `yaml:"broker_url"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Namespace      string   `yaml:"namespace"`
	QoS            *byte    `yaml:"qos"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	PublishTimeout Duration `yaml:"publish_timeout"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

type fileTimeSeries struct {
	ConnString    string      `yaml:"conn_string"`
	Table         string      `yaml:"table"`
	BatchSize     int         `yaml:"batch_size"`
	FlushInterval Duration    `yaml:"flush_interval"`
	Retry         fileBackoff `yaml:"retry"`
}

type fileBackoff struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxAttempts  int      `yaml:"max_attempts"`
	AddJitter    bool     `yaml:"add_jitter"`
}

func (f fileBackoff) toConfig() backoff.Config {
	return backoff.Config{
		InitialDelay: f.InitialDelay.std(),
		MaxDelay:     f.MaxDelay.std(),
		Multiplier:   f.Multiplier,
		MaxAttempts:  f.MaxAttempts,
		AddJitter:    f.AddJitter,
	}
}

func (f fileConfig) toConfig() *Config {
	cfg := &Config{
		OPCUA: session.Config{
			Endpoint:          f.OPCUA.Endpoint,
			Username:          f.OPCUA.Username,
			Password:          f.OPCUA.Password,
			SecurityMode:      f.OPCUA.SecurityMode,
			SecurityPolicy:    f.OPCUA.SecurityPolicy,
			ApplicationName:   f.OPCUA.ApplicationName,
			PublishInterval:   f.OPCUA.PublishInterval.std(),
			ReconcileInterval: f.OPCUA.ReconcileInterval.std(),
			Reconnect:         f.OPCUA.Reconnect.toConfig(),
		},
		MQTT: mqttpub.Config{
			BrokerURL:      f.MQTT.BrokerURL,
			ClientID:       f.MQTT.ClientID,
			Username:       f.MQTT.Username,
			Password:       f.MQTT.Password,
			Namespace:      f.MQTT.Namespace,
			QoS:            f.MQTT.QoS,
			ConnectTimeout: f.MQTT.ConnectTimeout.std(),
			PublishTimeout: f.MQTT.PublishTimeout.std(),
			RetryDelay:     f.MQTT.RetryDelay.std(),
		},
		TimeSeries: tswriter.Config{
			ConnString:    f.TimeSeries.ConnString,
			Table:         f.TimeSeries.Table,
			BatchSize:     f.TimeSeries.BatchSize,
			FlushInterval: f.TimeSeries.FlushInterval.std(),
			Retry:         f.TimeSeries.Retry.toConfig(),
		},
		Buffers:         f.Buffers,
		API:             f.API,
		Spool:           f.Spool,
		DefaultInterval: f.DefaultInterval.std(),
	}
	for _, t := range f.Tags {
		cfg.Tags = append(cfg.Tags, domain.TagDefinition{
			NodeID:   t.NodeID,
			Name:     t.Name,
			Interval: t.Interval.std(),
			TypeHint: t.TypeHint,
		})
	}
	return cfg
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, err
	}

	cfg := fc.toConfig()
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment-provided credentials and endpoints so
// secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPCBRIDGE_OPCUA_ENDPOINT"); v != "" {
		c.OPCUA.Endpoint = v
	}
	if v := os.Getenv("OPCBRIDGE_OPCUA_USERNAME"); v != "" {
		c.OPCUA.Username = v
	}
	if v := os.Getenv("OPCBRIDGE_OPCUA_PASSWORD"); v != "" {
		c.OPCUA.Password = v
	}
	if v := os.Getenv("OPCBRIDGE_MQTT_BROKER"); v != "" {
		c.MQTT.BrokerURL = v
	}
	if v := os.Getenv("OPCBRIDGE_MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("OPCBRIDGE_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("OPCBRIDGE_TS_CONN_STRING"); v != "" {
		c.TimeSeries.ConnString = v
	}
}

func (c *Config) ApplyDefaults() {
	c.OPCUA.ApplyDefaults()
	c.MQTT.ApplyDefaults()
	c.TimeSeries.ApplyDefaults()
	if c.Buffers.MQTTCapacity <= 0 {
		c.Buffers.MQTTCapacity = 10_000
	}
	if c.Buffers.TimeSeriesCapacity <= 0 {
		c.Buffers.TimeSeriesCapacity = 50_000
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Spool.Enabled && c.Spool.Dir == "" {
		c.Spool.Dir = "./data/spool"
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Second
	}
	for i := range c.Tags {
		if c.Tags[i].Name == "" {
			c.Tags[i].Name = c.Tags[i].NodeID
		}
		if c.Tags[i].Interval == 0 {
			c.Tags[i].Interval = c.DefaultInterval
		}
	}
}

func (c *Config) Validate() error {
	if err := c.OPCUA.Validate(); err != nil {
		return fmt.Errorf("opcua config: %w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}
	if err := c.TimeSeries.Validate(); err != nil {
		return fmt.Errorf("timeseries config: %w", err)
	}
	for _, t := range c.Tags {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tag %q: %w", t.NodeID, err)
		}
	}
	return nil
}
