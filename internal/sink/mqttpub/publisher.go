// Package mqttpub republishes measurement records onto the MQTT bus. Topics
// derive deterministically from the record's output name:
// {namespace}/{name}. QoS 1 gives at-least-once delivery where the broker
// acknowledges.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
)

const SinkName = "mqtt"

type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Namespace      string
	// QoS nil selects 1 (at-least-once); an explicit 0 keeps
	// at-most-once selectable.
	QoS            *byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	RetryDelay     time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "opcbridge-" + uuid.NewString()[:8]
	}
	if c.Namespace == "" {
		c.Namespace = "opcbridge"
	}
	if c.QoS == nil {
		q := byte(1)
		c.QoS = &q
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("mqtt broker_url is required")
	}
	if c.QoS != nil && *c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0..2, got %d", *c.QoS)
	}
	return nil
}

// payload is the wire encoding of a MeasurementRecord.
type payload struct {
	Value     any            `json:"value"`
	Quality   domain.Quality `json:"quality"`
	Timestamp time.Time      `json:"ts"`
	NodeID    string         `json:"node_id"`
	Seq       uint64         `json:"seq"`
}

type Publisher struct {
	cfg       Config
	client    pahomqtt.Client
	buf       ports.RecordBuffer
	obs       ports.Observability
	delivered atomic.Uint64
}

func New(cfg Config, buf ports.RecordBuffer, obs ports.Observability) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, buf: buf, obs: obs}, nil
}

func (p *Publisher) Name() string { return SinkName }

// Start connects to the broker. paho keeps retrying in the background on
// failure, so an unreachable broker at boot is not fatal; records buffer
// up to capacity until the connection lands.
func (p *Publisher) Start() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(p.cfg.RetryDelay).
		SetKeepAlive(30 * time.Second)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.obs.LogError("mqtt_connection_lost", err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.obs.LogInfo("mqtt_connected", ports.Field{Key: "broker", Value: p.cfg.BrokerURL})
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		p.obs.LogError("mqtt_connect_pending", errors.New("broker not reachable yet"))
		return nil
	}
	return token.Error()
}

// drainGrace bounds the shutdown flush so a dead broker cannot hang
// process exit.
const drainGrace = 2 * time.Second

// Run drains the buffer in order. On a failed publish the unsent remainder
// is requeued at the front so the original relative order survives the
// outage, bounded by the buffer capacity. Cancellation triggers one final
// bounded drain; anything still undeliverable is counted dropped.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		default:
		}

		batch := p.buf.DequeueBatch(16)
		if len(batch) == 0 {
			if !sleepCtx(ctx, p.cfg.RetryDelay/10+time.Millisecond) {
				p.drain()
				return
			}
			continue
		}

		for i, rec := range batch {
			if err := p.publish(rec); err != nil {
				p.buf.Requeue(batch[i:])
				p.obs.LogError("mqtt_publish_failed", err,
					ports.Field{Key: "topic", Value: p.TopicFor(rec.Name)})
				if !sleepCtx(ctx, p.cfg.RetryDelay) {
					p.drain()
					return
				}
				break
			}
			p.delivered.Add(1)
			p.obs.IncCounter("opcbridge_mqtt_published_total", 1)
		}
	}
}

// drain publishes what the connection still allows within drainGrace, then
// sheds the rest.
func (p *Publisher) drain() {
	deadline := time.Now().Add(drainGrace)
	for {
		batch := p.buf.DequeueBatch(16)
		if len(batch) == 0 {
			return
		}
		for i, rec := range batch {
			if time.Now().After(deadline) {
				p.shed(batch[i:])
				return
			}
			if err := p.publish(rec); err != nil {
				p.shed(batch[i:])
				return
			}
			p.delivered.Add(1)
			p.obs.IncCounter("opcbridge_mqtt_published_total", 1)
		}
	}
}

// shed counts records abandoned at shutdown: the given remainder plus
// anything still buffered. Loss at exit is never silent.
func (p *Publisher) shed(rest []*domain.MeasurementRecord) {
	n := len(rest)
	for {
		left := p.buf.DequeueBatch(0)
		if len(left) == 0 {
			break
		}
		n += len(left)
	}
	if n == 0 {
		return
	}
	p.obs.IncCounter("opcbridge_mqtt_dropped_total", float64(n))
	p.obs.LogError("mqtt_shutdown_dropped", errors.New("records undeliverable at shutdown"),
		ports.Field{Key: "records", Value: n})
}

// Stop drains nothing further; it disconnects, letting paho flush in-flight
// acks within the grace period.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	grace := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if ms := time.Until(dl).Milliseconds(); ms > 0 && ms < int64(grace) {
			grace = uint(ms)
		}
	}
	p.client.Disconnect(grace)
	return nil
}

func (p *Publisher) Delivered() uint64 { return p.delivered.Load() }

// TopicFor is the stable topic mapping: {namespace}/{output name}.
func (p *Publisher) TopicFor(name string) string {
	return p.cfg.Namespace + "/" + name
}

func (p *Publisher) publish(rec *domain.MeasurementRecord) error {
	if p.client == nil || !p.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	body, err := json.Marshal(payload{
		Value:     rec.Value,
		Quality:   rec.Quality,
		Timestamp: rec.Timestamp,
		NodeID:    rec.NodeID,
		Seq:       rec.Seq,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	token := p.client.Publish(p.TopicFor(rec.Name), *p.cfg.QoS, false, body)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ ports.Sink = (*Publisher)(nil)
