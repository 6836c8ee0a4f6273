// Package opcbridge wires the OPC UA session manager, fan-out dispatcher,
// MQTT publisher, time-series writer, and management API into one runtime.
package opcbridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TailGuy/opcbridge/internal/api"
	"github.com/TailGuy/opcbridge/internal/config"
	"github.com/TailGuy/opcbridge/internal/dispatch"
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/observability"
	"github.com/TailGuy/opcbridge/internal/ports"
	"github.com/TailGuy/opcbridge/internal/registry"
	"github.com/TailGuy/opcbridge/internal/session"
	"github.com/TailGuy/opcbridge/internal/sink/mqttpub"
	"github.com/TailGuy/opcbridge/internal/sink/tswriter"
	"github.com/TailGuy/opcbridge/internal/spool"
)

// Option customizes the dependencies the bridge is built from.
type Option func(*overrides)

type overrides struct {
	obs   ports.Observability
	db    *sql.DB
	sinks []ports.Sink
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// WithDB injects an open database handle, bypassing sql.Open on the
// configured connection string. Tests use this with sqlmock.
func WithDB(db *sql.DB) Option {
	return func(o *overrides) { o.db = db }
}

// WithExtraSink registers an additional fan-out target alongside the MQTT
// publisher and time-series writer. The sink must bring its own buffer via
// RegisterBuffer on the bridge's dispatcher; most callers want the two
// built-ins and never need this.
func WithExtraSink(s ports.Sink, buf ports.RecordBuffer) Option {
	return func(o *overrides) { o.sinks = append(o.sinks, sinkWithBuffer{s, buf}) }
}

type sinkWithBuffer struct {
	ports.Sink
	buf ports.RecordBuffer
}

// Bridge is the assembled runtime.
type Bridge struct {
	cfg        *config.Config
	obs        ports.Observability
	reg        *registry.Registry
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	sinks      []ports.Sink
	buffers    map[string]ports.RecordBuffer
	apiSrv     *api.Server
	db         *sql.DB
	ownsDB     bool
	started    time.Time
}

// New builds a bridge from configuration. Nothing dials out yet; Run does.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	obs := ov.obs
	if obs == nil {
		obs = observability.New(prometheus.DefaultRegisterer)
	}

	reg, err := registry.New(cfg.Tags, cfg.DefaultInterval)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:     cfg,
		obs:     obs,
		reg:     reg,
		buffers: make(map[string]ports.RecordBuffer),
	}

	b.dispatcher = dispatch.New(obs)

	// MQTT path.
	mqttBuf := dispatch.NewRing(cfg.Buffers.MQTTCapacity)
	pub, err := mqttpub.New(cfg.MQTT, mqttBuf, obs)
	if err != nil {
		return nil, fmt.Errorf("mqtt publisher: %w", err)
	}
	b.registerSink(pub, mqttBuf)

	// Time-series path.
	db := ov.db
	if db == nil {
		db, err = sql.Open("postgres", cfg.TimeSeries.ConnString)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		b.ownsDB = true
	}
	b.db = db

	var sp *spool.Spool
	if cfg.Spool.Enabled {
		sp, err = spool.Open(cfg.Spool.Dir)
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
	}

	tsBuf := dispatch.NewRing(cfg.Buffers.TimeSeriesCapacity)
	writer, err := tswriter.New(cfg.TimeSeries, db, tsBuf, obs, sp)
	if err != nil {
		return nil, fmt.Errorf("time-series writer: %w", err)
	}
	b.registerSink(writer, tsBuf)

	for _, s := range ov.sinks {
		swb := s.(sinkWithBuffer)
		b.registerSink(swb.Sink, swb.buf)
	}

	b.manager, err = session.NewManager(cfg.OPCUA, reg, b.dispatcher.Dispatch, obs)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	var metrics http.Handler
	if mh, ok := obs.(interface{ MetricsHandler() http.Handler }); ok {
		metrics = mh.MetricsHandler()
	}
	b.apiSrv = api.NewServer(cfg.API.Addr, reg, b.Status, obs, metrics)
	return b, nil
}

func (b *Bridge) registerSink(s ports.Sink, buf ports.RecordBuffer) {
	b.dispatcher.Register(s.Name(), buf)
	b.buffers[s.Name()] = buf
	b.sinks = append(b.sinks, s)
}

// Status assembles the live snapshot served by GET /status.
func (b *Bridge) Status() domain.BridgeStatus {
	st := domain.BridgeStatus{
		SessionState:     b.manager.State(),
		LastError:        b.manager.LastError(),
		RegistryRevision: b.reg.Revision(),
	}
	if !b.started.IsZero() {
		st.UptimeSeconds = time.Since(b.started).Seconds()
	}
	for _, s := range b.sinks {
		buf := b.buffers[s.Name()]
		st.Sinks = append(st.Sinks, domain.SinkStatus{
			Name:      s.Name(),
			Buffered:  buf.Len(),
			Capacity:  buf.Cap(),
			Dropped:   buf.Dropped(),
			Delivered: s.Delivered(),
		})
	}
	return st
}

// Run starts every component and blocks until the context is cancelled,
// then drains with a bounded grace period. Sink start failures are logged,
// not fatal: the process stays alive so an operator can fix the
// configuration through the management API and status endpoint.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	b.apiSrv.Start()

	for _, s := range b.sinks {
		if err := s.Start(); err != nil {
			b.obs.LogError("sink_start_failed", err, ports.Field{Key: "sink", Value: s.Name()})
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range b.sinks {
		wg.Add(1)
		go func(s ports.Sink) {
			defer wg.Done()
			s.Run(runCtx)
		}(s)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.manager.Run(runCtx)
	}()

	<-ctx.Done()

	// Stop producing first, then give the sinks a grace period to drain.
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.obs.LogError("shutdown_drain_timeout", errors.New("components still draining"))
	}

	return b.close()
}

func (b *Bridge) close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := b.apiSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range b.sinks {
		if err := s.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
	}
	if b.ownsDB && b.db != nil {
		if err := b.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registry exposes the tag registry, mainly for embedding and tests.
func (b *Bridge) Registry() *registry.Registry { return b.reg }
