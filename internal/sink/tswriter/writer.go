// Package tswriter batches measurement records and writes them to a
// Timescale-style store: one series per output name, fields {value,
// quality}, tagged with the source node ID. A failed batch is retried with
// backoff a bounded number of times, then dropped and counted; batches are
// never reordered.
package tswriter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/TailGuy/opcbridge/internal/backoff"
	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
	"github.com/TailGuy/opcbridge/internal/spool"
)

const SinkName = "timeseries"

type Config struct {
	ConnString    string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	Retry         backoff.Config
}

func (c *Config) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "measurements"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.Retry == (backoff.Config{}) {
		c.Retry = backoff.Config{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  5,
			AddJitter:    true,
		}
	}
}

func (c *Config) Validate() error {
	if c.ConnString == "" {
		return errors.New("timeseries conn_string is required")
	}
	return nil
}

type Writer struct {
	cfg       Config
	db        *sql.DB
	buf       ports.RecordBuffer
	obs       ports.Observability
	sp        *spool.Spool
	delivered atomic.Uint64
}

// New builds a writer over an open *sql.DB. The spool is optional; when
// present, records survive a process restart between dequeue and store
// acknowledgment.
func New(cfg Config, db *sql.DB, buf ports.RecordBuffer, obs ports.Observability, sp *spool.Spool) (*Writer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Writer{cfg: cfg, db: db, buf: buf, obs: obs, sp: sp}, nil
}

func (w *Writer) Name() string { return SinkName }

// Start replays any spooled records the store never acknowledged. sql.Open
// is lazy, so an unreachable store does not fail here; the first batch
// write hits the retry path instead.
func (w *Writer) Start() error {
	if w.sp == nil {
		return nil
	}
	st := w.sp.Stats()
	if st.LatestAppended == 0 || st.OldestUncommitted > st.LatestAppended {
		return nil
	}
	var replayed int
	err := w.sp.Replay(st.OldestUncommitted, func(_ spool.EntryID, rec *domain.MeasurementRecord) error {
		w.buf.Enqueue(rec)
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("spool replay: %w", err)
	}
	if replayed > 0 {
		w.obs.LogInfo("spool_replayed", ports.Field{Key: "records", Value: replayed})
	}
	return nil
}

// Run drains the buffer, flushing when the batch fills or the interval
// elapses, whichever first.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]*domain.MeasurementRecord, 0, w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// Final drain, bounded so shutdown cannot hang on a dead store.
			pending = w.fill(pending)
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(drainCtx, pending)
			cancel()
			return
		case <-ticker.C:
			pending = w.fill(pending)
			if len(pending) > 0 {
				w.flush(ctx, pending)
				pending = pending[:0]
			}
		default:
			pending = w.fill(pending)
			if len(pending) >= w.cfg.BatchSize {
				w.flush(ctx, pending)
				pending = pending[:0]
				continue
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (w *Writer) Stop(ctx context.Context) error {
	if w.sp != nil {
		return w.sp.Close()
	}
	return nil
}

func (w *Writer) Delivered() uint64 { return w.delivered.Load() }

func (w *Writer) fill(pending []*domain.MeasurementRecord) []*domain.MeasurementRecord {
	room := w.cfg.BatchSize - len(pending)
	if room <= 0 {
		return pending
	}
	return append(pending, w.buf.DequeueBatch(room)...)
}

// flush writes one batch with bounded retry. After the ceiling the batch is
// dropped and the loss counted; the failure signal is never silent.
func (w *Writer) flush(ctx context.Context, batch []*domain.MeasurementRecord) {
	if len(batch) == 0 {
		return
	}

	var maxID spool.EntryID
	if w.sp != nil {
		for _, rec := range batch {
			id, err := w.sp.Append(rec)
			if err != nil {
				w.obs.LogError("spool_append_failed", err)
				break
			}
			maxID = id
		}
		if err := w.sp.Flush(); err != nil {
			w.obs.LogError("spool_flush_failed", err)
		}
	}

	attempt := 0
	for {
		start := time.Now()
		err := w.writeBatch(batch)
		if err == nil {
			w.obs.ObserveLatency("opcbridge_ts_write_latency_seconds", time.Since(start).Seconds())
			w.obs.IncCounter("opcbridge_ts_written_total", float64(len(batch)))
			w.delivered.Add(uint64(len(batch)))
			if w.sp != nil && maxID > 0 {
				if err := w.sp.Commit(maxID); err != nil {
					w.obs.LogError("spool_commit_failed", err)
				}
			}
			return
		}

		attempt++
		w.obs.IncCounter("opcbridge_ts_batches_failed_total", 1)
		if w.cfg.Retry.Exhausted(attempt) {
			w.obs.LogCritical("ts_batch_dropped", err,
				ports.Field{Key: "records", Value: len(batch)},
				ports.Field{Key: "attempts", Value: attempt})
			w.obs.IncCounter("opcbridge_timeseries_dropped_total", float64(len(batch)))
			return
		}
		w.obs.LogError("ts_write_failed", err, ports.Field{Key: "attempt", Value: attempt})
		if !w.cfg.Retry.Sleep(ctx, attempt) {
			w.obs.IncCounter("opcbridge_timeseries_dropped_total", float64(len(batch)))
			return
		}
	}
}

// writeBatch issues a single multi-row INSERT. The unique key on
// (name, ts, seq) makes redelivery after a crash idempotent.
func (w *Writer) writeBatch(batch []*domain.MeasurementRecord) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(w.cfg.Table)
	b.WriteString(" (name, ts, seq, value, quality, node_id) VALUES ")

	args := make([]any, 0, len(batch)*6)
	for i, rec := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))
		val, err := rec.EncodeValue()
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", rec.Name, err)
		}
		args = append(args,
			rec.Name,
			rec.Timestamp,
			rec.Seq,
			val,
			string(rec.Quality),
			rec.NodeID,
		)
	}
	b.WriteString(" ON CONFLICT (name, ts, seq) DO NOTHING")

	_, err := w.db.Exec(b.String(), args...)
	return err
}

var _ ports.Sink = (*Writer)(nil)
