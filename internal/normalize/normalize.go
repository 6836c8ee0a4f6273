// Package normalize converts raw OPC UA data-change notifications into
// MeasurementRecords. It is a pure transform: malformed input from the
// protocol layer is tagged in the quality field, never dropped and never an
// error.
package normalize

import (
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/TailGuy/opcbridge/internal/domain"
)

// RawUpdate is one monitored-item notification plus the session context the
// normalizer needs to judge its timestamp.
type RawUpdate struct {
	Def         domain.TagDefinition
	Value       *ua.DataValue
	Seq         uint64
	ConnectedAt time.Time
	ReceivedAt  time.Time
}

// Record produces the canonical measurement for a raw update. The policy
// for anomalies: a missing or pre-connect source timestamp is replaced with
// the local receipt time and the quality is degraded; an unsupported
// variant type is stringified and degraded; a nil value becomes a bad
// record rather than nothing.
func Record(raw RawUpdate) *domain.MeasurementRecord {
	rec := &domain.MeasurementRecord{
		Name:   raw.Def.Name,
		NodeID: raw.Def.NodeID,
		Seq:    raw.Seq,
	}

	if raw.Value == nil {
		rec.Quality = domain.QualityBad
		rec.Timestamp = raw.ReceivedAt
		return rec
	}

	rec.Quality = qualityFromStatus(raw.Value.Status)

	val, supported := variantValue(raw.Value.Value)
	rec.Value = val
	if !supported && rec.Quality == domain.QualityGood {
		rec.Quality = domain.QualityDegraded
	}

	ts := raw.Value.SourceTimestamp
	if ts.IsZero() {
		ts = raw.Value.ServerTimestamp
	}
	if ts.IsZero() || ts.Before(raw.ConnectedAt) {
		ts = raw.ReceivedAt
		if rec.Quality == domain.QualityGood {
			rec.Quality = domain.QualityDegraded
		}
	}
	rec.Timestamp = ts

	return rec
}

// qualityFromStatus maps the OPC UA severity bits: 00 good, 01 uncertain,
// 1x bad.
func qualityFromStatus(code ua.StatusCode) domain.Quality {
	switch uint32(code) >> 30 {
	case 0:
		return domain.QualityGood
	case 1:
		return domain.QualityDegraded
	default:
		return domain.QualityBad
	}
}

// variantValue unwraps a variant into a JSON-friendly value. Numeric types
// widen to float64 the same way the sinks store them; anything else is kept
// as a string so no update is ever lost to a type surprise.
func variantValue(v *ua.Variant) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		return val, true
	case string:
		return val, true
	default:
		return fmt.Sprint(val), false
	}
}
