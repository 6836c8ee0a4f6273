package domain

import (
	"encoding/json"
	"time"
)

// Quality classifies how much a measurement can be trusted.
type Quality string

const (
	// QualityGood means the server reported the value with an OK status.
	QualityGood Quality = "good"
	// QualityDegraded means the value is usable but something was off:
	// an uncertain status code, a missing timestamp, or an unsupported
	// variant type that had to be stringified.
	QualityDegraded Quality = "degraded"
	// QualityBad means the server flagged the value itself as bad.
	QualityBad Quality = "bad"
)

// MeasurementRecord is the canonical unit of telemetry flowing through the
// bridge. It is immutable once the normalizer produces it; both sinks read
// the same instance and never mutate it.
type MeasurementRecord struct {
	Name      string    `json:"name"`
	NodeID    string    `json:"node_id"`
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"ts"`
	Seq       uint64    `json:"seq"`
}

// EncodeValue renders the value as JSON for storage and transport.
func (r *MeasurementRecord) EncodeValue() ([]byte, error) {
	return json.Marshal(r.Value)
}
