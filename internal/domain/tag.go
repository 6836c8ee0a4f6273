package domain

import (
	"errors"
	"time"
)

// TagDefinition describes one OPC UA node the bridge monitors and how its
// values are named downstream. Unique by NodeID within the registry.
type TagDefinition struct {
	NodeID   string
	Name     string
	Interval time.Duration
	TypeHint string
}

// Validate rejects definitions the session manager could never subscribe.
func (d TagDefinition) Validate() error {
	if d.NodeID == "" {
		return errors.New("tag node_id is required")
	}
	if d.Interval <= 0 {
		return errors.New("tag interval must be > 0")
	}
	return nil
}
