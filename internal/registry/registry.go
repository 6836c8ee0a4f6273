// Package registry holds the mutable set of monitored tags. It is the only
// state in the bridge written by more than one caller (management API
// writers, session manager reader), so every access goes through one mutex.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
)

type Registry struct {
	mu              sync.RWMutex
	tags            map[string]domain.TagDefinition
	rev             uint64
	defaultInterval time.Duration
}

// New seeds the registry from the startup configuration. Definitions with a
// zero interval inherit defaultInterval before validation.
func New(defs []domain.TagDefinition, defaultInterval time.Duration) (*Registry, error) {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	r := &Registry{
		tags:            make(map[string]domain.TagDefinition, len(defs)),
		defaultInterval: defaultInterval,
	}
	for _, d := range defs {
		if err := r.Upsert(d); err != nil {
			return nil, fmt.Errorf("seed tag %q: %w", d.NodeID, err)
		}
	}
	return r, nil
}

// List returns a snapshot of all definitions, sorted by node ID so callers
// see a stable order.
func (r *Registry) List() []domain.TagDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TagDefinition, 0, len(r.tags))
	for _, d := range r.tags {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Get returns the definition for a node ID, if present.
func (r *Registry) Get(nodeID string) (domain.TagDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tags[nodeID]
	return d, ok
}

// Upsert validates and stores a definition, replacing any existing entry
// with the same node ID. Missing names fall back to the node ID and a zero
// interval inherits the registry default.
func (r *Registry) Upsert(def domain.TagDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" {
		def.Name = def.NodeID
	}
	if def.Interval == 0 {
		def.Interval = r.defaultInterval
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.tags[def.NodeID] = def
	r.rev++
	return nil
}

// Remove deletes a definition. Removing an unknown node ID is a no-op; the
// revision only moves when something actually changed.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[nodeID]; !ok {
		return false
	}
	delete(r.tags, nodeID)
	r.rev++
	return true
}

// SetInterval adjusts the sampling interval of a single tag.
func (r *Registry) SetInterval(nodeID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", interval)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tags[nodeID]
	if !ok {
		return fmt.Errorf("unknown tag %q", nodeID)
	}
	if d.Interval == interval {
		return nil
	}
	d.Interval = interval
	r.tags[nodeID] = d
	r.rev++
	return nil
}

// SetDefaultInterval applies a new sampling interval globally: every
// registered tag and the default for tags added later.
func (r *Registry) SetDefaultInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", interval)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultInterval = interval
	changed := false
	for id, d := range r.tags {
		if d.Interval != interval {
			d.Interval = interval
			r.tags[id] = d
			changed = true
		}
	}
	if changed {
		r.rev++
	}
	return nil
}

// Revision returns the monotone revision counter. The session manager
// compares it against the revision of its last reconciliation to detect
// "nothing changed" without diffing.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rev
}

var _ ports.TagSource = (*Registry)(nil)
