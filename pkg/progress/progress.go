// Package progress tracks the backfills running on this node.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrBackfillerNotFound is reported for resources with no running backfill.
var ErrBackfillerNotFound = errors.New("backfiller not found")

// Tracker records, per resource, the completed fraction of each running
// backfill keyed by the source it copies from.
type Tracker struct {
	mu    sync.RWMutex
	fills map[uuid.UUID]map[string]float64
}

func NewTracker() *Tracker {
	return &Tracker{fills: make(map[uuid.UUID]map[string]float64)}
}

// Update records fraction for the backfill of resource from source. A
// fraction of 1 or more finishes that backfill.
func (t *Tracker) Update(resource uuid.UUID, source string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fraction >= 1 {
		t.finish(resource, source)
		return
	}
	m := t.fills[resource]
	if m == nil {
		m = make(map[string]float64)
		t.fills[resource] = m
	}
	m[source] = max(fraction, 0)
}

// Done drops the backfill of resource from source.
func (t *Tracker) Done(resource uuid.UUID, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finish(resource, source)
}

func (t *Tracker) finish(resource uuid.UUID, source string) {
	m := t.fills[resource]
	delete(m, source)
	if len(m) == 0 {
		delete(t.fills, resource)
	}
}

// Lookup returns a copy of the running backfills of resource.
func (t *Tracker) Lookup(resource uuid.UUID) (map[string]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.fills[resource]
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true
}

// Snapshot returns a copy of every running backfill.
func (t *Tracker) Snapshot() map[uuid.UUID]map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uuid.UUID]map[string]float64, len(t.fills))
	for r, m := range t.fills {
		cp := make(map[string]float64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[r] = cp
	}
	return out
}

// Query selects one resource, or every resource when Resource is nil.
type Query struct {
	Resource *uuid.UUID `json:"resource,omitempty"`
}

// HandleQuery answers a progress query arriving over the mailbox.
func (t *Tracker) HandleQuery(_ context.Context, args json.RawMessage) (any, error) {
	var q Query
	if len(args) > 0 {
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, fmt.Errorf("bad progress query: %w", err)
		}
	}
	if q.Resource == nil {
		return t.Snapshot(), nil
	}
	m, ok := t.Lookup(*q.Resource)
	if !ok {
		return nil, ErrBackfillerNotFound
	}
	return m, nil
}
