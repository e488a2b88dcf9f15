package hub

import (
	"encoding/json"
	"sync"
)

// Registry caches device/area/entity metadata pushed by the hub via
// registry-update events. The pipeline's transform step consults it to
// tag storage points with area and device names.
//
// The upstream mapping of entity → area is hub-specific; updates are
// treated as an opaque string-metadata merge keyed by entity_id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[string]string)}
}

// registryUpdate is the subset of a registry-update payload we retain.
type registryUpdate struct {
	EntityID string         `json:"entity_id"`
	Changes  map[string]any `json:"changes"`
}

// Apply merges a registry-update payload into the cache. Malformed or
// keyless payloads are ignored — a bad registry frame must never
// disturb the channel.
func (r *Registry) Apply(data json.RawMessage) {
	var upd registryUpdate
	if err := json.Unmarshal(data, &upd); err != nil || upd.EntityID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	meta := r.entries[upd.EntityID]
	if meta == nil {
		meta = make(map[string]string, len(upd.Changes))
		r.entries[upd.EntityID] = meta
	}
	for k, v := range upd.Changes {
		if s, ok := v.(string); ok && s != "" {
			meta[k] = s
		}
	}
}

// Lookup returns a copy of the metadata for an entity, or nil.
func (r *Registry) Lookup(entityID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.entries[entityID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// Len reports the number of cached entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
