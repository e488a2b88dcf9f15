package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Event is the canonical in-memory home event. Events are immutable
// once produced by the connection manager — downstream stages derive
// new instances via WithAttributes rather than mutating in place.
type Event struct {
	// Domain is the coarse type, e.g. "light" or "sensor".
	Domain string `json:"domain"`
	// EntityID is "domain.name", e.g. "light.kitchen".
	EntityID string `json:"entity_id"`
	// Type is the upstream event-type tag, e.g. "state_changed".
	Type string `json:"event_type"`
	// Time is the fired timestamp with nanosecond precision.
	Time time.Time `json:"time_fired"`
	// Attributes is the dynamic attribute bag.
	Attributes map[string]Value `json:"attributes"`
}

// DomainOf extracts the domain portion of an entity id ("light.kitchen"
// → "light"). Entity ids without a dot are their own domain.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return entityID
}

// WithAttributes returns a copy of the event carrying the merged
// attribute set. Existing keys are overwritten by extra.
func (e Event) WithAttributes(extra map[string]Value) Event {
	merged := make(map[string]Value, len(e.Attributes)+len(extra))
	for k, v := range e.Attributes {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	e.Attributes = merged
	return e
}

// Attr resolves a dotted path against the attribute bag.
func (e Event) Attr(path string) (Value, bool) {
	return ResolvePath(e.Attributes, path)
}

// Identity returns the deduplication identity: a digest over the
// event type, entity id, and the canonicalized attribute payload.
// Two events with equal identity within the dedup window are
// duplicates.
func (e Event) Identity() string {
	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteByte('|')
	b.WriteString(e.EntityID)
	b.WriteByte('|')
	canonicalAppend(&b, Map(e.Attributes))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a stable cache key covering identity plus the fired
// timestamp, used by filter result caches.
func (e Event) Fingerprint() string {
	var b strings.Builder
	b.WriteString(e.Identity())
	b.WriteByte('@')
	b.WriteString(e.Time.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
