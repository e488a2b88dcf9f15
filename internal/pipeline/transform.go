package pipeline

import (
	"fmt"

	"github.com/wtthornton/ha-ingestor-sub004/internal/hub"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Transform converts an event into zero or more storage points.
type Transform func(model.Event) ([]model.StoragePoint, error)

// attribute keys that become tags rather than fields when present.
var tagAttributes = map[string]string{
	"unit_of_measurement": "unit",
	"device_class":        "device_class",
	"friendly_name":       "friendly_name",
}

// StateTransform builds the default transform for state_changed
// events: measurement = domain, entity_id tag plus registry metadata
// (area/device) when known, and one field per scalar attribute.
// Tag values that would be empty are dropped, never emitted as "".
func StateTransform(registry *hub.Registry) Transform {
	return func(ev model.Event) ([]model.StoragePoint, error) {
		if ev.EntityID == "" {
			return nil, fmt.Errorf("event has no entity_id")
		}

		tags := map[string]string{"entity_id": ev.EntityID}
		if registry != nil {
			for k, v := range registry.Lookup(ev.EntityID) {
				if v != "" {
					tags[k] = v
				}
			}
		}

		fields := make(map[string]model.Value, len(ev.Attributes))
		for k, v := range ev.Attributes {
			if name, ok := tagAttributes[k]; ok {
				if s := v.AsString(); s != "" {
					tags[name] = s
				}
				continue
			}
			switch v.Kind() {
			case model.KindString, model.KindInt, model.KindFloat, model.KindBool:
				fields[k] = v
			default:
				// Nested maps and lists are not representable as fields.
			}
		}
		if len(fields) == 0 {
			return nil, nil // nothing storable; not an error
		}

		p := model.StoragePoint{
			Measurement: ev.Domain,
			Tags:        tags,
			Fields:      fields,
			Time:        ev.Time,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return []model.StoragePoint{p}, nil
	}
}
