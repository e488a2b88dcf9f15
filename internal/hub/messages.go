// Package hub maintains the long-lived channel to the upstream
// home-automation hub: websocket handshake, event-type subscription,
// frame decoding, and reconnection with jittered exponential backoff.
// It also hosts the alternative NATS broker ingestion source.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Frame types spoken over the websocket channel.
const (
	frameAuthRequired = "auth_required"
	frameAuth         = "auth"
	frameAuthOK       = "auth_ok"
	frameAuthInvalid  = "auth_invalid"
	frameSubscribe    = "subscribe_events"
	frameResult       = "result"
	frameEvent        = "event"
)

// Registry-update event types mutate the in-memory registry cache
// instead of flowing down the pipeline.
const (
	eventDeviceRegistryUpdated = "device_registry_updated"
	eventEntityRegistryUpdated = "entity_registry_updated"
)

// frame is the JSON envelope exchanged with the hub.
type frame struct {
	ID          int64          `json:"id,omitempty"`
	Type        string         `json:"type"`
	Success     *bool          `json:"success,omitempty"`
	Error       *frameError    `json:"error,omitempty"`
	Event       *eventEnvelope `json:"event,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	EventType   string         `json:"event_type,omitempty"`
	Message     string         `json:"message,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventEnvelope is the inner payload of an event frame.
type eventEnvelope struct {
	EventType string          `json:"event_type"`
	TimeFired time.Time       `json:"time_fired"`
	Data      json.RawMessage `json:"data"`
}

func (e *eventEnvelope) isRegistryUpdate() bool {
	return e.EventType == eventDeviceRegistryUpdated || e.EventType == eventEntityRegistryUpdated
}

// stateChangeData is the data payload of a state_changed event.
type stateChangeData struct {
	EntityID string    `json:"entity_id"`
	NewState *hubState `json:"new_state"`
	OldState *hubState `json:"old_state"`
}

type hubState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// decodeEvent turns an event envelope into the canonical Event. The
// attribute bag merges the new state's attributes with a "state" key
// carrying the state string itself.
func decodeEvent(env *eventEnvelope) (model.Event, error) {
	var data stateChangeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return model.Event{}, fmt.Errorf("decode event data: %w", err)
	}
	if data.EntityID == "" && data.NewState != nil {
		data.EntityID = data.NewState.EntityID
	}
	if data.EntityID == "" {
		return model.Event{}, fmt.Errorf("event %q has no entity_id", env.EventType)
	}

	attrs := make(map[string]model.Value)
	if data.NewState != nil {
		for k, v := range data.NewState.Attributes {
			attrs[k] = model.FromAny(v)
		}
		if data.NewState.State != "" {
			attrs["state"] = model.String(data.NewState.State)
		}
	}

	ts := env.TimeFired
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return model.Event{
		Domain:     model.DomainOf(data.EntityID),
		EntityID:   data.EntityID,
		Type:       env.EventType,
		Time:       ts,
		Attributes: attrs,
	}, nil
}
