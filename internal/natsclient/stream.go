package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamHomeEvents is the durable stream capturing raw home events
	// published by hub bridges.
	StreamHomeEvents = "HA_EVENTS"
	// SubjectHomeEvents is the wildcard subject hierarchy for raw home
	// events, e.g. ha.events.state_changed.light.kitchen.
	SubjectHomeEvents = "ha.events.>"

	// StreamAlerts is the durable stream capturing outbound alert
	// notifications so downstream consumers get at-least-once delivery.
	StreamAlerts = "HA_ALERTS"
	// SubjectAlerts is the wildcard covering every alert severity.
	SubjectAlerts = "ha.alerts.>"
	// SubjectAlertPrefix is the prefix for outbound alert notifications,
	// completed with the severity: ha.alerts.critical.
	SubjectAlertPrefix = "ha.alerts."

	// SubjectCronHourly carries the hourly maintenance tick consumed by
	// external retention/backup services.
	SubjectCronHourly = "ha.system.cron.hourly"
)

// streamConfigs lists every JetStream stream the daemon requires. Each
// publish subject must be covered here or JetStream publishes to it
// fail with no responders.
func streamConfigs() []*nats.StreamConfig {
	return []*nats.StreamConfig{
		{
			Name:      StreamHomeEvents,
			Subjects:  []string{SubjectHomeEvents},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamAlerts,
			Subjects:  []string{SubjectAlerts},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
	}
}

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	for _, cfg := range streamConfigs() {
		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to check stream info for %s: %w", cfg.Name, err)
		}

		if _, err := c.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	}
	return nil
}
