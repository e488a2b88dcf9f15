package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
	"github.com/wtthornton/ha-ingestor-sub004/internal/natsclient"
)

const (
	sourceDurable = "ingestor-event-consumer"
	fetchBatch    = 10
	fetchTimeout  = 5 * time.Second
)

// SubmitFunc hands a decoded event to the pipeline.
type SubmitFunc func(model.Event)

// NATSSource is the broker-side ingestion path: a durable JetStream
// pull consumer on ha.events.> feeding the same pipeline as the
// websocket channel. Either or both sources may be enabled.
type NATSSource struct {
	nc     *natsclient.Client
	submit SubmitFunc
	logger *zap.Logger
}

// NewNATSSource creates a NATSSource.
func NewNATSSource(nc *natsclient.Client, submit SubmitFunc, logger *zap.Logger) *NATSSource {
	return &NATSSource{nc: nc, submit: submit, logger: logger}
}

// Start subscribes as a durable pull consumer and processes messages
// until ctx is cancelled.
func (s *NATSSource) Start(ctx context.Context) error {
	sub, err := s.nc.JS.PullSubscribe(
		natsclient.SubjectHomeEvents,
		sourceDurable,
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.BindStream(natsclient.StreamHomeEvents),
	)
	if err != nil {
		return err
	}

	s.logger.Info("broker event source started",
		zap.String("subject", natsclient.SubjectHomeEvents),
		zap.String("durable", sourceDurable),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("broker event source stopping")
				return
			default:
			}

			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
			if err != nil {
				// Timeout is expected when there are no messages.
				if err == nats.ErrTimeout || ctx.Err() != nil {
					continue
				}
				s.logger.Error("fetch error", zap.Error(err))
				continue
			}

			for _, msg := range msgs {
				s.processMessage(msg)
			}
		}
	}()

	return nil
}

// processMessage decodes one broker message into an Event. Malformed
// payloads are terminated as poison pills; everything else is
// submitted and acknowledged. Duplicate suppression belongs to the
// pipeline's dedup window, not the source.
func (s *NATSSource) processMessage(msg *nats.Msg) {
	ev, err := decodeBrokerEvent(msg.Data)
	if err != nil {
		s.logger.Warn("malformed broker event (terminating)",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		_ = msg.Term()
		return
	}
	s.submit(ev)
	_ = msg.Ack()
}

// decodeBrokerEvent accepts the same envelope the websocket channel
// carries inside its event frames.
func decodeBrokerEvent(data []byte) (model.Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Event{}, err
	}
	return decodeEvent(&env)
}
