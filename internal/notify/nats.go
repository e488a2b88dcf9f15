package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/natsclient"
)

// NATSSink publishes notifications to the alert subject hierarchy so
// downstream services can subscribe per severity.
type NATSSink struct {
	id     string
	nc     *natsclient.Client
	logger *zap.Logger
}

func NewNATSSink(id string, nc *natsclient.Client, logger *zap.Logger) *NATSSink {
	return &NATSSink{id: id, nc: nc, logger: logger}
}

func (s *NATSSink) ID() string { return s.id }

func (s *NATSSink) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	subject := natsclient.SubjectAlertPrefix + msg.Severity
	if _, err := s.nc.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish alert to %s: %w", subject, err)
	}
	s.logger.Debug("alert published", zap.String("subject", subject))
	return nil
}
