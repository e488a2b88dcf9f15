// Package notify delivers alert notifications. Each sink implements
// one operation, Send; the Dispatcher fans a message out to the sinks
// an alert rule names and keeps per-sink delivery counters. A failing
// sink never stops delivery to the remaining ones.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
)

// Message is one notification, built by the alert engine per
// aggregated alert.
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity string            `json:"severity"`
	Alert    map[string]any    `json:"alert"`
	SinkID   string            `json:"sink_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink delivers a message to one destination.
type Sink interface {
	ID() string
	Send(ctx context.Context, msg Message) error
}

// SinkStats are cumulative delivery counters for one sink.
type SinkStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Dispatcher owns the registered sinks.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   map[string]Sink
	stats   map[string]*SinkStats
	metrics *health.Metrics
	logger  *zap.Logger
}

func NewDispatcher(metrics *health.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sinks:   make(map[string]Sink),
		stats:   make(map[string]*SinkStats),
		metrics: metrics,
		logger:  logger,
	}
}

// Register adds (or replaces) a sink under its own id.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[s.ID()] = s
	if _, ok := d.stats[s.ID()]; !ok {
		d.stats[s.ID()] = &SinkStats{}
	}
}

// Dispatch sends msg to each named sink. Unknown sink ids are logged
// and skipped; an empty list means every registered sink.
func (d *Dispatcher) Dispatch(ctx context.Context, sinkIDs []string, msg Message) {
	d.mu.RLock()
	targets := make([]Sink, 0, len(sinkIDs))
	if len(sinkIDs) == 0 {
		for _, s := range d.sinks {
			targets = append(targets, s)
		}
	} else {
		for _, id := range sinkIDs {
			s, ok := d.sinks[id]
			if !ok {
				d.logger.Warn("unknown notification sink", zap.String("sink", id))
				continue
			}
			targets = append(targets, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range targets {
		msg.SinkID = s.ID()
		err := s.Send(ctx, msg)

		d.mu.Lock()
		st := d.stats[s.ID()]
		if st == nil {
			st = &SinkStats{}
			d.stats[s.ID()] = st
		}
		if err != nil {
			st.Failed++
		} else {
			st.Sent++
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("sink", s.ID()),
				zap.String("rule", msg.Title),
				zap.Error(err),
			)
			if d.metrics != nil {
				d.metrics.NotificationsSent.WithLabelValues(s.ID(), "failed").Inc()
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.NotificationsSent.WithLabelValues(s.ID(), "success").Inc()
		}
	}
}

// Stats returns a copy of the per-sink counters.
func (d *Dispatcher) Stats() map[string]SinkStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]SinkStats, len(d.stats))
	for id, st := range d.stats {
		out[id] = *st
	}
	return out
}
