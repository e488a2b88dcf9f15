// Package scheduler runs the daemon's periodic maintenance on a cron
// schedule: sweeping leftover spill files into the pipeline, and
// publishing hourly tick events to NATS so external tooling can react
// to scheduled intervals without running its own scheduler.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/natsclient"
)

// Maintenance jobs registered on Start. Each is optional; nil entries
// are skipped.
type Jobs struct {
	// SpillSweep re-ingests overflow spill files. Runs every 15 minutes.
	SpillSweep func()
}

// CronScheduler wraps robfig/cron; maintenance runs in-process and a
// tick event goes out to NATS so other services can piggyback on the
// schedule.
type CronScheduler struct {
	cron   *cron.Cron
	nats   *natsclient.Client
	jobs   Jobs
	logger *zap.Logger
}

// NewCronScheduler creates and configures the scheduler. nc may be nil
// when broker publishing is not wanted.
func NewCronScheduler(nc *natsclient.Client, jobs Jobs, logger *zap.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   cron.New(cron.WithSeconds()),
		nats:   nc,
		jobs:   jobs,
		logger: logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *CronScheduler) Start() error {
	if s.jobs.SpillSweep != nil {
		if _, err := s.cron.AddFunc("0 */15 * * * *", s.runSpillSweep); err != nil {
			return err
		}
	}
	if s.nats != nil {
		if _, err := s.cron.AddFunc("@hourly", s.publishHourly); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started")
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *CronScheduler) runSpillSweep() {
	s.logger.Debug("spill sweep tick")
	s.jobs.SpillSweep()
}

// cronPayload is the JSON envelope published for each tick.
type cronPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

func (s *CronScheduler) publishHourly() {
	payload := cronPayload{
		Event:     "cron.hourly",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal cron payload", zap.Error(err))
		return
	}

	// Plain NATS, not JetStream. Cron ticks are ephemeral signals, not
	// events needing at-least-once delivery.
	if err := s.nats.Conn.Publish(natsclient.SubjectCronHourly, data); err != nil {
		s.logger.Error("failed to publish cron event",
			zap.String("subject", natsclient.SubjectCronHourly),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("cron tick published", zap.String("subject", natsclient.SubjectCronHourly))
}
