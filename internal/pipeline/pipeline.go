package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Result is the outcome of a Submit call.
type Result int

const (
	ResultQueued Result = iota
	ResultDroppedOverflow
	ResultRateLimited
)

func (r Result) String() string {
	switch r {
	case ResultDroppedOverflow:
		return "dropped_overflow"
	case ResultRateLimited:
		return "rate_limited"
	default:
		return "queued"
	}
}

// PointSink receives the derived storage points; the batched writer
// implements it and buffers internally.
type PointSink interface {
	WritePoints(ctx context.Context, points []model.StoragePoint) error
}

// AlertSink receives the (possibly transformed) event and the numeric
// series samples derived from it.
type AlertSink interface {
	HandleEvent(ev model.Event) error
	AddDataPoint(path string, value float64, ts time.Time, meta map[string]string)
}

// Enricher attaches external data to an event. Failures never abort
// the pipeline.
type Enricher interface {
	Enrich(ctx context.Context, ev model.Event) (model.Event, error)
}

// Config tunes the pipeline.
type Config struct {
	QueueSize    int           // default 10000
	Workers      int           // default 10
	RateLimit    float64       // events/second, default 1000; negative disables
	DedupWindow  time.Duration // default 5s
	DedupCeiling int           // default 10000
	SpillDir     string        // empty disables disk spill
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1000
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.DedupCeiling <= 0 {
		c.DedupCeiling = defaultDedupCeiling
	}
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Received     uint64
	Processed    uint64
	Deduplicated uint64
	Filtered     uint64
	Transformed  uint64
	Stored       uint64
	Failed       uint64
	RateLimited  uint64
	Overflowed   uint64
	FilterErrors uint64
	AvgLatencyMs float64
	QueueDepth   int
}

// Pipeline owns the bounded work queue, the dedup window, the filter
// chain, the transform registry, and the worker pool. Cross-component
// communication is message passing only: the writer and alert engine
// never call back in.
type Pipeline struct {
	cfg     Config
	logger  *zap.Logger
	metrics *health.Metrics

	queue    chan model.Event
	overflow chan model.Event
	limiter  *rate.Limiter
	dedup    *deduper
	chain    *filterChain
	spill    *spillStore

	transformMu sync.RWMutex
	transforms  map[string]Transform
	defaultTf   Transform

	writer PointSink
	alerts AlertSink

	enricher Enricher

	wg     sync.WaitGroup
	cancel context.CancelFunc

	received     atomic.Uint64
	processed    atomic.Uint64
	deduplicated atomic.Uint64
	filtered     atomic.Uint64
	transformed  atomic.Uint64
	stored       atomic.Uint64
	failed       atomic.Uint64
	rateLimited  atomic.Uint64
	overflowed   atomic.Uint64
	filterErrs   atomic.Uint64
	latencyNs    atomic.Uint64
}

// New builds a Pipeline. writer and alerts may be nil in tests;
// metrics may be nil. The default transform handles state_changed
// events; register others with RegisterTransform.
func New(cfg Config, writer PointSink, alerts AlertSink, enricher Enricher, metrics *health.Metrics, logger *zap.Logger) *Pipeline {
	cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit))
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		queue:      make(chan model.Event, cfg.QueueSize),
		overflow:   make(chan model.Event, cfg.QueueSize),
		limiter:    limiter,
		dedup:      newDeduper(cfg.DedupWindow, cfg.DedupCeiling),
		chain:      newFilterChain(metrics),
		spill:      newSpillStore(cfg.SpillDir, logger),
		transforms: make(map[string]Transform),
		writer:     writer,
		alerts:     alerts,
		enricher:   enricher,
	}
}

// RegisterFilter appends (or replaces, by name) a filter in the chain.
// Registration is atomic relative to concurrent submissions.
func (p *Pipeline) RegisterFilter(f Filter) { p.chain.register(f) }

// RegisterTransform binds a transform to an event type. The empty
// type sets the default transform.
func (p *Pipeline) RegisterTransform(eventType string, tf Transform) {
	p.transformMu.Lock()
	defer p.transformMu.Unlock()
	if eventType == "" {
		p.defaultTf = tf
		return
	}
	p.transforms[eventType] = tf
}

func (p *Pipeline) transformFor(eventType string) Transform {
	p.transformMu.RLock()
	defer p.transformMu.RUnlock()
	if tf, ok := p.transforms[eventType]; ok {
		return tf
	}
	return p.defaultTf
}

// Start recovers any spill files into the queue, then launches the
// worker pool and the overflow drainer.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if _, err := p.spill.recover(func(ev model.Event) {
		select {
		case p.queue <- ev:
		default:
			// Queue already full during recovery; the event goes back
			// to disk on the next spill write.
			select {
			case p.overflow <- ev:
			default:
			}
		}
	}); err != nil {
		p.logger.Warn("spill recovery error", zap.Error(err))
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx)
	}

	p.wg.Add(1)
	go p.drainOverflow(runCtx)

	p.logger.Info("pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
	return nil
}

// Stop cancels workers, waits for them to finish, and spills whatever
// is still queued so it can be recovered on the next start.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.spill.enabled() {
		var remaining []model.Event
	drain:
		for {
			select {
			case ev := <-p.queue:
				remaining = append(remaining, ev)
			case ev := <-p.overflow:
				remaining = append(remaining, ev)
			default:
				break drain
			}
		}
		if err := p.spill.write(remaining); err != nil {
			p.logger.Error("final spill failed", zap.Error(err))
		}
	}
	p.logger.Info("pipeline stopped")
}

// Submit is non-blocking best effort. Rate-limited submissions are
// shed before queueing; with the queue at capacity the event routes to
// the overflow buffer (and disk, when configured) and the caller is
// told dropped_overflow so it can surface backpressure.
func (p *Pipeline) Submit(ev model.Event) Result {
	p.received.Add(1)
	if p.metrics != nil {
		p.metrics.EventsReceived.Inc()
	}

	if p.limiter != nil && !p.limiter.Allow() {
		p.rateLimited.Add(1)
		if p.metrics != nil {
			p.metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
		}
		return ResultRateLimited
	}

	select {
	case p.queue <- ev:
		if p.metrics != nil {
			p.metrics.PipelineDepth.Set(float64(len(p.queue)))
		}
		return ResultQueued
	default:
	}

	p.overflowed.Add(1)
	if p.metrics != nil {
		p.metrics.EventsDropped.WithLabelValues("overflow").Inc()
	}

	select {
	case p.overflow <- ev:
	default:
		if err := p.spill.write([]model.Event{ev}); err != nil {
			p.logger.Warn("spill write failed, event lost", zap.Error(err))
		}
	}
	return ResultDroppedOverflow
}

// RecoverSpill re-ingests spill files written since start, queueing
// what fits. Intended for periodic maintenance; returns the number of
// recovered events.
func (p *Pipeline) RecoverSpill() int {
	n, err := p.spill.recover(func(ev model.Event) {
		select {
		case p.queue <- ev:
		default:
			select {
			case p.overflow <- ev:
			default:
			}
		}
	})
	if err != nil {
		p.logger.Warn("spill sweep error", zap.Error(err))
	}
	return n
}

// drainOverflow trickles overflow events back into the queue as
// capacity frees up.
func (p *Pipeline) drainOverflow(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.overflow:
			select {
			case p.queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.process(ctx, ev)
			if p.metrics != nil {
				p.metrics.PipelineDepth.Set(float64(len(p.queue)))
			}
		}
	}
}

func (p *Pipeline) process(ctx context.Context, ev model.Event) {
	start := time.Now()

	if p.dedup.isDuplicate(ev.Identity(), time.Now()) {
		p.deduplicated.Add(1)
		if p.metrics != nil {
			p.metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		}
		return
	}

	current, pass, _, errCount := p.chain.run(ev)
	if errCount > 0 {
		p.filterErrs.Add(uint64(errCount))
		p.logger.Warn("filter errors, event passed through",
			zap.String("entity_id", ev.EntityID),
			zap.Int("errors", errCount),
		)
	}
	if !pass {
		p.filtered.Add(1)
		if p.metrics != nil {
			p.metrics.EventsFiltered.Inc()
		}
		return
	}

	if p.enricher != nil {
		enriched, err := p.enricher.Enrich(ctx, current)
		if err != nil {
			// Enrichment failures never abort; the event continues
			// unenriched.
			p.logger.Debug("enrichment failed", zap.Error(err))
		} else {
			current = enriched
		}
	}

	if tf := p.transformFor(current.Type); tf != nil {
		points, err := tf(current)
		switch {
		case err != nil:
			p.failed.Add(1)
			p.logger.Warn("transform failed",
				zap.String("entity_id", current.EntityID),
				zap.Error(err),
			)
		case len(points) > 0:
			p.transformed.Add(1)
			if p.writer != nil {
				if err := p.writer.WritePoints(ctx, points); err != nil {
					p.failed.Add(1)
					p.logger.Warn("writer hand-off failed", zap.Error(err))
				} else {
					p.stored.Add(uint64(len(points)))
				}
			}
		}
	}

	if p.alerts != nil {
		p.feedAlertSeries(current)
		if err := p.alerts.HandleEvent(current); err != nil {
			// The event is already stored; an alert hand-off failure
			// is counted, not fatal.
			p.failed.Add(1)
			p.logger.Warn("alert hand-off failed", zap.Error(err))
		}
	}

	p.processed.Add(1)
	p.latencyNs.Add(uint64(time.Since(start).Nanoseconds()))
	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
	}
}

// feedAlertSeries derives threshold series samples from every numeric
// attribute so rules referencing those paths work without wiring.
func (p *Pipeline) feedAlertSeries(ev model.Event) {
	meta := map[string]string{"entity_id": ev.EntityID}
	for k, v := range ev.Attributes {
		f, ok := v.AsFloat()
		if !ok || v.Kind() == model.KindString {
			// Strings stay strings: "21.5" as a state is stored, but a
			// series sample needs a genuinely numeric attribute.
			continue
		}
		p.alerts.AddDataPoint(k, f, ev.Time, meta)
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	processed := p.processed.Load()
	var avgMs float64
	if processed > 0 {
		avgMs = float64(p.latencyNs.Load()) / float64(processed) / 1e6
	}
	return Stats{
		Received:     p.received.Load(),
		Processed:    processed,
		Deduplicated: p.deduplicated.Load(),
		Filtered:     p.filtered.Load(),
		Transformed:  p.transformed.Load(),
		Stored:       p.stored.Load(),
		Failed:       p.failed.Load(),
		RateLimited:  p.rateLimited.Load(),
		Overflowed:   p.overflowed.Load(),
		FilterErrors: p.filterErrs.Load(),
		AvgLatencyMs: avgMs,
		QueueDepth:   len(p.queue),
	}
}

// FilterCacheStats exposes per-filter result-cache hit/miss counts.
func (p *Pipeline) FilterCacheStats() map[string][2]uint64 {
	return p.chain.cacheStats()
}
