// Package writer accumulates storage points into size- and age-bounded
// batches and ships them to the time-series database over its HTTP
// write API: line protocol body, configurable compression, jittered
// retry backoff, and a circuit breaker guarding the endpoint.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

const (
	defaultBatchSize    = 1000
	defaultBatchTimeout = 10 * time.Second
	defaultMaxRetries   = 3
	defaultBaseDelay    = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultJitter       = 0.1
	minRetryDelay       = 100 * time.Millisecond

	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 60 * time.Second

	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 30 * time.Second

	// ageCheckInterval bounds how late an age-triggered flush can fire.
	ageCheckInterval = 500 * time.Millisecond
)

// Config tunes the writer. Zero values take the documented defaults.
type Config struct {
	BaseURL string // e.g. http://influxdb:8086
	Org     string
	Bucket  string
	Token   string

	BatchSize        int
	BatchTimeout     time.Duration
	Compression      string // gzip (default), deflate, none
	CompressionLevel int    // 1..9, default 6
	Optimize         bool

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64

	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = "gzip"
	}
	if c.CompressionLevel <= 0 {
		c.CompressionLevel = defaultCompressionLevel
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Jitter <= 0 {
		c.Jitter = defaultJitter
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	PointsWritten       uint64  `json:"points_written"`
	BatchesWritten      uint64  `json:"batches_written"`
	WriteErrors         uint64  `json:"write_errors"`
	Retries             uint64  `json:"retries"`
	DroppedInvalid      uint64  `json:"dropped_invalid"`
	QueueDepth          int     `json:"queue_depth"`
	ConsecutiveFailures uint64  `json:"consecutive_failures"`
	BreakerState        string  `json:"breaker_state"`
	CompressionRatio    float64 `json:"compression_ratio"`
	BytesSaved          uint64  `json:"bytes_saved"`
}

// BatchPerformance summarizes batch throughput since start.
type BatchPerformance struct {
	AvgBatchSize     float64 `json:"avg_batch_size"`
	AvgWriteTimeMs   float64 `json:"avg_write_time_ms"`
	AvgBatchAgeMs    float64 `json:"avg_batch_age_ms"`
	PointsPerSecond  float64 `json:"points_per_second"`
	BatchesPerSecond float64 `json:"batches_per_second"`
	LastWorkload     string  `json:"last_workload,omitempty"`
}

// Client is the batched time-series writer. It exclusively owns its
// pending batch; flushes swap the slice out under the mutex so the
// HTTP call runs on an owned copy.
type Client struct {
	mu       sync.Mutex
	cfg      Config
	pending  []model.StoragePoint
	oldestAt time.Time

	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *health.Metrics
	monitor *health.Monitor
	logger  *zap.Logger

	flushCh chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	started time.Time

	pointsWritten  atomic.Uint64
	batchesWritten atomic.Uint64
	writeErrors    atomic.Uint64
	retries        atomic.Uint64
	droppedInvalid atomic.Uint64
	consecFails    atomic.Uint64
	bytesRaw       atomic.Uint64
	bytesSent      atomic.Uint64
	writeTimeNs    atomic.Uint64
	batchAgeNs     atomic.Uint64

	lastWorkloadMu sync.Mutex
	lastWorkload   Workload
}

// New builds a Client. metrics and monitor may be nil.
func New(cfg Config, metrics *health.Metrics, monitor *health.Monitor, logger *zap.Logger) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.WriteTimeout},
		metrics: metrics,
		monitor: monitor,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		started: time.Now(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "timeseries-write",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if metrics != nil {
				metrics.BreakerState.Set(breakerGaugeValue(to))
			}
		},
	})
	return c
}

func breakerGaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Connect probes the database health endpoint. A failure is reported
// but does not prevent starting; the breaker and retries take over.
func (c *Client) Connect(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.noteDatabase(health.DepDown, err.Error())
		return fmt.Errorf("database health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.noteDatabase(health.DepDown, fmt.Sprintf("health probe returned %d", resp.StatusCode))
		return fmt.Errorf("database health probe returned %d", resp.StatusCode)
	}
	c.noteDatabase(health.DepUp, "")
	return nil
}

func (c *Client) noteDatabase(state health.DepState, detail string) {
	if c.monitor != nil {
		c.monitor.SetDependency("timeseries_db", state, true, detail)
	}
}

// Start launches the background flush task.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.flushLoop(runCtx)
}

// Stop cancels the flush loop, drains whatever is still pending, and
// releases idle connections.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	c.Flush(ctx)
	c.httpc.CloseIdleConnections()
}

// Flush synchronously sends everything pending, one batch per send.
// Stops early if a send fails and the batch is requeued, rather than
// spinning on an unreachable database.
func (c *Client) Flush(ctx context.Context) {
	for {
		c.mu.Lock()
		before := len(c.pending)
		c.mu.Unlock()
		if before == 0 {
			return
		}
		c.flush(ctx)
		c.mu.Lock()
		after := len(c.pending)
		c.mu.Unlock()
		if after >= before {
			return
		}
	}
}

// WritePoint appends a single point to the pending batch.
func (c *Client) WritePoint(ctx context.Context, p model.StoragePoint) error {
	return c.WritePoints(ctx, []model.StoragePoint{p})
}

// WritePoints appends points to the pending batch, dropping any that
// fail validation so one bad point never poisons a batch. Reaching the
// configured batch size triggers an immediate flush.
func (c *Client) WritePoints(_ context.Context, points []model.StoragePoint) error {
	now := time.Now()

	c.mu.Lock()
	for _, p := range points {
		if err := p.Validate(); err != nil {
			c.droppedInvalid.Add(1)
			c.logger.Debug("invalid point dropped",
				zap.String("measurement", p.Measurement),
				zap.Error(err),
			)
			continue
		}
		if len(c.pending) == 0 {
			c.oldestAt = now
		}
		c.pending = append(c.pending, p)
	}
	full := len(c.pending) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// UpdateBatchConfig adjusts batching behavior at runtime. Zero values
// leave the corresponding setting unchanged; optimize may be nil.
func (c *Client) UpdateBatchConfig(size int, timeout time.Duration, compression string, level int, optimize *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > 0 {
		c.cfg.BatchSize = size
	}
	if timeout > 0 {
		c.cfg.BatchTimeout = timeout
	}
	if compression != "" {
		c.cfg.Compression = compression
	}
	if level > 0 && level <= 9 {
		c.cfg.CompressionLevel = level
	}
	if optimize != nil {
		c.cfg.Optimize = *optimize
	}
}

func (c *Client) flushLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(ageCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.flushCh:
			c.flush(ctx)
		case <-ticker.C:
			c.mu.Lock()
			due := len(c.pending) > 0 && time.Since(c.oldestAt) >= c.cfg.BatchTimeout
			c.mu.Unlock()
			if due {
				c.flush(ctx)
			}
		}
	}
}

// flush moves the pending batch aside and sends it. On failure the
// batch is requeued head-first so the next flush retries the same
// points in order.
func (c *Client) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	if len(batch) > c.cfg.BatchSize {
		// A flush ships at most one batch; the remainder stays queued
		// and re-triggers below.
		batch = batch[:c.cfg.BatchSize]
		c.pending = append([]model.StoragePoint(nil), c.pending[c.cfg.BatchSize:]...)
	} else {
		c.pending = nil
	}
	age := time.Since(c.oldestAt)
	refire := len(c.pending) >= c.cfg.BatchSize
	optimize := c.cfg.Optimize
	codec := normalizeCodec(c.cfg.Compression)
	level := c.cfg.CompressionLevel
	c.mu.Unlock()

	if refire {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}

	if optimize {
		var w Workload
		batch, w = optimizeBatch(batch)
		c.lastWorkloadMu.Lock()
		c.lastWorkload = w
		c.lastWorkloadMu.Unlock()
	}
	// Intra-batch order is by timestamp after optimization.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Time.Before(batch[j].Time) })

	body := []byte(model.EncodeLines(batch))
	payload, encoding, err := compress(body, codec, level)
	if err != nil {
		// Identity is always a valid fallback.
		c.logger.Warn("compression failed, sending identity", zap.Error(err))
		payload, encoding = body, "identity"
	}
	c.bytesRaw.Add(uint64(len(body)))
	c.bytesSent.Add(uint64(len(payload)))
	if c.metrics != nil && len(body) > 0 {
		c.metrics.CompressionRatio.Set(float64(len(payload)) / float64(len(body)))
		c.metrics.BatchSize.Observe(float64(len(batch)))
		c.metrics.BatchAgeAtFlush.Observe(age.Seconds())
	}

	start := time.Now()
	if err := c.send(ctx, payload, encoding); err != nil {
		c.writeErrors.Add(1)
		c.consecFails.Add(1)
		c.noteDatabase(health.DepDown, err.Error())
		c.logger.Error("batch write failed, requeueing",
			zap.Int("points", len(batch)),
			zap.Error(err),
		)
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.oldestAt = time.Now().Add(-age)
		}
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return
	}

	elapsed := time.Since(start)
	c.pointsWritten.Add(uint64(len(batch)))
	c.batchesWritten.Add(1)
	c.writeTimeNs.Add(uint64(elapsed.Nanoseconds()))
	c.batchAgeNs.Add(uint64(age.Nanoseconds()))
	c.consecFails.Store(0)
	c.noteDatabase(health.DepUp, "")
	if c.metrics != nil {
		c.metrics.BatchWriteTime.Observe(elapsed.Seconds())
	}
	c.logger.Debug("batch written",
		zap.Int("points", len(batch)),
		zap.Duration("took", elapsed),
		zap.String("encoding", encoding),
	)
}

// send posts the payload, retrying transient failures with jittered
// exponential backoff. Every attempt passes through the circuit
// breaker so consecutive failures trip it and an open breaker fails
// fast without touching the endpoint.
func (c *Client) send(ctx context.Context, payload []byte, encoding string) error {
	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns",
		c.cfg.BaseURL, c.cfg.Org, c.cfg.Bucket)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			if c.metrics != nil {
				c.metrics.WriterRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay(attempt)):
			}
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.post(ctx, url, payload, encoding)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Fail fast; the batch stays queued for the breaker window.
			return err
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, url string, payload []byte, encoding string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if encoding != "identity" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("write rejected: rate limited (429)")
	default:
		return fmt.Errorf("write failed: status %d", resp.StatusCode)
	}
}

// retryDelay computes base·2^(n−1) with ±jitter, floored at 100ms and
// capped at MaxDelay.
func (c *Client) retryDelay(attempt int) time.Duration {
	d := float64(c.cfg.BaseDelay) * float64(int(1)<<uint(attempt-1))
	if d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	d *= 1 + c.cfg.Jitter*(2*rand.Float64()-1)
	if d < float64(minRetryDelay) {
		d = float64(minRetryDelay)
	}
	return time.Duration(d)
}

// BreakerStatus reports the breaker state as closed, half-open or open.
func (c *Client) BreakerStatus() string {
	return c.breaker.State().String()
}

// Stats returns a snapshot of the writer counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	depth := len(c.pending)
	c.mu.Unlock()

	raw := c.bytesRaw.Load()
	sent := c.bytesSent.Load()
	var ratio float64
	if raw > 0 {
		ratio = float64(sent) / float64(raw)
	}
	var saved uint64
	if raw > sent {
		saved = raw - sent
	}
	return Stats{
		PointsWritten:       c.pointsWritten.Load(),
		BatchesWritten:      c.batchesWritten.Load(),
		WriteErrors:         c.writeErrors.Load(),
		Retries:             c.retries.Load(),
		DroppedInvalid:      c.droppedInvalid.Load(),
		QueueDepth:          depth,
		ConsecutiveFailures: c.consecFails.Load(),
		BreakerState:        c.BreakerStatus(),
		CompressionRatio:    ratio,
		BytesSaved:          saved,
	}
}

// Performance returns batch throughput averages since start.
func (c *Client) Performance() BatchPerformance {
	batches := c.batchesWritten.Load()
	points := c.pointsWritten.Load()
	elapsed := time.Since(c.started).Seconds()

	perf := BatchPerformance{}
	if batches > 0 {
		perf.AvgBatchSize = float64(points) / float64(batches)
		perf.AvgWriteTimeMs = float64(c.writeTimeNs.Load()) / float64(batches) / 1e6
		perf.AvgBatchAgeMs = float64(c.batchAgeNs.Load()) / float64(batches) / 1e6
	}
	if elapsed > 0 {
		perf.PointsPerSecond = float64(points) / elapsed
		perf.BatchesPerSecond = float64(batches) / elapsed
	}
	c.lastWorkloadMu.Lock()
	perf.LastWorkload = string(c.lastWorkload)
	c.lastWorkloadMu.Unlock()
	return perf
}
