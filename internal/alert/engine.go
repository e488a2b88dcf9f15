package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
	"github.com/wtthornton/ha-ingestor-sub004/internal/notify"
)

const (
	defaultCheckInterval = 15 * time.Second
	defaultAggWindow     = 5 * time.Minute
	defaultHistoryCap    = 1000
	emptyGroupTTL        = time.Hour
)

// Notifier fans an aggregated alert out to the named sinks.
// *notify.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, sinkIDs []string, msg notify.Message)
}

// Config tunes the engine.
type Config struct {
	CheckInterval     time.Duration // sweep period, default 15s
	AggregationWindow time.Duration // default 5m
	HistoryCap        int           // default (and floor) 1000
}

func (c *Config) withDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = defaultAggWindow
	}
	if c.HistoryCap < defaultHistoryCap {
		c.HistoryCap = defaultHistoryCap
	}
}

type groupKey struct {
	rule     string
	severity Severity
}

// aggGroup collects alerts of one (rule, severity) inside the sliding
// aggregation window; the sweep emits one representative per window.
type aggGroup struct {
	windowStart time.Time
	members     []*Alert
	sinks       []string
	emptySince  time.Time
}

// Engine owns the rule set, the active-alert map, history, aggregation
// groups and the threshold series. All state is guarded by one mutex;
// acknowledge/resolve serialize against the sweep through it.
type Engine struct {
	cfg      Config
	notifier Notifier
	metrics  *health.Metrics
	logger   *zap.Logger

	mu          sync.Mutex
	rules       map[string]*Rule
	active      map[string]*Alert
	history     []*Alert
	lastTrigger map[string]time.Time
	groups      map[groupKey]*aggGroup

	series *seriesStore

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine builds an Engine. notifier and metrics may be nil.
func NewEngine(cfg Config, notifier Notifier, metrics *health.Metrics, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		rules:       make(map[string]*Rule),
		active:      make(map[string]*Alert),
		lastTrigger: make(map[string]time.Time),
		groups:      make(map[groupKey]*aggGroup),
		series:      newSeriesStore(),
	}
}

// AddRule validates and installs (or replaces) a rule.
func (e *Engine) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Name] = &r
	return nil
}

// RemoveRule deletes a rule; its active alert, if any, is resolved.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; !ok {
		return false
	}
	delete(e.rules, name)
	if a, ok := e.active[name]; ok {
		now := time.Now()
		a.Status = StatusResolved
		a.ResolvedAt = &now
		e.pushHistoryLocked(a)
		delete(e.active, name)
	}
	return true
}

// SetRuleEnabled toggles a rule without removing it.
func (e *Engine) SetRuleEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return false
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now()
	return true
}

// Rules returns a snapshot of the rule definitions.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// AddDataPoint feeds one sample into the threshold series for path.
// The pipeline calls this for every numeric event attribute.
func (e *Engine) AddDataPoint(path string, value float64, ts time.Time, _ map[string]string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	e.series.add(path, value, ts)
}

// HandleEvent evaluates every enabled rule against the event. Rule
// order is not guaranteed.
func (e *Engine) HandleEvent(ev model.Event) error {
	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.Unlock()

	now := time.Now()
	for _, r := range rules {
		if !e.matches(r, ev, now) {
			continue
		}
		e.trigger(r, ev, now)
	}
	return nil
}

func (e *Engine) matches(r *Rule, ev model.Event, now time.Time) bool {
	for _, p := range r.Predicates {
		if !evalPredicate(p, ev) {
			return false
		}
	}
	if r.Threshold != nil {
		v, ok := resolveEventPath(ev, r.Threshold.FieldPath)
		if !ok {
			return false
		}
		current, numeric := v.AsFloat()
		if !numeric {
			return false
		}
		if !e.series.evaluate(r.Threshold, current, now) {
			return false
		}
	}
	return true
}

func evalPredicate(p Predicate, ev model.Event) bool {
	v, ok := resolveEventPath(ev, p.Path)
	switch p.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	}
	if !ok {
		return false
	}
	match, err := model.EvalOp(p.Op, v, p.Value)
	if err != nil {
		return false
	}
	return match
}

// resolveEventPath resolves a dotted path against the event. The
// reserved paths entity_id, domain and type address the envelope.
func resolveEventPath(ev model.Event, path string) (model.Value, bool) {
	switch path {
	case "entity_id":
		return model.String(ev.EntityID), true
	case "domain":
		return model.String(ev.Domain), true
	case "type":
		return model.String(ev.Type), true
	}
	return model.ResolvePath(ev.Attributes, path)
}

// trigger creates a new alert instance for r unless the rule is still
// cooling down.
func (e *Engine) trigger(r *Rule, ev model.Event, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastTrigger[r.Name]; ok && r.Cooldown > 0 && now.Sub(last) < r.Cooldown {
		return
	}
	e.lastTrigger[r.Name] = now

	msg := fmt.Sprintf("%s: rule matched for %s", r.Name, ev.EntityID)
	if r.Description != "" {
		msg = fmt.Sprintf("%s: %s (%s)", r.Name, r.Description, ev.EntityID)
	}
	a := newAlert(r, msg, now, map[string]any{
		"entity_id": ev.EntityID,
		"domain":    ev.Domain,
		"type":      ev.Type,
	})

	// A still-active previous instance is superseded: it moves to
	// history as-is and the new instance takes its slot.
	if prev, ok := e.active[r.Name]; ok {
		e.pushHistoryLocked(prev)
	}
	e.active[r.Name] = a

	key := groupKey{rule: r.Name, severity: r.Severity}
	g, ok := e.groups[key]
	if !ok {
		g = &aggGroup{sinks: r.Sinks}
		e.groups[key] = g
	}
	if len(g.members) == 0 {
		g.windowStart = now
	}
	g.members = append(g.members, a)
	g.emptySince = time.Time{}

	if e.metrics != nil {
		e.metrics.AlertsTriggered.WithLabelValues(string(r.Severity)).Inc()
	}
	e.logger.Info("alert triggered",
		zap.String("rule", r.Name),
		zap.String("severity", string(r.Severity)),
		zap.String("entity_id", ev.EntityID),
	)
}

// Acknowledge marks the active alert for ruleName acknowledged.
// Returns false when there is none.
func (e *Engine) Acknowledge(ruleName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[ruleName]
	if !ok {
		return false
	}
	now := time.Now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	return true
}

// Resolve closes the active alert for ruleName and moves it to
// history. Returns false when there is none.
func (e *Engine) Resolve(ruleName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[ruleName]
	if !ok {
		return false
	}
	now := time.Now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	e.pushHistoryLocked(a)
	delete(e.active, ruleName)
	return true
}

// ActiveAlerts returns a copy of the active alert instances.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// History returns a copy of the alert history, oldest first.
func (e *Engine) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.history))
	for i, a := range e.history {
		out[i] = *a
	}
	return out
}

func (e *Engine) pushHistoryLocked(a *Alert) {
	e.history = append(e.history, a)
	if over := len(e.history) - e.cfg.HistoryCap; over > 0 {
		e.history = append([]*Alert(nil), e.history[over:]...)
	}
}

// Start launches the periodic sweep.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.sweep(runCtx, time.Now())
			}
		}
	}()
}

// Stop cancels the sweep loop and runs one final sweep so closing
// aggregation windows still notify.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.sweep(context.Background(), time.Now())
}

// sweep expires overdue alerts, flushes closed aggregation windows to
// notification, prunes long-empty groups, and compacts the series.
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	type emission struct {
		msg   notify.Message
		sinks []string
	}
	var emit []emission

	e.mu.Lock()
	for name, a := range e.active {
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			a.Status = StatusExpired
			e.pushHistoryLocked(a)
			delete(e.active, name)
			e.logger.Info("alert expired", zap.String("rule", name))
		}
	}

	for key, g := range e.groups {
		if len(g.members) == 0 {
			if !g.emptySince.IsZero() && now.Sub(g.emptySince) > emptyGroupTTL {
				delete(e.groups, key)
			}
			continue
		}
		if now.Sub(g.windowStart) < e.cfg.AggregationWindow {
			continue
		}
		rep := representative(g.members)
		emit = append(emit, emission{
			msg: notify.Message{
				Title:    rep.RuleName,
				Body:     rep.Message,
				Severity: string(rep.Severity),
				Alert:    rep.Snapshot(),
				Metadata: map[string]string{
					"group_size": fmt.Sprintf("%d", len(g.members)),
				},
			},
			sinks: g.sinks,
		})
		g.members = nil
		g.emptySince = now
	}
	e.mu.Unlock()

	// Notification HTTP happens outside the lock.
	if e.notifier != nil {
		for _, em := range emit {
			e.notifier.Dispatch(ctx, em.sinks, em.msg)
		}
	}

	e.series.compact(now)
}

// representative picks the highest-severity member, ties broken by the
// earliest trigger time.
func representative(members []*Alert) *Alert {
	best := members[0]
	for _, a := range members[1:] {
		if a.Severity.rank() > best.Severity.rank() ||
			(a.Severity.rank() == best.Severity.rank() && a.TriggeredAt.Before(best.TriggeredAt)) {
			best = a
		}
	}
	return best
}
